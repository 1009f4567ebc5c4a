package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bingopay/internal/common/money"
)

func TestNewRef(t *testing.T) {
	ref := NewRef(TypeDeposit)
	assert.True(t, strings.HasPrefix(ref, "deposit-"))

	ref = NewRef(TypeGameEntry)
	assert.True(t, strings.HasPrefix(ref, "game-entry-"))

	assert.NotEqual(t, NewRef(TypeDeposit), NewRef(TypeDeposit))
}

func TestNewTransaction(t *testing.T) {
	amount := money.New(10000, money.ETB)

	tx, err := NewTransaction("deposit-1", "user-1", amount, TypeDeposit)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)
	assert.False(t, tx.CreatedAt.IsZero())
	assert.Nil(t, tx.CompletedAt)
	assert.Nil(t, tx.FailedAt)

	_, err = NewTransaction("", "user-1", amount, TypeDeposit)
	assert.Error(t, err)

	_, err = NewTransaction("deposit-1", "", amount, TypeDeposit)
	assert.Error(t, err)

	_, err = NewTransaction("deposit-1", "user-1", money.Zero(money.ETB), TypeDeposit)
	assert.Error(t, err)

	_, err = NewTransaction("deposit-1", "user-1", amount, Type("bonus"))
	assert.Error(t, err)
}

func TestMarkCompleted(t *testing.T) {
	tx, err := NewTransaction("deposit-1", "user-1", money.New(100, money.ETB), TypeDeposit)
	require.NoError(t, err)

	require.NoError(t, tx.MarkCompleted())
	assert.Equal(t, StatusCompleted, tx.Status)
	require.NotNil(t, tx.CompletedAt)
	firstCompletedAt := *tx.CompletedAt

	err = tx.MarkCompleted()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, firstCompletedAt, *tx.CompletedAt)

	err = tx.MarkFailed("late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, tx.Status)
}

func TestMarkFailed(t *testing.T) {
	tx, err := NewTransaction("withdrawal-1", "user-1", money.New(100, money.ETB), TypeWithdrawal)
	require.NoError(t, err)

	require.NoError(t, tx.MarkFailed("provider timeout"))
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Equal(t, "provider timeout", tx.FailureReason)
	require.NotNil(t, tx.FailedAt)

	assert.ErrorIs(t, tx.MarkCompleted(), ErrInvalidTransition)
}

func TestIsTerminal(t *testing.T) {
	tx, err := NewTransaction("deposit-1", "user-1", money.New(100, money.ETB), TypeDeposit)
	require.NoError(t, err)

	assert.False(t, tx.IsTerminal())
	require.NoError(t, tx.MarkCompleted())
	assert.True(t, tx.IsTerminal())
}
