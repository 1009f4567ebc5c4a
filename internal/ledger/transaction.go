// Package ledger owns the lifecycle of money-movement records. It is the
// authoritative log of intent and outcome for every deposit, withdrawal and
// game entry.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"bingopay/internal/common/money"
)

// Sentinel errors for ledger operations.
var (
	ErrNotFound          = errors.New("transaction not found")
	ErrDuplicateRef      = errors.New("transaction reference already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Type classifies a money movement.
type Type string

const (
	TypeDeposit         Type = "deposit"
	TypeWithdrawal      Type = "withdrawal"
	TypeGameEntry       Type = "game_entry"
	TypeHouseCommission Type = "house_commission"
	TypePrizePool       Type = "prize_pool"
)

// Status represents the status of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Transaction represents a single money movement. The tx_ref is globally
// unique and immutable once created; status transitions happen at most once
// in each direction.
type Transaction struct {
	TxRef         string      `json:"tx_ref"`
	UserID        string      `json:"user_id"`
	GameID        string      `json:"game_id,omitempty"`
	Amount        money.Money `json:"amount"`
	Type          Type        `json:"type"`
	Status        Status      `json:"status"`
	Method        string      `json:"method,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	FailedAt      *time.Time  `json:"failed_at,omitempty"`
}

// NewRef generates a fresh transaction reference for a movement type,
// e.g. "deposit-01HV...". ULIDs keep refs unique and sortable by creation.
func NewRef(t Type) string {
	prefix := strings.ReplaceAll(string(t), "_", "-")
	return fmt.Sprintf("%s-%s", prefix, ulid.Make().String())
}

// NewTransaction creates a pending transaction record.
func NewTransaction(txRef, userID string, amount money.Money, txType Type) (*Transaction, error) {
	if txRef == "" {
		return nil, errors.New("tx_ref is required")
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	switch txType {
	case TypeDeposit, TypeWithdrawal, TypeGameEntry, TypeHouseCommission, TypePrizePool:
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txType)
	}

	return &Transaction{
		TxRef:     txRef,
		UserID:    userID,
		Amount:    amount,
		Type:      txType,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// MarkCompleted transitions the transaction to completed. Only pending
// transactions may complete; completed_at is set exactly once.
func (t *Transaction) MarkCompleted() error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: cannot complete %s transaction", ErrInvalidTransition, t.Status)
	}
	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	return nil
}

// MarkFailed transitions the transaction to failed with a reason.
func (t *Transaction) MarkFailed(reason string) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: cannot fail %s transaction", ErrInvalidTransition, t.Status)
	}
	now := time.Now().UTC()
	t.Status = StatusFailed
	t.FailedAt = &now
	t.FailureReason = reason
	return nil
}

// IsTerminal returns true once the transaction can no longer transition.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}
