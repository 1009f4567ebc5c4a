package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"bingopay/internal/common/database"
)

// ErrInsufficientFunds is returned when a debit would overdraw a wallet.
// It is a business rejection, not a system fault.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Direction of a wallet adjustment.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Store persists wallet balances. Mutations are atomic increments at the
// storage layer paired with a unique adjustment reference, so a replayed
// mutation is a no-op (applied=false) and concurrent debits cannot jointly
// overdraw an account.
type Store interface {
	Credit(ctx context.Context, userID string, amountMinor int64, currency, reference string) (applied bool, err error)
	Debit(ctx context.Context, userID string, amountMinor int64, reference string) (applied bool, err error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// errAlreadyApplied aborts the enclosing transaction when an adjustment
// reference was seen before.
var errAlreadyApplied = errors.New("adjustment already applied")

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new wallet store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Credit atomically increments a balance, creating the wallet if absent.
func (s *PostgresStore) Credit(ctx context.Context, userID string, amountMinor int64, currency, reference string) (bool, error) {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := recordAdjustment(ctx, tx, userID, amountMinor, DirectionCredit, reference); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO wallets (user_id, balance, currency, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE
			SET balance = wallets.balance + EXCLUDED.balance,
			    updated_at = EXCLUDED.updated_at
		`, userID, amountMinor, currency, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("incrementing balance: %w", err)
		}

		return nil
	})

	if errors.Is(err, errAlreadyApplied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Debit atomically decrements a balance. The conditional update serializes
// concurrent debits per account at the storage layer: the decrement only
// lands when the row still holds at least the debited amount, so a reader
// never observes a negative balance.
func (s *PostgresStore) Debit(ctx context.Context, userID string, amountMinor int64, reference string) (bool, error) {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := recordAdjustment(ctx, tx, userID, amountMinor, DirectionDebit, reference); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE wallets
			SET balance = balance - $2,
			    updated_at = $3
			WHERE user_id = $1
			  AND balance >= $2
		`, userID, amountMinor, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("decrementing balance: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return ErrInsufficientFunds
		}

		return nil
	})

	if errors.Is(err, errAlreadyApplied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Balance returns the current balance, zero when no wallet exists.
func (s *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `
		SELECT balance FROM wallets WHERE user_id = $1
	`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return balance, nil
}

// recordAdjustment inserts the adjustment row whose unique reference makes
// the mutation replay-safe. ON CONFLICT DO NOTHING keeps the enclosing
// transaction usable so the duplicate can be reported without an error code
// round-trip.
func recordAdjustment(ctx context.Context, tx pgx.Tx, userID string, amountMinor int64, direction Direction, reference string) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO wallet_adjustments (id, user_id, amount, direction, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reference) DO NOTHING
	`, ulid.Make().String(), userID, amountMinor, direction, reference, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording adjustment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errAlreadyApplied
	}
	return nil
}
