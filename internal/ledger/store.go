package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bingopay/internal/common/database"
	"bingopay/internal/common/money"
)

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, txRef string) (*Transaction, error)
	MarkCompleted(ctx context.Context, txRef string, at time.Time) (*Transaction, error)
	MarkFailed(ctx context.Context, txRef, reason string, at time.Time) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, txType Type, limit int) ([]*Transaction, error)
	RevenueByDay(ctx context.Context, txType Type, days int) ([]DailyRevenue, error)
}

// DailyRevenue is a per-day aggregate of completed transactions.
type DailyRevenue struct {
	Day         time.Time `json:"day"`
	AmountMinor int64     `json:"amount_minor"`
	Count       int64     `json:"count"`
}

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new transaction store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `tx_ref, user_id, game_id, amount, currency, type, status,
	   method, failure_reason, created_at, completed_at, failed_at`

// Create inserts a pending transaction. A reused tx_ref fails with
// ErrDuplicateRef; refs are never recycled.
func (s *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	query := `
		INSERT INTO transactions (
			tx_ref, user_id, game_id, amount, currency, type, status,
			method, failure_reason, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	var gameID *string
	if tx.GameID != "" {
		gameID = &tx.GameID
	}

	_, err := s.db.Exec(ctx, query,
		tx.TxRef,
		tx.UserID,
		gameID,
		tx.Amount.AmountMinor,
		tx.Amount.Currency,
		tx.Type,
		tx.Status,
		tx.Method,
		tx.FailureReason,
		tx.CreatedAt,
	)

	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("tx_ref %s: %w", tx.TxRef, ErrDuplicateRef)
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}

	return nil
}

// Get retrieves a transaction by reference.
func (s *PostgresStore) Get(ctx context.Context, txRef string) (*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE tx_ref = $1`

	row := s.db.QueryRow(ctx, query, txRef)
	return scanTransaction(row)
}

// MarkCompleted atomically transitions a pending transaction to completed.
// The conditional UPDATE is the first-writer-wins guard: a transaction that
// already left pending yields ErrInvalidTransition.
func (s *PostgresStore) MarkCompleted(ctx context.Context, txRef string, at time.Time) (*Transaction, error) {
	query := `
		UPDATE transactions
		SET status = $2, completed_at = $3
		WHERE tx_ref = $1 AND status = $4
		RETURNING ` + txColumns

	row := s.db.QueryRow(ctx, query, txRef, StatusCompleted, at, StatusPending)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.classifyMissedTransition(ctx, txRef, StatusCompleted)
		}
		return nil, err
	}
	return tx, nil
}

// MarkFailed atomically transitions a pending transaction to failed.
func (s *PostgresStore) MarkFailed(ctx context.Context, txRef, reason string, at time.Time) (*Transaction, error) {
	query := `
		UPDATE transactions
		SET status = $2, failed_at = $3, failure_reason = $4
		WHERE tx_ref = $1 AND status = $5
		RETURNING ` + txColumns

	row := s.db.QueryRow(ctx, query, txRef, StatusFailed, at, reason, StatusPending)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.classifyMissedTransition(ctx, txRef, StatusFailed)
		}
		return nil, err
	}
	return tx, nil
}

// classifyMissedTransition distinguishes a missing record from one that
// already left pending.
func (s *PostgresStore) classifyMissedTransition(ctx context.Context, txRef string, target Status) error {
	current, err := s.Get(ctx, txRef)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, wanted pending -> %s",
		ErrInvalidTransition, txRef, current.Status, target)
}

// ListByUser retrieves a user's transactions of a type, newest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, txType Type, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE user_id = $1 AND type = $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, userID, txType, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

// RevenueByDay aggregates completed transactions of a type per day.
func (s *PostgresStore) RevenueByDay(ctx context.Context, txType Type, days int) ([]DailyRevenue, error) {
	query := `
		SELECT date_trunc('day', completed_at) AS day,
			   COALESCE(SUM(amount), 0),
			   COUNT(*)
		FROM transactions
		WHERE type = $1
		  AND status = $2
		  AND completed_at >= now() - ($3 * interval '1 day')
		GROUP BY day
		ORDER BY day DESC
	`

	rows, err := s.db.Query(ctx, query, txType, StatusCompleted, days)
	if err != nil {
		return nil, fmt.Errorf("aggregating revenue: %w", err)
	}
	defer rows.Close()

	var result []DailyRevenue
	for rows.Next() {
		var r DailyRevenue
		if err := rows.Scan(&r.Day, &r.AmountMinor, &r.Count); err != nil {
			return nil, fmt.Errorf("scanning revenue row: %w", err)
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	tx, err := scanTx(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	return tx, nil
}

func scanTransactionRows(rows pgx.Rows) (*Transaction, error) {
	tx, err := scanTx(rows.Scan)
	if err != nil {
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	return tx, nil
}

func scanTx(scan func(dest ...any) error) (*Transaction, error) {
	var t Transaction
	var gameID, method, failureReason *string
	var amount int64
	var currency string
	err := scan(
		&t.TxRef, &t.UserID, &gameID, &amount, &currency, &t.Type, &t.Status,
		&method, &failureReason, &t.CreatedAt, &t.CompletedAt, &t.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	if gameID != nil {
		t.GameID = *gameID
	}
	if method != nil {
		t.Method = *method
	}
	if failureReason != nil {
		t.FailureReason = *failureReason
	}
	t.Amount = money.New(amount, money.Currency(currency))
	return &t, nil
}
