package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bingopay/internal/common/money"
)

// Service provides transaction lifecycle operations on top of a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new ledger service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// CreateParams are the inputs for a new pending transaction.
type CreateParams struct {
	TxRef  string
	UserID string
	GameID string
	Amount money.Money
	Type   Type
	Method string
}

// CreatePending writes a pending transaction record. Fails with
// ErrDuplicateRef when the reference was already used.
func (s *Service) CreatePending(ctx context.Context, p CreateParams) (*Transaction, error) {
	tx, err := NewTransaction(p.TxRef, p.UserID, p.Amount, p.Type)
	if err != nil {
		return nil, fmt.Errorf("create pending: %w", err)
	}
	tx.GameID = p.GameID
	tx.Method = p.Method

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	s.logger.Info("transaction created",
		"tx_ref", tx.TxRef,
		"type", tx.Type,
		"user_id", tx.UserID,
		"amount", tx.Amount.AmountMinor,
	)

	return tx, nil
}

// MarkCompleted transitions a pending transaction to completed. The store's
// conditional update guarantees the transition happens at most once; callers
// racing on the same tx_ref get ErrInvalidTransition.
func (s *Service) MarkCompleted(ctx context.Context, txRef string) (*Transaction, error) {
	tx, err := s.store.MarkCompleted(ctx, txRef, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction completed", "tx_ref", txRef, "type", tx.Type)
	return tx, nil
}

// MarkFailed transitions a pending transaction to failed.
func (s *Service) MarkFailed(ctx context.Context, txRef, reason string) (*Transaction, error) {
	tx, err := s.store.MarkFailed(ctx, txRef, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction failed",
		"tx_ref", txRef,
		"type", tx.Type,
		"reason", reason,
	)
	return tx, nil
}

// Get retrieves a transaction by reference.
func (s *Service) Get(ctx context.Context, txRef string) (*Transaction, error) {
	return s.store.Get(ctx, txRef)
}

// ListByUser retrieves a user's transactions of a type, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, txType Type, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, txType, limit)
}

// RevenueByDay aggregates completed house commission per day for analytics.
func (s *Service) RevenueByDay(ctx context.Context, days int) ([]DailyRevenue, error) {
	if days <= 0 || days > 90 {
		days = 30
	}
	return s.store.RevenueByDay(ctx, TypeHouseCommission, days)
}
