// Package wallet owns per-user balance mutation. It is the only component
// permitted to change a balance; every other component goes through Credit
// and Debit.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bingopay/internal/common/money"
)

// NATS subjects for wallet events.
const (
	SubjectCredited = "wallet.credited"
	SubjectDebited  = "wallet.debited"
)

// Publisher publishes wallet events. Events are best-effort and never gate
// the outcome of a mutation.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// AdjustmentEvent is published after a balance mutation lands.
type AdjustmentEvent struct {
	UserID      string    `json:"user_id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Direction   Direction `json:"direction"`
	Reference   string    `json:"reference"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Service provides balance operations on top of a Store.
type Service struct {
	store     Store
	publisher Publisher
	currency  money.Currency
	logger    *slog.Logger
}

// NewService creates a new wallet service. Publisher may be nil.
func NewService(store Store, publisher Publisher, currency money.Currency, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		currency:  currency,
		logger:    logger,
	}
}

// Credit atomically increments a balance, creating the wallet on first
// credit. The reference makes the operation replay-safe: crediting the same
// reference twice applies once.
func (s *Service) Credit(ctx context.Context, userID string, amount money.Money, reference string) (bool, error) {
	if err := validateMutation(userID, amount, reference); err != nil {
		return false, err
	}

	applied, err := s.store.Credit(ctx, userID, amount.AmountMinor, string(amount.Currency), reference)
	if err != nil {
		return false, fmt.Errorf("credit %s: %w", userID, err)
	}

	if !applied {
		s.logger.Info("credit already applied, skipping",
			"user_id", userID,
			"reference", reference,
		)
		return false, nil
	}

	s.logger.Info("wallet credited",
		"user_id", userID,
		"amount", amount.AmountMinor,
		"reference", reference,
	)

	s.publish(ctx, SubjectCredited, userID, amount, DirectionCredit, reference)
	return true, nil
}

// Debit atomically decrements a balance. Fails with ErrInsufficientFunds
// when the balance is too low; the balance is never observable negative.
func (s *Service) Debit(ctx context.Context, userID string, amount money.Money, reference string) (bool, error) {
	if err := validateMutation(userID, amount, reference); err != nil {
		return false, err
	}

	applied, err := s.store.Debit(ctx, userID, amount.AmountMinor, reference)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return false, err
		}
		return false, fmt.Errorf("debit %s: %w", userID, err)
	}

	if !applied {
		s.logger.Info("debit already applied, skipping",
			"user_id", userID,
			"reference", reference,
		)
		return false, nil
	}

	s.logger.Info("wallet debited",
		"user_id", userID,
		"amount", amount.AmountMinor,
		"reference", reference,
	)

	s.publish(ctx, SubjectDebited, userID, amount, DirectionDebit, reference)
	return true, nil
}

// Balance returns the current balance, zero for unknown users.
func (s *Service) Balance(ctx context.Context, userID string) (money.Money, error) {
	if userID == "" {
		return money.Money{}, errors.New("user_id is required")
	}

	balance, err := s.store.Balance(ctx, userID)
	if err != nil {
		return money.Money{}, fmt.Errorf("balance %s: %w", userID, err)
	}

	return money.New(balance, s.currency), nil
}

func validateMutation(userID string, amount money.Money, reference string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}
	if !amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	if reference == "" {
		return errors.New("reference is required")
	}
	return nil
}

func (s *Service) publish(ctx context.Context, subject, userID string, amount money.Money, direction Direction, reference string) {
	if s.publisher == nil {
		return
	}

	event := AdjustmentEvent{
		UserID:      userID,
		AmountMinor: amount.AmountMinor,
		Currency:    string(amount.Currency),
		Direction:   direction,
		Reference:   reference,
		OccurredAt:  time.Now().UTC(),
	}

	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish wallet event",
			"subject", subject,
			"reference", reference,
			"error", err,
		)
	}
}
