// Package simulator is a payout source for environments without a real
// disbursement rail. Submitted payouts settle asynchronously after a
// configurable delay with an injected outcome, so the settlement path can
// be exercised end to end, including failures.
package simulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bingopay/internal/common/money"
	"bingopay/internal/settlement"
)

// Config holds simulator configuration.
type Config struct {
	SettleDelay time.Duration `envconfig:"SIMULATOR_SETTLE_DELAY" default:"10s"`
}

// Confirmer receives the simulated settlement outcome.
type Confirmer interface {
	Confirm(ctx context.Context, outcome settlement.Outcome) error
}

// OutcomeFunc decides how a submitted payout settles. The default approves
// everything; tests and staging inject failure modes.
type OutcomeFunc func(txRef, userID string, amount money.Money) (success bool, reason string)

// ApproveAll settles every payout successfully.
func ApproveAll(string, string, money.Money) (bool, string) {
	return true, ""
}

// Source is the simulated payout rail.
type Source struct {
	config    Config
	confirmer Confirmer
	outcome   OutcomeFunc
	logger    *slog.Logger

	mu      sync.Mutex
	pending sync.WaitGroup
	closed  bool
}

// New creates a simulated payout source. A nil outcome defaults to
// ApproveAll. The confirmer may be set later with SetConfirmer to break
// the construction cycle with the coordinator.
func New(cfg Config, confirmer Confirmer, outcome OutcomeFunc, logger *slog.Logger) *Source {
	if outcome == nil {
		outcome = ApproveAll
	}
	return &Source{
		config:    cfg,
		confirmer: confirmer,
		outcome:   outcome,
		logger:    logger,
	}
}

// SetConfirmer sets the settlement callback.
func (s *Source) SetConfirmer(c Confirmer) {
	s.confirmer = c
}

// SubmitPayout accepts a payout and schedules its settlement. The outcome
// is delivered through the confirmer the same way a real provider callback
// would be.
func (s *Source) SubmitPayout(ctx context.Context, txRef, userID, phone, method string, amount money.Money) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	s.pending.Add(1)
	s.mu.Unlock()

	s.logger.Info("payout submitted to simulator",
		"tx_ref", txRef,
		"user_id", userID,
		"method", method,
		"amount", amount.AmountMinor,
	)

	go s.settleAfterDelay(txRef, userID, amount)

	return nil
}

func (s *Source) settleAfterDelay(txRef, userID string, amount money.Money) {
	defer s.pending.Done()

	if s.config.SettleDelay > 0 {
		time.Sleep(s.config.SettleDelay)
	}

	if s.confirmer == nil {
		s.logger.Error("no confirmer configured, payout outcome dropped", "tx_ref", txRef)
		return
	}

	success, reason := s.outcome(txRef, userID, amount)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.confirmer.Confirm(ctx, settlement.Outcome{
		TxRef:   txRef,
		Success: success,
		Reason:  reason,
		Amount:  amount,
	})
	if err != nil {
		s.logger.Error("simulated settlement failed to apply",
			"tx_ref", txRef,
			"success", success,
			"error", err,
		)
		return
	}

	s.logger.Info("simulated payout settled",
		"tx_ref", txRef,
		"success", success,
	)
}

// Close waits for in-flight settlements to finish. New submissions are
// rejected once closing starts.
func (s *Source) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pending.Wait()
}
