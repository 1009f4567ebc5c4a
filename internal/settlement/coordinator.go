// Package settlement reconciles external payment outcomes with the ledger
// and wallet. Confirmation signals arrive at-least-once, possibly duplicated
// and out of order; the coordinator applies each settlement exactly once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bingopay/internal/common/money"
	"bingopay/internal/ledger"
	"bingopay/internal/wallet"
)

// ErrGateway wraps payment gateway failures. A gateway error proves neither
// success nor failure of the remote operation; callers retry.
var ErrGateway = errors.New("payment gateway error")

// Ledger is the transaction log the coordinator settles against.
type Ledger interface {
	CreatePending(ctx context.Context, p ledger.CreateParams) (*ledger.Transaction, error)
	MarkCompleted(ctx context.Context, txRef string) (*ledger.Transaction, error)
	MarkFailed(ctx context.Context, txRef, reason string) (*ledger.Transaction, error)
	Get(ctx context.Context, txRef string) (*ledger.Transaction, error)
}

// Wallets is the balance mutator. Credit and Debit are replay-safe per
// reference.
type Wallets interface {
	Credit(ctx context.Context, userID string, amount money.Money, reference string) (bool, error)
	Debit(ctx context.Context, userID string, amount money.Money, reference string) (bool, error)
}

// Payer identifies the customer towards the payment gateway.
type Payer struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

// Checkout is the gateway's hosted payment page for a deposit.
type Checkout struct {
	CheckoutURL string `json:"checkout_url"`
}

// VerifyStatus is the gateway's view of a transaction.
type VerifyStatus string

const (
	VerifySuccess VerifyStatus = "success"
	VerifyFailed  VerifyStatus = "failed"
	VerifyPending VerifyStatus = "pending"
)

// VerifyResult is the outcome of a gateway verification call.
type VerifyResult struct {
	Status       VerifyStatus
	Amount       money.Money
	GatewayTxRef string
	Reason       string
}

// Gateway is the external payment provider contract.
type Gateway interface {
	Initialize(ctx context.Context, txRef string, amount money.Money, payer Payer) (*Checkout, error)
	Verify(ctx context.Context, txRef string) (*VerifyResult, error)
}

// Source delivers withdrawals to a payout channel (mobile money, bank
// transfer). Outcomes arrive later through Confirm, from a real provider
// callback or a simulated one; the coordinator cannot tell them apart.
type Source interface {
	SubmitPayout(ctx context.Context, txRef, userID, phone, method string, amount money.Money) error
}

// Publisher publishes settlement events. Best-effort except where noted.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Coordinator drives the settlement state machine.
type Coordinator struct {
	ledger    Ledger
	wallets   Wallets
	gateway   Gateway
	source    Source
	publisher Publisher
	logger    *slog.Logger
}

// NewCoordinator creates a settlement coordinator. Publisher may be nil.
func NewCoordinator(l Ledger, w Wallets, g Gateway, src Source, pub Publisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		ledger:    l,
		wallets:   w,
		gateway:   g,
		source:    src,
		publisher: pub,
		logger:    logger,
	}
}

// DepositRequest initiates a wallet deposit through the gateway.
type DepositRequest struct {
	UserID string
	Amount money.Money
	Payer  Payer
}

// DepositReceipt is returned to the caller after initiation.
type DepositReceipt struct {
	TxRef       string `json:"tx_ref"`
	CheckoutURL string `json:"checkout_url"`
}

// InitiateDeposit creates a pending deposit and obtains a checkout URL. The
// wallet is only credited on confirmation; no balance changes here.
func (c *Coordinator) InitiateDeposit(ctx context.Context, req DepositRequest) (*DepositReceipt, error) {
	txRef := ledger.NewRef(ledger.TypeDeposit)

	tx, err := c.ledger.CreatePending(ctx, ledger.CreateParams{
		TxRef:  txRef,
		UserID: req.UserID,
		Amount: req.Amount,
		Type:   ledger.TypeDeposit,
	})
	if err != nil {
		return nil, err
	}

	checkout, err := c.gateway.Initialize(ctx, txRef, req.Amount, req.Payer)
	if err != nil {
		if _, mfErr := c.ledger.MarkFailed(ctx, txRef, "gateway initialize failed"); mfErr != nil {
			c.logger.Error("failed to mark transaction failed after initialize error",
				"tx_ref", txRef,
				"error", mfErr,
			)
		}
		return nil, fmt.Errorf("%w: initialize: %v", ErrGateway, err)
	}

	c.publishEvent(ctx, SubjectInitiated, EventInitiated, txRef, &InitiatedEvent{
		TxRef:  txRef,
		UserID: req.UserID,
		Type:   string(tx.Type),
		Amount: req.Amount,
	})

	c.logger.Info("deposit initiated",
		"tx_ref", txRef,
		"user_id", req.UserID,
		"amount", req.Amount.AmountMinor,
	)

	return &DepositReceipt{TxRef: txRef, CheckoutURL: checkout.CheckoutURL}, nil
}

// WithdrawalRequest initiates a payout from a wallet.
type WithdrawalRequest struct {
	UserID string
	Amount money.Money
	Phone  string
	Method string
}

// WithdrawalReceipt is returned to the caller after initiation.
type WithdrawalReceipt struct {
	TxRef  string        `json:"tx_ref"`
	Status ledger.Status `json:"status"`
}

// InitiateWithdrawal debits the wallet first (fail closed), records the
// pending withdrawal, and hands it to the payout source. An insufficient
// balance rejects the request before any record or gateway call exists.
func (c *Coordinator) InitiateWithdrawal(ctx context.Context, req WithdrawalRequest) (*WithdrawalReceipt, error) {
	txRef := ledger.NewRef(ledger.TypeWithdrawal)

	if _, err := c.wallets.Debit(ctx, req.UserID, req.Amount, debitRef(txRef)); err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			c.publishEvent(ctx, SubjectRejected, EventRejected, txRef, &InitiatedEvent{
				TxRef:  txRef,
				UserID: req.UserID,
				Type:   string(ledger.TypeWithdrawal),
				Amount: req.Amount,
				Method: req.Method,
			})
		}
		return nil, err
	}

	if _, err := c.ledger.CreatePending(ctx, ledger.CreateParams{
		TxRef:  txRef,
		UserID: req.UserID,
		Amount: req.Amount,
		Type:   ledger.TypeWithdrawal,
		Method: req.Method,
	}); err != nil {
		c.compensate(ctx, txRef, req.UserID, req.Amount, "withdrawal record creation failed")
		return nil, err
	}

	if err := c.source.SubmitPayout(ctx, txRef, req.UserID, req.Phone, req.Method, req.Amount); err != nil {
		c.compensate(ctx, txRef, req.UserID, req.Amount, "payout submission failed")
		if _, mfErr := c.ledger.MarkFailed(ctx, txRef, "payout submission failed"); mfErr != nil && !errors.Is(mfErr, ledger.ErrInvalidTransition) {
			c.logger.Error("failed to mark withdrawal failed after submit error",
				"tx_ref", txRef,
				"error", mfErr,
			)
		}
		return nil, fmt.Errorf("%w: submit payout: %v", ErrGateway, err)
	}

	c.publishEvent(ctx, SubjectInitiated, EventInitiated, txRef, &InitiatedEvent{
		TxRef:  txRef,
		UserID: req.UserID,
		Type:   string(ledger.TypeWithdrawal),
		Amount: req.Amount,
		Method: req.Method,
	})

	c.logger.Info("withdrawal initiated",
		"tx_ref", txRef,
		"user_id", req.UserID,
		"amount", req.Amount.AmountMinor,
		"method", req.Method,
	)

	return &WithdrawalReceipt{TxRef: txRef, Status: ledger.StatusPending}, nil
}

// Outcome is a definitive settlement result for a pending transaction,
// delivered by a gateway callback, a verify poll, or a payout source.
type Outcome struct {
	TxRef   string
	Success bool
	Reason  string
	// Amount is the provider-reported amount, zero value when unknown.
	Amount money.Money
}

// Confirm applies a settlement outcome exactly once. Terminal transactions
// absorb later signals as no-ops; racing confirmations are decided by the
// ledger's first-writer-wins transition guard.
func (c *Coordinator) Confirm(ctx context.Context, outcome Outcome) error {
	tx, err := c.ledger.Get(ctx, outcome.TxRef)
	if err != nil {
		return err
	}

	if tx.IsTerminal() {
		// A completed deposit whose credit failed transiently is recovered
		// here: redelivered signals re-attempt the replay-safe credit
		// instead of short-circuiting past it.
		if tx.Status == ledger.StatusCompleted && tx.Type == ledger.TypeDeposit {
			return c.ensureCredited(ctx, tx)
		}
		c.logger.Info("settlement signal for terminal transaction, ignoring",
			"tx_ref", tx.TxRef,
			"status", tx.Status,
		)
		return nil
	}

	if outcome.Success {
		return c.settle(ctx, tx, outcome)
	}
	return c.reverse(ctx, tx, outcome.Reason)
}

// settle completes the transaction and, for deposits, credits the wallet.
// The status transition runs first so a racing duplicate cannot reach the
// credit; the credit itself is replay-safe per reference.
func (c *Coordinator) settle(ctx context.Context, tx *ledger.Transaction, outcome Outcome) error {
	if !outcome.Amount.IsZero() && !outcome.Amount.Equal(tx.Amount) {
		c.logger.Warn("gateway amount mismatch, leaving transaction pending",
			"tx_ref", tx.TxRef,
			"expected", tx.Amount.AmountMinor,
			"reported", outcome.Amount.AmountMinor,
		)
		c.publishEvent(ctx, SubjectMismatch, EventMismatch, tx.TxRef, &MismatchEvent{
			TxRef:          tx.TxRef,
			ExpectedAmount: tx.Amount,
			ActualAmount:   outcome.Amount,
			DetectedAt:     time.Now().UTC(),
		})
		return fmt.Errorf("amount mismatch for %s", tx.TxRef)
	}

	completed, err := c.ledger.MarkCompleted(ctx, tx.TxRef)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			// Another delivery won the race; confirmed by re-read.
			return c.confirmTerminal(ctx, tx.TxRef)
		}
		return err
	}

	if completed.Type == ledger.TypeDeposit {
		if _, err := c.wallets.Credit(ctx, completed.UserID, completed.Amount, settleRef(completed.TxRef)); err != nil {
			// Completed but not yet credited. The alert flags the gap and
			// the replay-safe reference lets any later delivery land the
			// credit without double counting.
			c.publishEvent(ctx, SubjectCreditFailed, EventCreditFailed, completed.TxRef, &CreditFailedEvent{
				TxRef:      completed.TxRef,
				UserID:     completed.UserID,
				Amount:     completed.Amount,
				Error:      err.Error(),
				DetectedAt: time.Now().UTC(),
			})
			c.logger.Error("settlement credit failed, awaiting retry",
				"tx_ref", completed.TxRef,
				"user_id", completed.UserID,
				"amount", completed.Amount.AmountMinor,
				"error", err,
			)
			return fmt.Errorf("crediting settled deposit %s: %w", completed.TxRef, err)
		}
	}

	c.publishEvent(ctx, SubjectSettled, EventSettled, completed.TxRef, &SettledEvent{
		TxRef:     completed.TxRef,
		UserID:    completed.UserID,
		Type:      string(completed.Type),
		Amount:    completed.Amount,
		SettledAt: *completed.CompletedAt,
	})

	c.logger.Info("transaction settled",
		"tx_ref", completed.TxRef,
		"type", completed.Type,
		"amount", completed.Amount.AmountMinor,
	)

	return nil
}

// reverse fails the transaction. For withdrawals the compensating credit is
// recorded before the status mark so the money is never lost to a crash in
// between; a stuck pending withdrawal with a landed reversal credit is
// detectable by the reconciliation sweep.
func (c *Coordinator) reverse(ctx context.Context, tx *ledger.Transaction, reason string) error {
	if tx.Type == ledger.TypeWithdrawal {
		if _, err := c.wallets.Credit(ctx, tx.UserID, tx.Amount, reversalRef(tx.TxRef)); err != nil {
			c.publishEvent(ctx, SubjectReversalFailed, EventReversalFailed, tx.TxRef, &ReversalFailedEvent{
				TxRef:      tx.TxRef,
				UserID:     tx.UserID,
				Amount:     tx.Amount,
				Error:      err.Error(),
				DetectedAt: time.Now().UTC(),
			})
			c.logger.Error("compensating credit failed, manual reconciliation required",
				"tx_ref", tx.TxRef,
				"user_id", tx.UserID,
				"amount", tx.Amount.AmountMinor,
				"error", err,
			)
			return fmt.Errorf("compensating credit for %s: %w", tx.TxRef, err)
		}
	}

	failed, err := c.ledger.MarkFailed(ctx, tx.TxRef, reason)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return c.confirmTerminal(ctx, tx.TxRef)
		}
		return err
	}

	c.publishEvent(ctx, SubjectReversed, EventReversed, failed.TxRef, &ReversedEvent{
		TxRef:          failed.TxRef,
		UserID:         failed.UserID,
		Amount:         failed.Amount,
		Reason:         reason,
		ReversalRef:    reversalRef(failed.TxRef),
		CreditRestored: failed.Type == ledger.TypeWithdrawal,
	})

	c.logger.Info("transaction reversed",
		"tx_ref", failed.TxRef,
		"type", failed.Type,
		"reason", reason,
	)

	return nil
}

// confirmTerminal re-reads a transaction after losing a transition race.
// A terminal status means the other delivery finished the job.
func (c *Coordinator) confirmTerminal(ctx context.Context, txRef string) error {
	current, err := c.ledger.Get(ctx, txRef)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		if current.Status == ledger.StatusCompleted && current.Type == ledger.TypeDeposit {
			return c.ensureCredited(ctx, current)
		}
		return nil
	}
	return fmt.Errorf("%w: %s stuck in %s", ledger.ErrInvalidTransition, txRef, current.Status)
}

// ensureCredited re-attempts the settlement credit for a completed deposit.
// When the credit already landed the reference makes this a no-op; when a
// crash or store error split completion from the credit, this is the path
// that closes the gap.
func (c *Coordinator) ensureCredited(ctx context.Context, tx *ledger.Transaction) error {
	applied, err := c.wallets.Credit(ctx, tx.UserID, tx.Amount, settleRef(tx.TxRef))
	if err != nil {
		c.publishEvent(ctx, SubjectCreditFailed, EventCreditFailed, tx.TxRef, &CreditFailedEvent{
			TxRef:      tx.TxRef,
			UserID:     tx.UserID,
			Amount:     tx.Amount,
			Error:      err.Error(),
			DetectedAt: time.Now().UTC(),
		})
		c.logger.Error("settlement credit failed, awaiting retry",
			"tx_ref", tx.TxRef,
			"user_id", tx.UserID,
			"amount", tx.Amount.AmountMinor,
			"error", err,
		)
		return fmt.Errorf("crediting settled deposit %s: %w", tx.TxRef, err)
	}
	if applied {
		c.logger.Warn("settlement credit landed on retry",
			"tx_ref", tx.TxRef,
			"user_id", tx.UserID,
			"amount", tx.Amount.AmountMinor,
		)
	}
	return nil
}

// VerifyAndSettle polls the gateway for a definitive outcome and applies it.
// A pending gateway status mutates nothing; callers poll again later.
func (c *Coordinator) VerifyAndSettle(ctx context.Context, txRef string) (*ledger.Transaction, error) {
	result, err := c.gateway.Verify(ctx, txRef)
	if err != nil {
		return nil, fmt.Errorf("%w: verify %s: %v", ErrGateway, txRef, err)
	}

	switch result.Status {
	case VerifySuccess:
		err = c.Confirm(ctx, Outcome{TxRef: txRef, Success: true, Amount: result.Amount})
	case VerifyFailed:
		reason := result.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		err = c.Confirm(ctx, Outcome{TxRef: txRef, Success: false, Reason: reason})
	case VerifyPending:
		c.logger.Info("gateway still pending", "tx_ref", txRef)
	}
	if err != nil {
		return nil, err
	}

	return c.ledger.Get(ctx, txRef)
}

// compensate restores a debited balance after a post-debit failure.
func (c *Coordinator) compensate(ctx context.Context, txRef, userID string, amount money.Money, cause string) {
	if _, err := c.wallets.Credit(ctx, userID, amount, reversalRef(txRef)); err != nil {
		c.publishEvent(ctx, SubjectReversalFailed, EventReversalFailed, txRef, &ReversalFailedEvent{
			TxRef:      txRef,
			UserID:     userID,
			Amount:     amount,
			Error:      err.Error(),
			DetectedAt: time.Now().UTC(),
		})
		c.logger.Error("compensating credit failed, manual reconciliation required",
			"tx_ref", txRef,
			"user_id", userID,
			"cause", cause,
			"error", err,
		)
	}
}

func (c *Coordinator) publishEvent(ctx context.Context, subject string, eventType EventType, txRef string, data any) {
	if c.publisher == nil {
		return
	}
	env, err := NewEnvelope(eventType, txRef, data)
	if err != nil {
		c.logger.Warn("failed to build settlement event", "tx_ref", txRef, "error", err)
		return
	}
	if err := c.publisher.Publish(ctx, subject, env); err != nil {
		c.logger.Warn("failed to publish settlement event",
			"subject", subject,
			"tx_ref", txRef,
			"error", err,
		)
	}
}

// Adjustment reference helpers; one reference per wallet effect keeps every
// mutation replay-safe.
func debitRef(txRef string) string    { return "debit:" + txRef }
func settleRef(txRef string) string   { return "settle:" + txRef }
func reversalRef(txRef string) string { return "reversal:" + txRef }
