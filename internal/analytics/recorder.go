// Package analytics publishes reporting events for revenue and payout
// tracking. Every publish is best-effort: a reporting outage never gates a
// money movement.
package analytics

import (
	"context"
	"log/slog"
	"time"

	"bingopay/internal/common/money"
)

// NATS subjects for analytics events.
const (
	SubjectEntryRecorded      = "analytics.entry.recorded"
	SubjectRevenueRecorded    = "analytics.revenue.recorded"
	SubjectWithdrawalRecorded = "analytics.withdrawal.recorded"
)

// Publisher publishes analytics events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// EntryEvent records a game entry split.
type EntryEvent struct {
	UserID     string      `json:"user_id"`
	GameID     string      `json:"game_id"`
	Fee        money.Money `json:"fee"`
	Commission money.Money `json:"commission"`
	Pool       money.Money `json:"pool"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// RevenueEvent records house commission earned.
type RevenueEvent struct {
	GameID     string      `json:"game_id,omitempty"`
	Amount     money.Money `json:"amount"`
	Source     string      `json:"source"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// WithdrawalEvent records a settled payout.
type WithdrawalEvent struct {
	UserID     string      `json:"user_id"`
	TxRef      string      `json:"tx_ref"`
	Amount     money.Money `json:"amount"`
	Method     string      `json:"method,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Recorder publishes analytics events.
type Recorder struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewRecorder creates a new analytics recorder. Publisher may be nil, in
// which case every record call is a no-op.
func NewRecorder(publisher Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{publisher: publisher, logger: logger}
}

// RecordEntry records a game entry split.
func (r *Recorder) RecordEntry(ctx context.Context, userID, gameID string, fee, commission, pool money.Money) {
	r.publish(ctx, SubjectEntryRecorded, EntryEvent{
		UserID:     userID,
		GameID:     gameID,
		Fee:        fee,
		Commission: commission,
		Pool:       pool,
		RecordedAt: time.Now().UTC(),
	})

	r.publish(ctx, SubjectRevenueRecorded, RevenueEvent{
		GameID:     gameID,
		Amount:     commission,
		Source:     "game_entry",
		RecordedAt: time.Now().UTC(),
	})
}

// RecordWithdrawal records a settled payout.
func (r *Recorder) RecordWithdrawal(ctx context.Context, userID, txRef string, amount money.Money, method string) {
	r.publish(ctx, SubjectWithdrawalRecorded, WithdrawalEvent{
		UserID:     userID,
		TxRef:      txRef,
		Amount:     amount,
		Method:     method,
		RecordedAt: time.Now().UTC(),
	})
}

func (r *Recorder) publish(ctx context.Context, subject string, payload any) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, subject, payload); err != nil {
		r.logger.Warn("failed to publish analytics event",
			"subject", subject,
			"error", err,
		)
	}
}
