package settlement

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"bingopay/internal/common/money"
)

// NATS subjects for settlement events
const (
	SubjectInitiated      = "settlement.initiated"
	SubjectSettled        = "settlement.settled"
	SubjectReversed       = "settlement.reversed"
	SubjectRejected       = "settlement.rejected"
	SubjectMismatch       = "settlement.mismatch.detected"
	SubjectReversalFailed = "settlement.reversal.failed"
	SubjectCreditFailed   = "settlement.credit.failed"
)

// EventType identifies the type of settlement event.
type EventType string

const (
	EventInitiated      EventType = "settlement.initiated"
	EventSettled        EventType = "settlement.settled"
	EventReversed       EventType = "settlement.reversed"
	EventRejected       EventType = "settlement.rejected"
	EventMismatch       EventType = "settlement.mismatch"
	EventReversalFailed EventType = "settlement.reversal_failed"
	EventCreditFailed   EventType = "settlement.credit_failed"
)

// Envelope wraps all settlement events with common metadata.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	TxRef     string          `json:"tx_ref"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType EventType, txRef string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:        ulid.Make().String(),
		Type:      eventType,
		TxRef:     txRef,
		Timestamp: time.Now().UTC(),
		Data:      jsonData,
	}, nil
}

// InitiatedEvent is published when a deposit or withdrawal is initiated.
type InitiatedEvent struct {
	TxRef  string      `json:"tx_ref"`
	UserID string      `json:"user_id"`
	Type   string      `json:"type"`
	Amount money.Money `json:"amount"`
	Method string      `json:"method,omitempty"`
}

// SettledEvent is published when a transaction settles.
type SettledEvent struct {
	TxRef     string      `json:"tx_ref"`
	UserID    string      `json:"user_id"`
	Type      string      `json:"type"`
	Amount    money.Money `json:"amount"`
	SettledAt time.Time   `json:"settled_at"`
}

// ReversedEvent is published when a failed withdrawal is compensated.
type ReversedEvent struct {
	TxRef          string      `json:"tx_ref"`
	UserID         string      `json:"user_id"`
	Amount         money.Money `json:"amount"`
	Reason         string      `json:"reason"`
	ReversalRef    string      `json:"reversal_ref"`
	CreditRestored bool        `json:"credit_restored"`
}

// MismatchEvent is published when the gateway-verified amount disagrees
// with the ledger record. The transaction stays pending for manual review.
type MismatchEvent struct {
	TxRef          string      `json:"tx_ref"`
	ExpectedAmount money.Money `json:"expected_amount"`
	ActualAmount   money.Money `json:"actual_amount"`
	DetectedAt     time.Time   `json:"detected_at"`
}

// ReversalFailedEvent signals that a compensating credit could not be
// recorded. This is the alert a reconciliation sweep must pick up.
type ReversalFailedEvent struct {
	TxRef      string      `json:"tx_ref"`
	UserID     string      `json:"user_id"`
	Amount     money.Money `json:"amount"`
	Error      string      `json:"error"`
	DetectedAt time.Time   `json:"detected_at"`
}

// CreditFailedEvent signals that a completed deposit could not be credited
// to the wallet. The credit reference stays reserved, so the next settlement
// signal or sweep retry lands it exactly once.
type CreditFailedEvent struct {
	TxRef      string      `json:"tx_ref"`
	UserID     string      `json:"user_id"`
	Amount     money.Money `json:"amount"`
	Error      string      `json:"error"`
	DetectedAt time.Time   `json:"detected_at"`
}
