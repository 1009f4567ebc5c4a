package chapa

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"bingopay/internal/ledger"
)

// Settler applies a gateway-verified outcome to a transaction.
type Settler interface {
	VerifyAndSettle(ctx context.Context, txRef string) (*ledger.Transaction, error)
}

// webhookPayload is the callback body the gateway POSTs. The gateway also
// issues GET callbacks carrying tx_ref in the query string.
type webhookPayload struct {
	TxRef    string `json:"tx_ref"`
	TrxRef   string `json:"trx_ref"`
	RefID    string `json:"ref_id"`
	Status   string `json:"status"`
	Currency string `json:"currency"`
}

// WebhookHandler ingests gateway callbacks. Callbacks arrive at-least-once
// and are never trusted on their own: the handler always re-verifies
// against the gateway API before settling.
type WebhookHandler struct {
	settler Settler
	logger  *slog.Logger
}

// NewWebhookHandler creates a new callback handler.
func NewWebhookHandler(settler Settler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{settler: settler, logger: logger}
}

// ServeHTTP handles incoming gateway callbacks.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	txRef := h.extractTxRef(r)
	if txRef == "" {
		h.logger.Warn("callback without tx_ref", "method", r.Method)
		http.Error(w, "missing tx_ref", http.StatusBadRequest)
		return
	}

	h.logger.Info("received gateway callback", "tx_ref", txRef)

	if _, err := h.settler.VerifyAndSettle(ctx, txRef); err != nil {
		h.logger.Error("callback settlement failed",
			"tx_ref", txRef,
			"error", err,
		)
		http.Error(w, "settlement failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// extractTxRef pulls the transaction reference from the query string or,
// for POST callbacks, the JSON body. The gateway has used several field
// names over time.
func (h *WebhookHandler) extractTxRef(r *http.Request) string {
	q := r.URL.Query()
	for _, key := range []string{"tx_ref", "trx_ref", "ref_id"} {
		if v := q.Get(key); v != "" {
			return v
		}
	}

	if r.Method != http.MethodPost {
		return ""
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read callback body", "error", err)
		return ""
	}
	defer r.Body.Close()

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("failed to parse callback body", "error", err)
		return ""
	}

	switch {
	case payload.TxRef != "":
		return payload.TxRef
	case payload.TrxRef != "":
		return payload.TrxRef
	default:
		return payload.RefID
	}
}
