// Package chapa provides the payment gateway adapter for deposits. It
// implements the settlement Gateway contract over Chapa's hosted checkout
// and verification API.
package chapa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bingopay/internal/common/money"
	"bingopay/internal/settlement"
)

// Config holds gateway adapter configuration.
type Config struct {
	BaseURL     string        `envconfig:"CHAPA_BASE_URL" default:"https://api.chapa.co/v1"`
	SecretKey   string        `envconfig:"CHAPA_SECRET_KEY" required:"true"`
	Timeout     time.Duration `envconfig:"CHAPA_TIMEOUT" default:"30s"`
	CallbackURL string        `envconfig:"CHAPA_CALLBACK_URL"`
	ReturnURL   string        `envconfig:"CHAPA_RETURN_URL"`
}

// initializeRequest is the request body for hosted checkout creation. The
// gateway takes amounts in major units.
type initializeRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	TxRef       string `json:"tx_ref"`
	CallbackURL string `json:"callback_url,omitempty"`
	ReturnURL   string `json:"return_url,omitempty"`
}

type initializeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		CheckoutURL string `json:"checkout_url"`
	} `json:"data"`
}

type verifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status      string      `json:"status"`
		Amount      json.Number `json:"amount"`
		Currency    string      `json:"currency"`
		Reference   string      `json:"reference"`
		TxRef       string      `json:"tx_ref"`
		ChargedDate string      `json:"charged_date"`
	} `json:"data"`
}

// Adapter is the HTTP client for the gateway.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new gateway adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Initialize creates a hosted checkout session for a deposit and returns
// its URL.
func (a *Adapter) Initialize(ctx context.Context, txRef string, amount money.Money, payer settlement.Payer) (*settlement.Checkout, error) {
	req := initializeRequest{
		Amount:      strconv.FormatFloat(amount.ToMajor(), 'f', 2, 64),
		Currency:    string(amount.Currency),
		Email:       payer.Email,
		FirstName:   payer.FirstName,
		LastName:    payer.LastName,
		PhoneNumber: payer.Phone,
		TxRef:       txRef,
		CallbackURL: a.config.CallbackURL,
		ReturnURL:   a.config.ReturnURL,
	}

	a.logger.Info("initializing checkout",
		"tx_ref", txRef,
		"amount", amount.AmountMinor,
	)

	var resp initializeResponse
	if err := a.do(ctx, http.MethodPost, "/transaction/initialize", req, &resp); err != nil {
		return nil, err
	}

	if resp.Status != "success" || resp.Data.CheckoutURL == "" {
		return nil, fmt.Errorf("gateway rejected initialization: %s", resp.Message)
	}

	a.logger.Info("checkout created", "tx_ref", txRef)

	return &settlement.Checkout{CheckoutURL: resp.Data.CheckoutURL}, nil
}

// Verify queries the gateway for the authoritative state of a transaction.
// A transaction the gateway does not recognize, or has not finished
// charging, reports as pending.
func (a *Adapter) Verify(ctx context.Context, txRef string) (*settlement.VerifyResult, error) {
	var resp verifyResponse
	if err := a.do(ctx, http.MethodGet, "/transaction/verify/"+txRef, nil, &resp); err != nil {
		return nil, err
	}

	result := &settlement.VerifyResult{
		GatewayTxRef: resp.Data.Reference,
	}

	switch resp.Data.Status {
	case "success":
		major, err := resp.Data.Amount.Float64()
		if err != nil {
			return nil, fmt.Errorf("unparseable verified amount %q: %w", resp.Data.Amount, err)
		}
		result.Status = settlement.VerifySuccess
		result.Amount = money.NewFromMajor(major, money.Currency(resp.Data.Currency))
	case "failed", "cancelled":
		result.Status = settlement.VerifyFailed
		result.Reason = resp.Message
		if result.Reason == "" {
			result.Reason = "payment " + resp.Data.Status
		}
	default:
		result.Status = settlement.VerifyPending
	}

	a.logger.Info("verified transaction",
		"tx_ref", txRef,
		"status", result.Status,
	)

	return result, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		body, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.SecretKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("gateway error: status=%d body=%s", httpResp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
