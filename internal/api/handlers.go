// Package api exposes the HTTP surface: deposits, withdrawals, balances,
// game entry and revenue reporting.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bingopay/internal/analytics"
	"bingopay/internal/common/api"
	"bingopay/internal/common/money"
	"bingopay/internal/gameentry"
	"bingopay/internal/ledger"
	"bingopay/internal/settlement"
	"bingopay/internal/wallet"
)

// Amount limits in major units (birr).
const (
	MinDepositMajor    = 1
	MaxDepositMajor    = 100000
	MinWithdrawalMajor = 50
	MaxWithdrawalMajor = 50000
)

// Handler handles wallet and payment HTTP requests.
type Handler struct {
	coordinator *settlement.Coordinator
	wallets     *wallet.Service
	ledger      *ledger.Service
	splitter    *gameentry.Splitter
	analytics   *analytics.Recorder
	webhook     http.Handler
	currency    money.Currency
	logger      *slog.Logger
}

// NewHandler creates a new API handler. The webhook handler is mounted at
// the gateway callback path.
func NewHandler(
	coordinator *settlement.Coordinator,
	wallets *wallet.Service,
	ledgerSvc *ledger.Service,
	splitter *gameentry.Splitter,
	recorder *analytics.Recorder,
	webhook http.Handler,
	currency money.Currency,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		coordinator: coordinator,
		wallets:     wallets,
		ledger:      ledgerSvc,
		splitter:    splitter,
		analytics:   recorder,
		webhook:     webhook,
		currency:    currency,
		logger:      logger,
	}
}

// Routes returns the API routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/payments", func(r chi.Router) {
		r.Post("/initialize-payment", h.InitializeDeposit)
		r.Get("/verify-payment/{tx_ref}", h.VerifyPayment)
		r.Handle("/payment-callback", h.webhook)
	})

	r.Route("/wallet", func(r chi.Router) {
		r.Get("/balance/{user_id}", h.GetBalance)
		r.Post("/withdraw", h.Withdraw)
		r.Get("/withdrawal-status/{tx_ref}", h.WithdrawalStatus)
		r.Get("/withdrawal-history/{user_id}", h.WithdrawalHistory)
	})

	r.Route("/games", func(r chi.Router) {
		r.Post("/{game_id}/join", h.JoinGame)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/revenue", h.Revenue)
	})

	return r
}

// DepositRequest is the API request for initiating a deposit. Amount is in
// major units (birr).
type DepositRequest struct {
	UserID    string  `json:"user_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"required,gte=1,lte=100000"`
	Email     string  `json:"email" validate:"required,email"`
	FirstName string  `json:"first_name" validate:"required,max=100"`
	LastName  string  `json:"last_name" validate:"required,max=100"`
	Phone     string  `json:"phone" validate:"omitempty,len=13,startswith=+251"`
}

// InitializeDeposit handles POST /payments/initialize-payment.
func (h *Handler) InitializeDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	receipt, err := h.coordinator.InitiateDeposit(r.Context(), settlement.DepositRequest{
		UserID: req.UserID,
		Amount: money.NewFromMajor(req.Amount, h.currency),
		Payer: settlement.Payer{
			Email:     req.Email,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
		},
	})
	if err != nil {
		if errors.Is(err, settlement.ErrGateway) {
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayError, "payment gateway unavailable, please retry")
			return
		}
		if errors.Is(err, ledger.ErrDuplicateRef) {
			api.WriteError(w, http.StatusConflict, api.ErrCodeDuplicateRef, "transaction reference already used")
			return
		}
		h.logger.Error("deposit initiation failed", "user_id", req.UserID, "error", err)
		api.InternalError(w, "failed to initiate deposit")
		return
	}

	api.WriteData(w, http.StatusCreated, receipt)
}

// VerifyPayment handles GET /payments/verify-payment/{tx_ref}. It polls the
// gateway and settles if a definitive outcome is known.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	txRef := chi.URLParam(r, "tx_ref")
	if txRef == "" {
		api.BadRequest(w, "tx_ref required")
		return
	}

	tx, err := h.coordinator.VerifyAndSettle(r.Context(), txRef)
	if err != nil {
		h.writeTxError(w, txRef, err, "failed to verify payment")
		return
	}

	api.WriteData(w, http.StatusOK, tx)
}

// WithdrawRequest is the API request for initiating a withdrawal. Amount is
// in major units (birr).
type WithdrawRequest struct {
	UserID string  `json:"user_id" validate:"required"`
	Amount float64 `json:"amount" validate:"required,gte=50,lte=50000"`
	Phone  string  `json:"phone" validate:"required,len=13,startswith=+251"`
	Method string  `json:"method" validate:"required,oneof=telebirr cbebirr mpesa bank"`
}

// Withdraw handles POST /wallet/withdraw.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	receipt, err := h.coordinator.InitiateWithdrawal(r.Context(), settlement.WithdrawalRequest{
		UserID: req.UserID,
		Amount: money.NewFromMajor(req.Amount, h.currency),
		Phone:  req.Phone,
		Method: req.Method,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			api.WriteError(w, http.StatusBadRequest, api.ErrCodeInsufficientFunds, "insufficient balance")
			return
		}
		if errors.Is(err, settlement.ErrGateway) {
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayError, "payout provider unavailable, funds were not taken")
			return
		}
		h.logger.Error("withdrawal initiation failed", "user_id", req.UserID, "error", err)
		api.InternalError(w, "failed to initiate withdrawal")
		return
	}

	if h.analytics != nil {
		h.analytics.RecordWithdrawal(r.Context(), req.UserID, receipt.TxRef, money.NewFromMajor(req.Amount, h.currency), req.Method)
	}

	api.WriteData(w, http.StatusCreated, receipt)
}

// GetBalance handles GET /wallet/balance/{user_id}.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		api.BadRequest(w, "user_id required")
		return
	}

	balance, err := h.wallets.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("balance lookup failed", "user_id", userID, "error", err)
		api.InternalError(w, "failed to get balance")
		return
	}

	api.WriteData(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

// WithdrawalStatus handles GET /wallet/withdrawal-status/{tx_ref}.
func (h *Handler) WithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	txRef := chi.URLParam(r, "tx_ref")
	if txRef == "" {
		api.BadRequest(w, "tx_ref required")
		return
	}

	tx, err := h.ledger.Get(r.Context(), txRef)
	if err != nil {
		h.writeTxError(w, txRef, err, "failed to get withdrawal")
		return
	}
	if tx.Type != ledger.TypeWithdrawal {
		api.NotFound(w, "withdrawal not found")
		return
	}

	api.WriteData(w, http.StatusOK, tx)
}

// WithdrawalHistory handles GET /wallet/withdrawal-history/{user_id}.
func (h *Handler) WithdrawalHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		api.BadRequest(w, "user_id required")
		return
	}

	limit := api.QueryInt(r, "limit", 50)
	history, err := h.ledger.ListByUser(r.Context(), userID, ledger.TypeWithdrawal, limit)
	if err != nil {
		h.logger.Error("history lookup failed", "user_id", userID, "error", err)
		api.InternalError(w, "failed to get withdrawal history")
		return
	}

	api.WriteData(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"withdrawals": history,
	})
}

// JoinGameRequest is the API request for joining a game room.
type JoinGameRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// JoinGame handles POST /games/{game_id}/join. The entry fee is debited and
// split before the player is seated.
func (h *Handler) JoinGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "game_id")
	if gameID == "" {
		api.BadRequest(w, "game_id required")
		return
	}

	var req JoinGameRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	entry, err := h.splitter.ApplyEntryFee(r.Context(), req.UserID, gameID)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrInsufficientFunds):
			api.WriteError(w, http.StatusBadRequest, api.ErrCodeInsufficientFunds, "insufficient balance for entry fee")
		case errors.Is(err, gameentry.ErrRoomNotFound):
			api.NotFound(w, "game room not found")
		case errors.Is(err, gameentry.ErrRoomClosed):
			api.Conflict(w, "game room is not accepting players")
		case errors.Is(err, gameentry.ErrAlreadyJoined):
			api.Conflict(w, "player already joined this game")
		default:
			h.logger.Error("game entry failed", "user_id", req.UserID, "game_id", gameID, "error", err)
			api.InternalError(w, "failed to join game")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, entry)
}

// Revenue handles GET /admin/revenue.
func (h *Handler) Revenue(w http.ResponseWriter, r *http.Request) {
	days := api.QueryInt(r, "days", 30)

	revenue, err := h.ledger.RevenueByDay(r.Context(), days)
	if err != nil {
		h.logger.Error("revenue query failed", "error", err)
		api.InternalError(w, "failed to get revenue")
		return
	}

	var total int64
	for _, day := range revenue {
		total += day.AmountMinor
	}

	api.WriteData(w, http.StatusOK, map[string]any{
		"days":        revenue,
		"total_minor": total,
		"currency":    h.currency,
	})
}

func (h *Handler) writeTxError(w http.ResponseWriter, txRef string, err error, fallback string) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		api.NotFound(w, "transaction not found")
	case errors.Is(err, ledger.ErrInvalidTransition):
		api.WriteError(w, http.StatusConflict, api.ErrCodeInvalidTransition, "transaction already settled")
	default:
		h.logger.Error(fallback, "tx_ref", txRef, "error", err)
		api.InternalError(w, fallback)
	}
}
