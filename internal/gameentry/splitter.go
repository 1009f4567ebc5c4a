// Package gameentry charges entry fees and splits them between the house
// commission and the room prize pool. The split is exact: commission and
// pool always sum to the fee, whatever the commission rate.
package gameentry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bingopay/internal/common/money"
	"bingopay/internal/ledger"
	"bingopay/internal/wallet"
)

// DefaultCommissionBps is the house cut in basis points (10%).
const DefaultCommissionBps = 1000

// Ledger records entry-fee movements.
type Ledger interface {
	CreatePending(ctx context.Context, p ledger.CreateParams) (*ledger.Transaction, error)
	MarkCompleted(ctx context.Context, txRef string) (*ledger.Transaction, error)
	MarkFailed(ctx context.Context, txRef, reason string) (*ledger.Transaction, error)
}

// Wallets mutates player balances.
type Wallets interface {
	Credit(ctx context.Context, userID string, amount money.Money, reference string) (bool, error)
	Debit(ctx context.Context, userID string, amount money.Money, reference string) (bool, error)
}

// Analytics records entry splits for reporting. Best-effort, never gates
// the entry outcome.
type Analytics interface {
	RecordEntry(ctx context.Context, userID, gameID string, fee, commission, pool money.Money)
}

// Entry is the result of a successful entry-fee application.
type Entry struct {
	TxRef      string      `json:"tx_ref"`
	GameID     string      `json:"game_id"`
	UserID     string      `json:"user_id"`
	Fee        money.Money `json:"fee"`
	Commission money.Money `json:"commission"`
	Pool       money.Money `json:"pool"`
}

// Splitter applies entry fees. The debit happens before any room mutation,
// and any failure between the debit and the finalized entry is compensated
// by unwinding the room changes and crediting the fee back, so the player
// is never charged for a game they did not enter.
type Splitter struct {
	rooms         Store
	wallets       Wallets
	ledger        Ledger
	analytics     Analytics
	commissionBps int64
	currency      money.Currency
	logger        *slog.Logger
}

// NewSplitter creates a new entry-fee splitter. Analytics may be nil.
func NewSplitter(rooms Store, wallets Wallets, l Ledger, analytics Analytics, commissionBps int64, currency money.Currency, logger *slog.Logger) *Splitter {
	if commissionBps <= 0 || commissionBps >= 10000 {
		commissionBps = DefaultCommissionBps
	}
	return &Splitter{
		rooms:         rooms,
		wallets:       wallets,
		ledger:        l,
		analytics:     analytics,
		commissionBps: commissionBps,
		currency:      currency,
		logger:        logger,
	}
}

// ApplyEntryFee charges the room's entry fee to the player and splits it:
// the commission share stays with the house, the remainder grows the prize
// pool. On insufficient funds the player is rejected and nothing changes.
func (s *Splitter) ApplyEntryFee(ctx context.Context, userID, gameID string) (*Entry, error) {
	room, err := s.rooms.GetRoom(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if room.Status != RoomWaiting {
		return nil, ErrRoomClosed
	}
	if room.HasPlayer(userID) {
		return nil, ErrAlreadyJoined
	}

	fee := money.New(room.EntryFee, s.currency)
	txRef := ledger.NewRef(ledger.TypeGameEntry)

	if _, err := s.wallets.Debit(ctx, userID, fee, debitRef(txRef)); err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			s.logger.Info("game entry rejected",
				"user_id", userID,
				"game_id", gameID,
				"fee", fee.AmountMinor,
			)
			return nil, err
		}
		return nil, fmt.Errorf("debiting entry fee: %w", err)
	}

	if _, err := s.ledger.CreatePending(ctx, ledger.CreateParams{
		TxRef:  txRef,
		UserID: userID,
		GameID: gameID,
		Amount: fee,
		Type:   ledger.TypeGameEntry,
	}); err != nil {
		s.reverse(ctx, userID, gameID, txRef, fee, "ledger write failed")
		return nil, fmt.Errorf("recording entry: %w", err)
	}

	commission := fee.Percentage(s.commissionBps)
	pool := fee.MustSub(commission)

	if err := s.rooms.AddToPrizePool(ctx, gameID, pool.AmountMinor); err != nil {
		s.reverse(ctx, userID, gameID, txRef, fee, "prize pool update failed")
		return nil, fmt.Errorf("growing prize pool: %w", err)
	}

	if err := s.rooms.AddPlayer(ctx, gameID, userID); err != nil {
		s.undoPool(ctx, gameID, pool)
		s.reverse(ctx, userID, gameID, txRef, fee, "seating failed")
		return nil, fmt.Errorf("adding player: %w", err)
	}

	if _, err := s.ledger.MarkCompleted(ctx, txRef); err != nil {
		s.undoSeat(ctx, gameID, userID)
		s.undoPool(ctx, gameID, pool)
		s.reverse(ctx, userID, gameID, txRef, fee, "entry completion failed")
		return nil, fmt.Errorf("completing entry: %w", err)
	}

	s.recordShares(ctx, userID, gameID, commission, pool)

	s.logger.Info("entry fee applied",
		"tx_ref", txRef,
		"user_id", userID,
		"game_id", gameID,
		"fee", fee.AmountMinor,
		"commission", commission.AmountMinor,
		"pool", pool.AmountMinor,
	)

	if s.analytics != nil {
		s.analytics.RecordEntry(ctx, userID, gameID, fee, commission, pool)
	}

	return &Entry{
		TxRef:      txRef,
		GameID:     gameID,
		UserID:     userID,
		Fee:        fee,
		Commission: commission,
		Pool:       pool,
	}, nil
}

// reverse returns the debited fee to the player and fails the entry
// transaction. The reversal reference dedupes retries of the same entry.
func (s *Splitter) reverse(ctx context.Context, userID, gameID, txRef string, fee money.Money, reason string) {
	if _, err := s.wallets.Credit(ctx, userID, fee, reversalRef(txRef)); err != nil {
		s.logger.Error("entry reversal credit failed, balance needs reconciliation",
			"tx_ref", txRef,
			"user_id", userID,
			"game_id", gameID,
			"amount", fee.AmountMinor,
			"error", err,
		)
		return
	}

	if _, err := s.ledger.MarkFailed(ctx, txRef, reason); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		s.logger.Error("failed to mark entry transaction failed",
			"tx_ref", txRef,
			"error", err,
		)
	}

	s.logger.Warn("entry fee reversed",
		"tx_ref", txRef,
		"user_id", userID,
		"game_id", gameID,
		"reason", reason,
	)
}

// undoPool backs the pool increment out of the room after a later step
// failed. Failures are logged for reconciliation; the entry is already
// being reversed either way.
func (s *Splitter) undoPool(ctx context.Context, gameID string, pool money.Money) {
	if err := s.rooms.AddToPrizePool(ctx, gameID, -pool.AmountMinor); err != nil {
		s.logger.Error("failed to undo prize pool increment, pool needs reconciliation",
			"game_id", gameID,
			"amount", pool.AmountMinor,
			"error", err,
		)
	}
}

// undoSeat removes a player whose entry could not be finalized.
func (s *Splitter) undoSeat(ctx context.Context, gameID, userID string) {
	if err := s.rooms.RemovePlayer(ctx, gameID, userID); err != nil {
		s.logger.Error("failed to unseat player, room needs reconciliation",
			"game_id", gameID,
			"user_id", userID,
			"error", err,
		)
	}
}

// recordShares writes the completed house_commission and prize_pool rows
// that back revenue reporting. Failures are logged, not surfaced: the entry
// itself already settled.
func (s *Splitter) recordShares(ctx context.Context, userID, gameID string, commission, pool money.Money) {
	shares := []struct {
		txType ledger.Type
		amount money.Money
	}{
		{ledger.TypeHouseCommission, commission},
		{ledger.TypePrizePool, pool},
	}

	for _, share := range shares {
		if !share.amount.IsPositive() {
			continue
		}
		ref := ledger.NewRef(share.txType)
		if _, err := s.ledger.CreatePending(ctx, ledger.CreateParams{
			TxRef:  ref,
			UserID: userID,
			GameID: gameID,
			Amount: share.amount,
			Type:   share.txType,
		}); err != nil {
			s.logger.Warn("failed to record share", "type", share.txType, "error", err)
			continue
		}
		if _, err := s.ledger.MarkCompleted(ctx, ref); err != nil {
			s.logger.Warn("failed to complete share", "type", share.txType, "error", err)
		}
	}
}

func debitRef(txRef string) string {
	return "debit:" + txRef
}

func reversalRef(txRef string) string {
	return "reversal:" + txRef
}
