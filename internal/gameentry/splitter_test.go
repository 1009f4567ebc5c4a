package gameentry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bingopay/internal/common/money"
	"bingopay/internal/ledger"
	"bingopay/internal/wallet"
)

// memRooms is an in-memory Store for splitter tests.
type memRooms struct {
	mu        sync.Mutex
	rooms     map[string]*GameRoom
	poolErr   error
	playerErr error
}

func newMemRooms() *memRooms {
	return &memRooms{rooms: make(map[string]*GameRoom)}
}

func (m *memRooms) addRoom(room *GameRoom) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room
}

func (m *memRooms) GetRoom(_ context.Context, roomID string) (*GameRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	cp := *room
	cp.Players = append([]string(nil), room.Players...)
	return &cp, nil
}

func (m *memRooms) AddToPrizePool(_ context.Context, roomID string, amountMinor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.poolErr != nil {
		return m.poolErr
	}
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Status != RoomWaiting {
		return ErrRoomClosed
	}
	room.PrizePool += amountMinor
	return nil
}

func (m *memRooms) AddPlayer(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playerErr != nil {
		return m.playerErr
	}
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if !room.HasPlayer(userID) {
		room.Players = append(room.Players, userID)
	}
	return nil
}

func (m *memRooms) RemovePlayer(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for i, p := range room.Players {
		if p == userID {
			room.Players = append(room.Players[:i], room.Players[i+1:]...)
			break
		}
	}
	return nil
}

// memWallets mirrors the wallet store semantics: replay-safe references,
// conditional debits.
type memWallets struct {
	mu       sync.Mutex
	balances map[string]int64
	refs     map[string]bool
}

func newMemWallets() *memWallets {
	return &memWallets{balances: make(map[string]int64), refs: make(map[string]bool)}
}

func (m *memWallets) Credit(_ context.Context, userID string, amount money.Money, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[reference] {
		return false, nil
	}
	m.refs[reference] = true
	m.balances[userID] += amount.AmountMinor
	return true, nil
}

func (m *memWallets) Debit(_ context.Context, userID string, amount money.Money, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[reference] {
		return false, nil
	}
	if m.balances[userID] < amount.AmountMinor {
		return false, wallet.ErrInsufficientFunds
	}
	m.refs[reference] = true
	m.balances[userID] -= amount.AmountMinor
	return true, nil
}

func (m *memWallets) balance(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

// memLedger implements Ledger with pending-only transitions.
type memLedger struct {
	mu          sync.Mutex
	txs         map[string]*ledger.Transaction
	completeErr error
}

func newMemLedger() *memLedger {
	return &memLedger{txs: make(map[string]*ledger.Transaction)}
}

func (m *memLedger) CreatePending(_ context.Context, p ledger.CreateParams) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[p.TxRef]; ok {
		return nil, ledger.ErrDuplicateRef
	}
	tx, err := ledger.NewTransaction(p.TxRef, p.UserID, p.Amount, p.Type)
	if err != nil {
		return nil, err
	}
	tx.GameID = p.GameID
	m.txs[p.TxRef] = tx
	cp := *tx
	return &cp, nil
}

func (m *memLedger) MarkCompleted(_ context.Context, txRef string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	tx, ok := m.txs[txRef]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if err := tx.MarkCompleted(); err != nil {
		return nil, err
	}
	cp := *tx
	return &cp, nil
}

func (m *memLedger) MarkFailed(_ context.Context, txRef, reason string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txRef]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if err := tx.MarkFailed(reason); err != nil {
		return nil, err
	}
	cp := *tx
	return &cp, nil
}

func (m *memLedger) byType(txType ledger.Type) []*ledger.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledger.Transaction
	for _, tx := range m.txs {
		if tx.Type == txType {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out
}

type splitterFixture struct {
	splitter *Splitter
	rooms    *memRooms
	wallets  *memWallets
	ledger   *memLedger
}

func newSplitterFixture(commissionBps int64) *splitterFixture {
	f := &splitterFixture{
		rooms:   newMemRooms(),
		wallets: newMemWallets(),
		ledger:  newMemLedger(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.splitter = NewSplitter(f.rooms, f.wallets, f.ledger, nil, commissionBps, money.ETB, logger)
	return f
}

func waitingRoom(id string, entryFee int64) *GameRoom {
	return &GameRoom{
		ID:        id,
		EntryFee:  entryFee,
		Status:    RoomWaiting,
		CreatedAt: time.Now().UTC(),
	}
}

func TestApplyEntryFeeSplitsExactly(t *testing.T) {
	f := newSplitterFixture(1000)
	ctx := context.Background()
	f.rooms.addRoom(waitingRoom("room-1", 2500)) // 25 ETB
	f.wallets.balances["user-1"] = 10000

	entry, err := f.splitter.ApplyEntryFee(ctx, "user-1", "room-1")
	require.NoError(t, err)

	assert.Equal(t, int64(2500), entry.Fee.AmountMinor)
	assert.Equal(t, int64(250), entry.Commission.AmountMinor)
	assert.Equal(t, int64(2250), entry.Pool.AmountMinor)
	assert.Equal(t, entry.Fee, entry.Commission.MustAdd(entry.Pool))

	assert.Equal(t, int64(7500), f.wallets.balance("user-1"))

	room, err := f.rooms.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2250), room.PrizePool)
	assert.True(t, room.HasPlayer("user-1"))

	entries := f.ledger.byType(ledger.TypeGameEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusCompleted, entries[0].Status)
	assert.Equal(t, "room-1", entries[0].GameID)
}

func TestApplyEntryFeeSplitNeverLosesMoney(t *testing.T) {
	// Fees that do not divide evenly by the commission rate.
	fees := []int64{999, 3333, 101, 1}

	for _, fee := range fees {
		f := newSplitterFixture(1000)
		f.rooms.addRoom(waitingRoom("room-1", fee))
		f.wallets.balances["user-1"] = fee

		entry, err := f.splitter.ApplyEntryFee(context.Background(), "user-1", "room-1")
		require.NoError(t, err)
		assert.Equal(t, fee, entry.Commission.AmountMinor+entry.Pool.AmountMinor)
	}
}

func TestApplyEntryFeeRecordsShares(t *testing.T) {
	f := newSplitterFixture(1000)
	f.rooms.addRoom(waitingRoom("room-1", 2500))
	f.wallets.balances["user-1"] = 10000

	_, err := f.splitter.ApplyEntryFee(context.Background(), "user-1", "room-1")
	require.NoError(t, err)

	commissions := f.ledger.byType(ledger.TypeHouseCommission)
	require.Len(t, commissions, 1)
	assert.Equal(t, ledger.StatusCompleted, commissions[0].Status)
	assert.Equal(t, int64(250), commissions[0].Amount.AmountMinor)

	pools := f.ledger.byType(ledger.TypePrizePool)
	require.Len(t, pools, 1)
	assert.Equal(t, int64(2250), pools[0].Amount.AmountMinor)
}

func TestApplyEntryFeeInsufficientFunds(t *testing.T) {
	f := newSplitterFixture(1000)
	ctx := context.Background()
	f.rooms.addRoom(waitingRoom("room-1", 2500))
	f.wallets.balances["user-1"] = 1000

	_, err := f.splitter.ApplyEntryFee(ctx, "user-1", "room-1")
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	assert.Equal(t, int64(1000), f.wallets.balance("user-1"))

	room, err := f.rooms.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), room.PrizePool)
	assert.False(t, room.HasPlayer("user-1"))
	assert.Empty(t, f.ledger.byType(ledger.TypeGameEntry))
}

func TestApplyEntryFeePoolFailureReverses(t *testing.T) {
	f := newSplitterFixture(1000)
	ctx := context.Background()
	f.rooms.addRoom(waitingRoom("room-1", 2500))
	f.wallets.balances["user-1"] = 10000
	f.rooms.poolErr = errors.New("storage offline")

	_, err := f.splitter.ApplyEntryFee(ctx, "user-1", "room-1")
	require.Error(t, err)

	// The debit was compensated: the player keeps their money.
	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))

	entries := f.ledger.byType(ledger.TypeGameEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusFailed, entries[0].Status)

	room, getErr := f.rooms.GetRoom(ctx, "room-1")
	require.NoError(t, getErr)
	assert.False(t, room.HasPlayer("user-1"))
}

func TestApplyEntryFeeSeatingFailureReverses(t *testing.T) {
	f := newSplitterFixture(1000)
	ctx := context.Background()
	f.rooms.addRoom(waitingRoom("room-1", 5000))
	f.wallets.balances["user-1"] = 10000
	f.rooms.playerErr = errors.New("storage offline")

	_, err := f.splitter.ApplyEntryFee(ctx, "user-1", "room-1")
	require.Error(t, err)

	// Not seated means not charged: the debit and the pool increment are
	// both unwound.
	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))

	room, getErr := f.rooms.GetRoom(ctx, "room-1")
	require.NoError(t, getErr)
	assert.Equal(t, int64(0), room.PrizePool)
	assert.False(t, room.HasPlayer("user-1"))

	entries := f.ledger.byType(ledger.TypeGameEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusFailed, entries[0].Status)
}

func TestApplyEntryFeeCompletionFailureReverses(t *testing.T) {
	f := newSplitterFixture(1000)
	ctx := context.Background()
	f.rooms.addRoom(waitingRoom("room-1", 5000))
	f.wallets.balances["user-1"] = 10000
	f.ledger.completeErr = errors.New("storage offline")

	_, err := f.splitter.ApplyEntryFee(ctx, "user-1", "room-1")
	require.Error(t, err)

	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))

	room, getErr := f.rooms.GetRoom(ctx, "room-1")
	require.NoError(t, getErr)
	assert.Equal(t, int64(0), room.PrizePool)
	assert.False(t, room.HasPlayer("user-1"))

	entries := f.ledger.byType(ledger.TypeGameEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusFailed, entries[0].Status)

	// No settled share rows for an entry that never completed.
	assert.Empty(t, f.ledger.byType(ledger.TypeHouseCommission))
	assert.Empty(t, f.ledger.byType(ledger.TypePrizePool))
}

func TestApplyEntryFeeRoomChecks(t *testing.T) {
	f := newSplitterFixture(1000)
	ctx := context.Background()
	f.wallets.balances["user-1"] = 10000

	_, err := f.splitter.ApplyEntryFee(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	active := waitingRoom("room-active", 2500)
	active.Status = RoomActive
	f.rooms.addRoom(active)
	_, err = f.splitter.ApplyEntryFee(ctx, "user-1", "room-active")
	assert.ErrorIs(t, err, ErrRoomClosed)

	joined := waitingRoom("room-joined", 2500)
	joined.Players = []string{"user-1"}
	f.rooms.addRoom(joined)
	_, err = f.splitter.ApplyEntryFee(ctx, "user-1", "room-joined")
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	// None of the rejections touched the balance.
	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))
}

func TestCommissionRateConfigurable(t *testing.T) {
	f := newSplitterFixture(2000) // 20%
	f.rooms.addRoom(waitingRoom("room-1", 1000))
	f.wallets.balances["user-1"] = 1000

	entry, err := f.splitter.ApplyEntryFee(context.Background(), "user-1", "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), entry.Commission.AmountMinor)
	assert.Equal(t, int64(800), entry.Pool.AmountMinor)
}
