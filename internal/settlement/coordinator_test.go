package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bingopay/internal/common/money"
	"bingopay/internal/ledger"
	"bingopay/internal/wallet"
)

// fakeLedger implements Ledger with the same transition semantics as the
// Postgres store: pending-only transitions, first writer wins.
type fakeLedger struct {
	mu  sync.Mutex
	txs map[string]*ledger.Transaction
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txs: make(map[string]*ledger.Transaction)}
}

func (f *fakeLedger) CreatePending(_ context.Context, p ledger.CreateParams) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.txs[p.TxRef]; ok {
		return nil, ledger.ErrDuplicateRef
	}
	tx, err := ledger.NewTransaction(p.TxRef, p.UserID, p.Amount, p.Type)
	if err != nil {
		return nil, err
	}
	tx.GameID = p.GameID
	tx.Method = p.Method
	f.txs[p.TxRef] = tx
	cp := *tx
	return &cp, nil
}

func (f *fakeLedger) Get(_ context.Context, txRef string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txRef]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeLedger) MarkCompleted(_ context.Context, txRef string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txRef]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if err := tx.MarkCompleted(); err != nil {
		return nil, err
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeLedger) MarkFailed(_ context.Context, txRef, reason string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txRef]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if err := tx.MarkFailed(reason); err != nil {
		return nil, err
	}
	cp := *tx
	return &cp, nil
}

// fakeWallets implements Wallets with replay-safe references.
type fakeWallets struct {
	mu        sync.Mutex
	balances  map[string]int64
	refs      map[string]bool
	creditErr error
}

func newFakeWallets() *fakeWallets {
	return &fakeWallets{
		balances: make(map[string]int64),
		refs:     make(map[string]bool),
	}
}

func (f *fakeWallets) Credit(_ context.Context, userID string, amount money.Money, reference string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditErr != nil {
		return false, f.creditErr
	}
	if f.refs[reference] {
		return false, nil
	}
	f.refs[reference] = true
	f.balances[userID] += amount.AmountMinor
	return true, nil
}

func (f *fakeWallets) Debit(_ context.Context, userID string, amount money.Money, reference string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[reference] {
		return false, nil
	}
	if f.balances[userID] < amount.AmountMinor {
		return false, wallet.ErrInsufficientFunds
	}
	f.refs[reference] = true
	f.balances[userID] -= amount.AmountMinor
	return true, nil
}

func (f *fakeWallets) balance(userID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

// fakeGateway returns scripted results.
type fakeGateway struct {
	initErr      error
	verifyResult *VerifyResult
	verifyErr    error
}

func (f *fakeGateway) Initialize(_ context.Context, txRef string, _ money.Money, _ Payer) (*Checkout, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &Checkout{CheckoutURL: "https://checkout.example/" + txRef}, nil
}

func (f *fakeGateway) Verify(_ context.Context, _ string) (*VerifyResult, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verifyResult, nil
}

// fakeSource records submitted payouts.
type fakeSource struct {
	mu        sync.Mutex
	submitted []string
	submitErr error
}

func (f *fakeSource) SubmitPayout(_ context.Context, txRef, _, _, _ string, _ money.Money) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, txRef)
	return nil
}

// fakePublisher records published subjects.
type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakePublisher) Publish(_ context.Context, subject string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakePublisher) published(subject string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type fixture struct {
	coordinator *Coordinator
	ledger      *fakeLedger
	wallets     *fakeWallets
	gateway     *fakeGateway
	source      *fakeSource
	publisher   *fakePublisher
}

func newFixture() *fixture {
	f := &fixture{
		ledger:    newFakeLedger(),
		wallets:   newFakeWallets(),
		gateway:   &fakeGateway{},
		source:    &fakeSource{},
		publisher: &fakePublisher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.coordinator = NewCoordinator(f.ledger, f.wallets, f.gateway, f.source, f.publisher, logger)
	return f
}

func etb(minor int64) money.Money {
	return money.New(minor, money.ETB)
}

func TestDepositHappyPath(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	amount := etb(10000) // 100 ETB

	receipt, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{
		UserID: "user-1",
		Amount: amount,
		Payer:  Payer{Email: "player@example.com", FirstName: "Abel", LastName: "T"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.CheckoutURL)

	tx, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.Equal(t, int64(0), f.wallets.balance("user-1"))

	err = f.coordinator.Confirm(ctx, Outcome{TxRef: receipt.TxRef, Success: true, Amount: amount})
	require.NoError(t, err)

	tx, err = f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	require.NotNil(t, tx.CompletedAt)
	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))
	assert.True(t, f.publisher.published(SubjectSettled))
}

func TestDuplicateSuccessCallbackIsNoOp(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	amount := etb(10000)

	receipt, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{UserID: "user-1", Amount: amount})
	require.NoError(t, err)

	outcome := Outcome{TxRef: receipt.TxRef, Success: true, Amount: amount}
	require.NoError(t, f.coordinator.Confirm(ctx, outcome))

	settled, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	completedAt := *settled.CompletedAt

	// The gateway redelivers the callback.
	require.NoError(t, f.coordinator.Confirm(ctx, outcome))

	again, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, completedAt, *again.CompletedAt)
	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))
}

func TestDepositCreditFailureRecoversOnRedelivery(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	amount := etb(10000)

	receipt, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{UserID: "user-1", Amount: amount})
	require.NoError(t, err)

	// The credit fails transiently after the transaction completes.
	f.wallets.creditErr = errors.New("storage offline")
	outcome := Outcome{TxRef: receipt.TxRef, Success: true, Amount: amount}
	err = f.coordinator.Confirm(ctx, outcome)
	require.Error(t, err)
	assert.True(t, f.publisher.published(SubjectCreditFailed))

	tx, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, int64(0), f.wallets.balance("user-1"))

	// The redelivered callback lands the credit on the completed deposit.
	f.wallets.creditErr = nil
	require.NoError(t, f.coordinator.Confirm(ctx, outcome))
	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))

	// Further redeliveries are no-ops.
	require.NoError(t, f.coordinator.Confirm(ctx, outcome))
	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))
}

func TestDepositCreditRetryKeepsAlerting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	amount := etb(10000)

	receipt, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{UserID: "user-1", Amount: amount})
	require.NoError(t, err)

	f.wallets.creditErr = errors.New("storage offline")
	outcome := Outcome{TxRef: receipt.TxRef, Success: true, Amount: amount}
	require.Error(t, f.coordinator.Confirm(ctx, outcome))

	// The retry fails too: the caller sees the error and the alert fires
	// again instead of the signal being swallowed.
	f.publisher.subjects = nil
	require.Error(t, f.coordinator.Confirm(ctx, outcome))
	assert.True(t, f.publisher.published(SubjectCreditFailed))
	assert.Equal(t, int64(0), f.wallets.balance("user-1"))
}

func TestDepositGatewayFailure(t *testing.T) {
	f := newFixture()
	f.gateway.initErr = errors.New("connection refused")
	ctx := context.Background()

	_, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{UserID: "user-1", Amount: etb(10000)})
	require.ErrorIs(t, err, ErrGateway)
	assert.Equal(t, int64(0), f.wallets.balance("user-1"))
}

func TestAmountMismatchStaysPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	receipt, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{UserID: "user-1", Amount: etb(10000)})
	require.NoError(t, err)

	err = f.coordinator.Confirm(ctx, Outcome{TxRef: receipt.TxRef, Success: true, Amount: etb(9900)})
	require.Error(t, err)

	tx, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.Equal(t, int64(0), f.wallets.balance("user-1"))
	assert.True(t, f.publisher.published(SubjectMismatch))
}

func TestWithdrawalRejectedOnInsufficientFunds(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.coordinator.InitiateWithdrawal(ctx, WithdrawalRequest{
		UserID: "user-1",
		Amount: etb(5000),
		Phone:  "+251911223344",
		Method: "telebirr",
	})
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	// No transaction record, no payout submission.
	assert.Empty(t, f.ledger.txs)
	assert.Empty(t, f.source.submitted)
	assert.True(t, f.publisher.published(SubjectRejected))
}

func TestWithdrawalHappyPath(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.wallets.balances["user-1"] = 20000

	receipt, err := f.coordinator.InitiateWithdrawal(ctx, WithdrawalRequest{
		UserID: "user-1",
		Amount: etb(5000),
		Phone:  "+251911223344",
		Method: "telebirr",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, receipt.Status)
	assert.Equal(t, int64(15000), f.wallets.balance("user-1"))
	assert.Equal(t, []string{receipt.TxRef}, f.source.submitted)

	require.NoError(t, f.coordinator.Confirm(ctx, Outcome{TxRef: receipt.TxRef, Success: true}))

	tx, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	// No credit on a successful withdrawal.
	assert.Equal(t, int64(15000), f.wallets.balance("user-1"))
}

func TestWithdrawalFailureRestoresBalance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.wallets.balances["user-1"] = 20000

	receipt, err := f.coordinator.InitiateWithdrawal(ctx, WithdrawalRequest{
		UserID: "user-1",
		Amount: etb(5000),
		Phone:  "+251911223344",
		Method: "telebirr",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15000), f.wallets.balance("user-1"))

	outcome := Outcome{TxRef: receipt.TxRef, Success: false, Reason: "recipient account blocked"}
	require.NoError(t, f.coordinator.Confirm(ctx, outcome))

	tx, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Equal(t, "recipient account blocked", tx.FailureReason)
	// Debit and reversal net to zero.
	assert.Equal(t, int64(20000), f.wallets.balance("user-1"))
	assert.True(t, f.publisher.published(SubjectReversed))

	// A redelivered failure must not credit again.
	require.NoError(t, f.coordinator.Confirm(ctx, outcome))
	assert.Equal(t, int64(20000), f.wallets.balance("user-1"))
}

func TestWithdrawalSubmitFailureRefunds(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.wallets.balances["user-1"] = 20000
	f.source.submitErr = errors.New("provider down")

	_, err := f.coordinator.InitiateWithdrawal(ctx, WithdrawalRequest{
		UserID: "user-1",
		Amount: etb(5000),
		Phone:  "+251911223344",
		Method: "telebirr",
	})
	require.ErrorIs(t, err, ErrGateway)
	assert.Equal(t, int64(20000), f.wallets.balance("user-1"))
}

func TestReversalFailurePublishesAlert(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.wallets.balances["user-1"] = 20000

	receipt, err := f.coordinator.InitiateWithdrawal(ctx, WithdrawalRequest{
		UserID: "user-1",
		Amount: etb(5000),
		Phone:  "+251911223344",
		Method: "telebirr",
	})
	require.NoError(t, err)

	f.wallets.creditErr = errors.New("storage offline")
	err = f.coordinator.Confirm(ctx, Outcome{TxRef: receipt.TxRef, Success: false, Reason: "payout failed"})
	require.Error(t, err)

	// Transaction stays pending so the sweep can retry the reversal.
	tx, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.True(t, f.publisher.published(SubjectReversalFailed))
}

func TestVerifyAndSettle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	amount := etb(10000)

	receipt, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{UserID: "user-1", Amount: amount})
	require.NoError(t, err)

	// Still pending at the gateway: nothing mutates.
	f.gateway.verifyResult = &VerifyResult{Status: VerifyPending}
	tx, err := f.coordinator.VerifyAndSettle(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.Equal(t, int64(0), f.wallets.balance("user-1"))

	// Gateway reports success.
	f.gateway.verifyResult = &VerifyResult{Status: VerifySuccess, Amount: amount}
	tx, err = f.coordinator.VerifyAndSettle(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))
}

func TestVerifyAndSettleFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	receipt, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{UserID: "user-1", Amount: etb(10000)})
	require.NoError(t, err)

	f.gateway.verifyResult = &VerifyResult{Status: VerifyFailed, Reason: "card declined"}
	tx, err := f.coordinator.VerifyAndSettle(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	// Deposits reverse without a credit: nothing was taken from the wallet.
	assert.Equal(t, int64(0), f.wallets.balance("user-1"))
}

func TestConcurrentConfirmationsCreditOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	amount := etb(10000)

	receipt, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{UserID: "user-1", Amount: amount})
	require.NoError(t, err)

	const deliveries = 10
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Errors are acceptable here; losing a transition race is
			// reported upstream while the winner settles.
			_ = f.coordinator.Confirm(ctx, Outcome{TxRef: receipt.TxRef, Success: true, Amount: amount})
		}()
	}
	wg.Wait()

	tx, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, int64(10000), f.wallets.balance("user-1"))
}

func TestConfirmUnknownTransaction(t *testing.T) {
	f := newFixture()

	err := f.coordinator.Confirm(context.Background(), Outcome{TxRef: "deposit-missing", Success: true})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestOutcomeWithoutAmountSettles(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	receipt, err := f.coordinator.InitiateDeposit(ctx, DepositRequest{UserID: "user-1", Amount: etb(10000)})
	require.NoError(t, err)

	// Some providers omit the amount from callbacks; a zero amount skips
	// the mismatch check.
	require.NoError(t, f.coordinator.Confirm(ctx, Outcome{TxRef: receipt.TxRef, Success: true}))

	tx, err := f.ledger.Get(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
}
