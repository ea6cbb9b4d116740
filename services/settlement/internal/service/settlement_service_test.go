package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/engine"
	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/storage"
)

// fakeStore applies the same transition semantics in memory so the service can
// be exercised without a database.
type fakeStore struct {
	accounts     map[int64]*storage.Account
	transactions map[int64]*storage.Transaction
	convertRate  decimal.Decimal
	convertErr   error
	writes       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:     make(map[int64]*storage.Account),
		transactions: make(map[int64]*storage.Transaction),
		convertRate:  decimal.NewFromInt(1),
	}
}

func (f *fakeStore) addAccount(id int64, currency, balance string) {
	f.accounts[id] = &storage.Account{ID: id, Currency: currency, Balance: decimal.RequireFromString(balance)}
}

func (f *fakeStore) addTransaction(id, accountID int64, kind engine.Kind, amount, currency string, status engine.Status) {
	f.transactions[id] = &storage.Transaction{
		ID: id, AccountID: accountID, Kind: kind,
		SourceAmount: decimal.RequireFromString(amount), SourceCurrency: currency,
		Status: status,
	}
}

func (f *fakeStore) ApplyTransition(_ context.Context, req storage.TransitionRequest) (*storage.TransitionResult, error) {
	txn, ok := f.transactions[req.TransactionID]
	if !ok || txn.Kind != req.Kind {
		return nil, engine.ErrNotFound
	}
	acct := f.accounts[txn.AccountID]
	if acct == nil {
		return nil, engine.ErrInvariant
	}

	if txn.Status == req.Status {
		return &storage.TransitionResult{
			Transaction: *txn, Account: *acct,
			PreviousStatus: txn.Status, AlreadyInStatus: true,
		}, nil
	}

	prev := txn.Status
	effect := engine.BalanceEffect(txn.Kind, prev, req.Status)
	var applied, clamped decimal.Decimal
	if effect != engine.EffectNone {
		amount := txn.SourceAmount
		if effect.NeedsConversion() {
			if f.convertErr != nil {
				return nil, f.convertErr
			}
			amount = amount.Mul(f.convertRate)
		}
		applied = amount
		acct.Balance, clamped = engine.ApplyDelta(acct.Balance, amount, effect)
	}
	if txn.Kind == engine.KindFiatDeposit && req.Status.TerminalSuccess() && txn.CommissionAmount == nil {
		commission := engine.Commission(txn.SourceAmount, engine.DefaultCommissionRate, nil)
		txn.CommissionAmount = &commission
	}
	if req.Status.TerminalSuccess() {
		now := time.Now().UTC()
		txn.CompletedAt = &now
	} else {
		txn.CompletedAt = nil
	}
	txn.Status = req.Status
	f.writes++

	return &storage.TransitionResult{
		Transaction: *txn, Account: *acct,
		PreviousStatus: prev, Effect: effect,
		AppliedAmount: applied, ClampedAmount: clamped,
	}, nil
}

func (f *fakeStore) GetTransaction(_ context.Context, id int64) (*storage.Transaction, error) {
	txn, ok := f.transactions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	copy := *txn
	return &copy, nil
}

func (f *fakeStore) GetAccount(_ context.Context, id int64) (*storage.Account, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	copy := *acct
	return &copy, nil
}

type capturingPublisher struct {
	topics []string
	events []any
	err    error
}

func (p *capturingPublisher) PublishJSON(_ context.Context, topic, _ string, value any) (int32, int64, error) {
	if p.err != nil {
		return 0, 0, p.err
	}
	p.topics = append(p.topics, topic)
	p.events = append(p.events, value)
	return 0, 0, nil
}

func (p *capturingPublisher) Close() error { return nil }

func newTestService(store *fakeStore, publisher *capturingPublisher) *SettlementService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSettlementService(store, publisher, Topics{Updated: "settlements.updated", Clamped: "settlements.clamped"}, logger, nil)
}

func TestTransitionUSDTDebitsOnce(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, "EUR", "1000")
	store.addTransaction(10, 1, engine.KindUSDTOrder, "500", "EUR", engine.StatusProcessing)
	publisher := &capturingPublisher{}
	svc := newTestService(store, publisher)
	ctx := context.Background()

	req := storage.TransitionRequest{TransactionID: 10, Kind: engine.KindUSDTOrder, Status: engine.StatusSuccessful}
	res, err := svc.Transition(ctx, req)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !res.Account.Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected balance 500, got %s", res.Account.Balance)
	}

	again, err := svc.Transition(ctx, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !again.AlreadyInStatus {
		t.Fatalf("expected resubmit no-op")
	}
	if !again.Account.Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("resubmit must not debit again, got %s", again.Account.Balance)
	}
	if store.writes != 1 {
		t.Fatalf("expected a single write, got %d", store.writes)
	}
	if len(publisher.topics) != 1 || publisher.topics[0] != "settlements.updated" {
		t.Fatalf("expected one updated event, got %v", publisher.topics)
	}
}

func TestTransitionFiatDepositReversalRestoresBalance(t *testing.T) {
	store := newFakeStore()
	store.convertRate = decimal.NewFromInt(2)
	store.addAccount(1, "USD", "100")
	store.addTransaction(20, 1, engine.KindFiatDeposit, "90", "EUR", engine.StatusProcessing)
	svc := newTestService(store, &capturingPublisher{})
	ctx := context.Background()

	up, err := svc.Transition(ctx, storage.TransitionRequest{TransactionID: 20, Kind: engine.KindFiatDeposit, Status: engine.StatusSuccessful})
	if err != nil {
		t.Fatalf("to successful: %v", err)
	}
	if !up.Account.Balance.Equal(decimal.NewFromInt(280)) {
		t.Fatalf("expected credit to 280, got %s", up.Account.Balance)
	}
	if up.Transaction.CommissionAmount == nil || !up.Transaction.CommissionAmount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected commission 10, got %v", up.Transaction.CommissionAmount)
	}

	down, err := svc.Transition(ctx, storage.TransitionRequest{TransactionID: 20, Kind: engine.KindFiatDeposit, Status: engine.StatusFailed})
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if !down.Account.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected reversal back to 100, got %s", down.Account.Balance)
	}
	if down.Transaction.CompletedAt != nil {
		t.Fatalf("completed_at must be cleared on leaving success")
	}
}

func TestTransitionUSDCRefundClampPublishesClampEvent(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, "EUR", "30")
	store.addTransaction(30, 1, engine.KindUSDCOrder, "75", "EUR", engine.StatusSuccessful)
	publisher := &capturingPublisher{}
	svc := newTestService(store, publisher)

	res, err := svc.Transition(context.Background(), storage.TransitionRequest{
		TransactionID: 30, Kind: engine.KindUSDCOrder, Status: engine.StatusFailed,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	// Refund credits, so no clamp here: 30 + 75 = 105.
	if !res.Account.Balance.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("expected refund to 105, got %s", res.Account.Balance)
	}
	if len(publisher.topics) != 1 {
		t.Fatalf("expected one event, got %v", publisher.topics)
	}
}

func TestTransitionFiatDebitClampPublishesClampEvent(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, "EUR", "40")
	store.addTransaction(40, 1, engine.KindFiatDeposit, "90", "EUR", engine.StatusSuccessful)
	publisher := &capturingPublisher{}
	svc := newTestService(store, publisher)

	res, err := svc.Transition(context.Background(), storage.TransitionRequest{
		TransactionID: 40, Kind: engine.KindFiatDeposit, Status: engine.StatusFailed,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !res.Account.Balance.IsZero() {
		t.Fatalf("expected clamped zero balance, got %s", res.Account.Balance)
	}
	if !res.ClampedAmount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected discarded excess 50, got %s", res.ClampedAmount)
	}
	if len(publisher.topics) != 2 || publisher.topics[1] != "settlements.clamped" {
		t.Fatalf("expected updated and clamped events, got %v", publisher.topics)
	}
}

func TestTransitionValidationRejectsBeforeStorage(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &capturingPublisher{})
	ctx := context.Background()

	_, err := svc.Transition(ctx, storage.TransitionRequest{TransactionID: -1, Kind: engine.KindUSDTOrder, Status: engine.StatusSuccessful})
	if !errors.Is(err, engine.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}

	_, err = svc.Transition(ctx, storage.TransitionRequest{TransactionID: 1, Kind: engine.KindUSDTOrder, Status: engine.StatusPending})
	if !errors.Is(err, engine.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if store.writes != 0 {
		t.Fatalf("validation failures must not touch storage")
	}
}

func TestTransitionNotFoundPublishesNothing(t *testing.T) {
	store := newFakeStore()
	publisher := &capturingPublisher{}
	svc := newTestService(store, publisher)

	_, err := svc.Transition(context.Background(), storage.TransitionRequest{
		TransactionID: 404, Kind: engine.KindUSDTOrder, Status: engine.StatusSuccessful,
	})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(publisher.topics) != 0 {
		t.Fatalf("expected no events, got %v", publisher.topics)
	}
}

func TestTransitionPublishFailureDoesNotFail(t *testing.T) {
	store := newFakeStore()
	store.addAccount(1, "EUR", "100")
	store.addTransaction(50, 1, engine.KindUSDTOrder, "50", "EUR", engine.StatusProcessing)
	publisher := &capturingPublisher{err: errors.New("broker down")}
	svc := newTestService(store, publisher)

	res, err := svc.Transition(context.Background(), storage.TransitionRequest{
		TransactionID: 50, Kind: engine.KindUSDTOrder, Status: engine.StatusSuccessful,
	})
	if err != nil {
		t.Fatalf("publish failure must not fail the transition: %v", err)
	}
	if !res.Account.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected committed debit, got %s", res.Account.Balance)
	}
}

func TestGetTransactionValidatesID(t *testing.T) {
	svc := newTestService(newFakeStore(), &capturingPublisher{})
	if _, err := svc.GetTransaction(context.Background(), 0); !errors.Is(err, engine.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}
