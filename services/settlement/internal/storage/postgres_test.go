package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/engine"
	"github.com/Gimbo67/evokeessence-settlement/services/testutil"
)

type fixedConverter struct {
	rate decimal.Decimal
	err  error
}

func (c fixedConverter) Convert(_ context.Context, amount decimal.Decimal, _, _ string) (decimal.Decimal, error) {
	if c.err != nil {
		return decimal.Zero, c.err
	}
	return amount.Mul(c.rate), nil
}

func setupStore(t *testing.T, converter RateConverter) (*Store, *pgxpool.Pool, context.Context) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	ctx := context.Background()
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(ctx, pool)
		pool.Close()
	})
	return New(pool, converter, engine.DefaultCommissionRate, nil, nil), pool, ctx
}

func seedAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, balance string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (currency, balance) VALUES ('XTS', $1) RETURNING id
	`, balance).Scan(&id)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

func seedTransaction(t *testing.T, ctx context.Context, pool *pgxpool.Pool, accountID int64, kind engine.Kind, amount, currency string, status engine.Status) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO transactions (account_id, kind, source_amount, source_currency, status)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, accountID, string(kind), amount, currency, string(status)).Scan(&id)
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return id
}

func TestApplyTransitionFiatDepositCredits(t *testing.T) {
	store, pool, ctx := setupStore(t, fixedConverter{rate: decimal.NewFromInt(2)})
	accountID := seedAccount(t, ctx, pool, "100")
	txnID := seedTransaction(t, ctx, pool, accountID, engine.KindFiatDeposit, "90", "EUR", engine.StatusProcessing)

	res, err := store.ApplyTransition(ctx, TransitionRequest{
		TransactionID: txnID,
		Kind:          engine.KindFiatDeposit,
		Status:        engine.StatusSuccessful,
	})
	if err != nil {
		t.Fatalf("apply transition: %v", err)
	}
	if !res.Account.Balance.Equal(decimal.NewFromInt(280)) {
		t.Fatalf("expected balance 280, got %s", res.Account.Balance)
	}
	if res.Transaction.CommissionAmount == nil || !res.Transaction.CommissionAmount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected commission 10, got %v", res.Transaction.CommissionAmount)
	}
	if res.Transaction.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestApplyTransitionIdempotentResubmit(t *testing.T) {
	store, pool, ctx := setupStore(t, fixedConverter{rate: decimal.NewFromInt(2)})
	accountID := seedAccount(t, ctx, pool, "1000")
	txnID := seedTransaction(t, ctx, pool, accountID, engine.KindUSDTOrder, "500", "XTS", engine.StatusProcessing)

	req := TransitionRequest{TransactionID: txnID, Kind: engine.KindUSDTOrder, Status: engine.StatusSuccessful}
	first, err := store.ApplyTransition(ctx, req)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if !first.Account.Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected balance 500 after debit, got %s", first.Account.Balance)
	}

	second, err := store.ApplyTransition(ctx, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !second.AlreadyInStatus {
		t.Fatalf("expected resubmit to be reported as no-op")
	}
	if !second.Account.Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("resubmit must not debit again, got %s", second.Account.Balance)
	}
}

func TestApplyTransitionRefundClampsAtZero(t *testing.T) {
	store, pool, ctx := setupStore(t, fixedConverter{rate: decimal.NewFromInt(1)})
	accountID := seedAccount(t, ctx, pool, "30")
	txnID := seedTransaction(t, ctx, pool, accountID, engine.KindUSDCOrder, "75", "XTS", engine.StatusProcessing)

	// Success is ledger-neutral for these orders.
	if _, err := store.ApplyTransition(ctx, TransitionRequest{
		TransactionID: txnID, Kind: engine.KindUSDCOrder, Status: engine.StatusSuccessful,
	}); err != nil {
		t.Fatalf("to successful: %v", err)
	}

	// Reversal refunds the source amount back; here it credits.
	res, err := store.ApplyTransition(ctx, TransitionRequest{
		TransactionID: txnID, Kind: engine.KindUSDCOrder, Status: engine.StatusFailed,
	})
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if !res.Account.Balance.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("expected refund credit to 105, got %s", res.Account.Balance)
	}
}

func TestApplyTransitionConversionFailureWritesNothing(t *testing.T) {
	store, pool, ctx := setupStore(t, fixedConverter{err: errors.New("provider down")})
	accountID := seedAccount(t, ctx, pool, "100")
	txnID := seedTransaction(t, ctx, pool, accountID, engine.KindFiatDeposit, "90", "EUR", engine.StatusProcessing)

	_, err := store.ApplyTransition(ctx, TransitionRequest{
		TransactionID: txnID, Kind: engine.KindFiatDeposit, Status: engine.StatusSuccessful,
	})
	if !errors.Is(err, engine.ErrConversion) {
		t.Fatalf("expected ErrConversion, got %v", err)
	}

	txn, err := store.GetTransaction(ctx, txnID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.Status != engine.StatusProcessing {
		t.Fatalf("status must be unchanged after failed conversion, got %s", txn.Status)
	}
	acct, err := store.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acct.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance must be unchanged, got %s", acct.Balance)
	}
}

func TestApplyTransitionUnknownTransaction(t *testing.T) {
	store, _, ctx := setupStore(t, fixedConverter{rate: decimal.NewFromInt(1)})
	_, err := store.ApplyTransition(ctx, TransitionRequest{
		TransactionID: 999999999, Kind: engine.KindFiatDeposit, Status: engine.StatusSuccessful,
	})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyTransitionKindMismatchIsNotFound(t *testing.T) {
	store, pool, ctx := setupStore(t, fixedConverter{rate: decimal.NewFromInt(1)})
	accountID := seedAccount(t, ctx, pool, "100")
	txnID := seedTransaction(t, ctx, pool, accountID, engine.KindUSDTOrder, "50", "XTS", engine.StatusProcessing)

	_, err := store.ApplyTransition(ctx, TransitionRequest{
		TransactionID: txnID, Kind: engine.KindUSDCOrder, Status: engine.StatusSuccessful,
	})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for kind mismatch, got %v", err)
	}
}

func TestGetTransactionComputesDisplayCommission(t *testing.T) {
	store, pool, ctx := setupStore(t, fixedConverter{rate: decimal.NewFromInt(1)})
	accountID := seedAccount(t, ctx, pool, "0")
	txnID := seedTransaction(t, ctx, pool, accountID, engine.KindFiatDeposit, "90", "EUR", engine.StatusPending)

	txn, err := store.GetTransaction(ctx, txnID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.CommissionAmount == nil || !txn.CommissionAmount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected display commission 10, got %v", txn.CommissionAmount)
	}
}

func TestConcurrentTransitionsDebitOnce(t *testing.T) {
	store, pool, ctx := setupStore(t, fixedConverter{rate: decimal.NewFromInt(1)})
	accountID := seedAccount(t, ctx, pool, "1000")
	txnID := seedTransaction(t, ctx, pool, accountID, engine.KindUSDTOrder, "500", "XTS", engine.StatusProcessing)

	const workers = 20
	type outcome struct {
		res *TransitionResult
		err error
	}
	outcomes := make(chan outcome, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.ApplyTransition(ctx, TransitionRequest{
				TransactionID: txnID,
				Kind:          engine.KindUSDTOrder,
				Status:        engine.StatusSuccessful,
			})
			outcomes <- outcome{res: res, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	var applied, noops, conflicts int
	for o := range outcomes {
		switch {
		case o.err == nil && o.res.AlreadyInStatus:
			noops++
		case o.err == nil:
			applied++
			if !o.res.Account.Balance.Equal(decimal.NewFromInt(500)) {
				t.Fatalf("winner saw balance %s, want 500", o.res.Account.Balance)
			}
		case errors.Is(o.err, engine.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected transition error: %v", o.err)
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied debit, got %d (noops=%d conflicts=%d)", applied, noops, conflicts)
	}
	if applied+noops+conflicts != workers {
		t.Fatalf("unaccounted outcomes: applied=%d noops=%d conflicts=%d", applied, noops, conflicts)
	}

	acct, err := store.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected balance 500 after a single debit, got %s", acct.Balance)
	}
}

func TestApplyTransitionOrphanedTransactionIsInvariant(t *testing.T) {
	store, pool, ctx := setupStore(t, fixedConverter{rate: decimal.NewFromInt(1)})
	accountID := seedAccount(t, ctx, pool, "100")
	txnID := seedTransaction(t, ctx, pool, accountID, engine.KindUSDTOrder, "50", "XTS", engine.StatusProcessing)
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, txnID)
	})

	// Orphan the transaction. The foreign key normally prevents this, so the
	// delete runs with constraint triggers off; skip where the role lacks the
	// privilege.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire conn: %v", err)
	}
	if _, err := conn.Exec(ctx, `SET session_replication_role = replica`); err != nil {
		conn.Release()
		t.Skipf("cannot disable constraint triggers: %v", err)
	}
	_, err = conn.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, accountID)
	_, _ = conn.Exec(ctx, `SET session_replication_role = DEFAULT`)
	conn.Release()
	if err != nil {
		t.Fatalf("orphan transaction: %v", err)
	}

	// Same-status resubmit takes the no-op path.
	_, err = store.ApplyTransition(ctx, TransitionRequest{
		TransactionID: txnID,
		Kind:          engine.KindUSDTOrder,
		Status:        engine.StatusProcessing,
	})
	if !errors.Is(err, engine.ErrInvariant) {
		t.Fatalf("expected ErrInvariant for no-op on orphaned transaction, got %v", err)
	}

	// The mutating path reports the same invariant breach.
	_, err = store.ApplyTransition(ctx, TransitionRequest{
		TransactionID: txnID,
		Kind:          engine.KindUSDTOrder,
		Status:        engine.StatusSuccessful,
	})
	if !errors.Is(err, engine.ErrInvariant) {
		t.Fatalf("expected ErrInvariant for transition on orphaned transaction, got %v", err)
	}
}
