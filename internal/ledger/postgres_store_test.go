//go:build integration

package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/slabworks/slabmarket/internal/testutil"
)

func newTxn(userID string, typ Type, amount int64) *Transaction {
	return &Transaction{
		ID:        fmt.Sprintf("wtx_test_%d", time.Now().UnixNano()),
		UserID:    userID,
		Type:      typ,
		Amount:    amount,
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgresStore_EnsureAccount(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	acct, err := store.EnsureAccount(ctx, "user-ensure", "USD")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if acct.UserID != "user-ensure" {
		t.Errorf("expected user-ensure, got %s", acct.UserID)
	}
	if acct.Balance != 0 {
		t.Errorf("new account should have zero balance, got %d", acct.Balance)
	}
	if acct.Currency != "USD" {
		t.Errorf("expected currency USD, got %q", acct.Currency)
	}

	// Second call is idempotent
	again, err := store.EnsureAccount(ctx, "user-ensure", "USD")
	if err != nil {
		t.Fatalf("second EnsureAccount failed: %v", err)
	}
	if !again.CreatedAt.Equal(acct.CreatedAt) {
		t.Errorf("expected same account, created_at changed from %v to %v", acct.CreatedAt, again.CreatedAt)
	}
}

func TestPostgresStore_EnsureAccount_CurrencyMismatch(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.EnsureAccount(ctx, "user-cur", "USD"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := store.EnsureAccount(ctx, "user-cur", "EUR"); err != ErrCurrencyMismatch {
		t.Errorf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestPostgresStore_GetAccount_NotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	_, err := store.GetAccount(context.Background(), "nonexistent-user")
	if err != ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPostgresStore_Apply_CreditAndDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	// Credit auto-creates the account
	credit := newTxn("user-apply", TypeDeposit, 50_00)
	if err := store.Apply(ctx, credit); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	acct, err := store.GetAccount(ctx, "user-apply")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != 50_00 {
		t.Errorf("expected balance 5000, got %d", acct.Balance)
	}

	debit := newTxn("user-apply", TypeCharge, -30_00)
	if err := store.Apply(ctx, debit); err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	acct, err = store.GetAccount(ctx, "user-apply")
	if err != nil {
		t.Fatalf("GetAccount after debit failed: %v", err)
	}
	if acct.Balance != 20_00 {
		t.Errorf("expected balance 2000, got %d", acct.Balance)
	}
}

func TestPostgresStore_Apply_InsufficientFunds(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Apply(ctx, newTxn("user-poor", TypeDeposit, 10_00)); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	// Overdraft trips the balance CHECK constraint
	err := store.Apply(ctx, newTxn("user-poor", TypeCharge, -20_00))
	if err != ErrInsufficientFunds {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// Failed debit must not leave a transaction row behind
	history, err := store.History(ctx, "user-poor", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("expected 1 transaction after rollback, got %d", len(history))
	}

	acct, err := store.GetAccount(ctx, "user-poor")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != 10_00 {
		t.Errorf("balance changed after failed debit: %d", acct.Balance)
	}
}

func TestPostgresStore_Apply_DebitMissingAccount(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	err := store.Apply(context.Background(), newTxn("user-ghost", TypeCharge, -5_00))
	if err != ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPostgresStore_Apply_CurrencyMismatch(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Apply(ctx, newTxn("user-eur", TypeDeposit, 10_00)); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	bad := newTxn("user-eur", TypeDeposit, 10_00)
	bad.Currency = "EUR"
	if err := store.Apply(ctx, bad); err != ErrCurrencyMismatch {
		t.Errorf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestPostgresStore_History(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		txn := newTxn("user-hist", TypeDeposit, int64(i+1)*100)
		txn.ID = fmt.Sprintf("wtx_hist_%d", i)
		txn.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Apply(ctx, txn); err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
	}

	history, err := store.History(ctx, "user-hist", 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(history))
	}
	// Newest first
	if history[0].ID != "wtx_hist_4" {
		t.Errorf("expected wtx_hist_4 first, got %s", history[0].ID)
	}
	if history[0].Amount != 500 {
		t.Errorf("expected amount 500, got %d", history[0].Amount)
	}
}

func TestPostgresStore_FindByReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	hold := newTxn("buyer-ref", TypeDeposit, 25_00)
	hold.ID = "wtx_ref_1"
	hold.ReferenceID = "esc_abc123"
	hold.Metadata = map[string]string{"kind": "escrow_release"}
	if err := store.Apply(ctx, hold); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	unrelated := newTxn("buyer-ref", TypeDeposit, 10_00)
	unrelated.ID = "wtx_ref_2"
	if err := store.Apply(ctx, unrelated); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	found, err := store.FindByReference(ctx, "esc_abc123")
	if err != nil {
		t.Fatalf("FindByReference failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(found))
	}
	if found[0].ID != "wtx_ref_1" {
		t.Errorf("expected wtx_ref_1, got %s", found[0].ID)
	}
	if found[0].Metadata["kind"] != "escrow_release" {
		t.Errorf("metadata did not round-trip: %v", found[0].Metadata)
	}
}

func TestPostgresStore_SumEntries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	amounts := []int64{100_00, -30_00, 5_00}
	for i, amt := range amounts {
		txn := newTxn("user-sum", TypeAdjustment, amt)
		txn.ID = fmt.Sprintf("wtx_sum_%d", i)
		if err := store.Apply(ctx, txn); err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
	}

	sum, err := store.SumEntries(ctx, "user-sum")
	if err != nil {
		t.Fatalf("SumEntries failed: %v", err)
	}
	if sum != 75_00 {
		t.Errorf("expected sum 7500, got %d", sum)
	}

	// Entry sum must always match the account balance
	acct, err := store.GetAccount(ctx, "user-sum")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != sum {
		t.Errorf("balance %d does not match entry sum %d", acct.Balance, sum)
	}
}
