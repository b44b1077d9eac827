//go:build integration

package escrow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/slabworks/slabmarket/internal/testutil"
)

func newStoredTxn(id string) *Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Transaction{
		ID:             id,
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		ItemID:         "card-psa10-charizard",
		Price:          150_00,
		MarketplaceFee: 12_00,
		ProcessingFee:  5_00,
		SellerReceives: 133_00,
		Currency:       "USD",
		Status:         StatusHeld,
		ShippingStatus: ShippingPreparing,
		AutoReleaseAt:  now.Add(7 * 24 * time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := newStoredTxn("esc_create_1")
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "esc_create_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.BuyerID != txn.BuyerID || got.SellerID != txn.SellerID {
		t.Errorf("party mismatch: got %s/%s", got.BuyerID, got.SellerID)
	}
	if got.Price != 150_00 || got.SellerReceives != 133_00 {
		t.Errorf("amount mismatch: price=%d receives=%d", got.Price, got.SellerReceives)
	}
	if got.Currency != "USD" {
		t.Errorf("expected currency USD, got %q", got.Currency)
	}
	if got.Status != StatusHeld {
		t.Errorf("expected status held, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Errorf("expected nil CompletedAt, got %v", got.CompletedAt)
	}
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	_, err := store.Get(context.Background(), "esc_missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_Create_FeeSplitViolation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	// Fees that don't add up to the price trip the table constraint
	txn := newStoredTxn("esc_badsplit")
	txn.SellerReceives = 140_00
	if err := store.Create(context.Background(), txn); err == nil {
		t.Error("expected constraint violation for broken fee split")
	}
}

func TestPostgresStore_Update(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := newStoredTxn("esc_update_1")
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	completed := time.Now().UTC().Truncate(time.Microsecond)
	txn.Status = StatusReleased
	txn.ShippingStatus = ShippingDelivered
	txn.TrackingNumber = "1Z999AA10123456784"
	txn.ProcessorRef = "pi_3abc"
	txn.AutoReleaseAt = completed.Add(72 * time.Hour)
	txn.UpdatedAt = completed
	txn.CompletedAt = &completed
	if err := store.Update(ctx, txn); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "esc_update_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusReleased {
		t.Errorf("expected status released, got %s", got.Status)
	}
	if got.TrackingNumber != "1Z999AA10123456784" {
		t.Errorf("tracking number did not round-trip: %q", got.TrackingNumber)
	}
	if got.ProcessorRef != "pi_3abc" {
		t.Errorf("processor ref did not round-trip: %q", got.ProcessorRef)
	}
	if !got.AutoReleaseAt.Equal(completed.Add(72 * time.Hour)) {
		t.Errorf("auto_release_at did not round-trip: %v", got.AutoReleaseAt)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("completed_at did not round-trip: %v", got.CompletedAt)
	}
}

func TestPostgresStore_Update_NotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	txn := newStoredTxn("esc_never_created")
	if err := store.Update(context.Background(), txn); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		txn := newStoredTxn(fmt.Sprintf("esc_list_buy_%d", i))
		txn.BuyerID = "trader-1"
		txn.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, txn); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}
	// trader-1 also sells
	sale := newStoredTxn("esc_list_sell")
	sale.SellerID = "trader-1"
	sale.CreatedAt = base.Add(10 * time.Minute)
	if err := store.Create(ctx, sale); err != nil {
		t.Fatalf("Create sale failed: %v", err)
	}

	txns, err := store.ListByUser(ctx, "trader-1", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(txns) != 4 {
		t.Fatalf("expected 4 transactions, got %d", len(txns))
	}
	// Newest first
	if txns[0].ID != "esc_list_sell" {
		t.Errorf("expected esc_list_sell first, got %s", txns[0].ID)
	}

	limited, err := store.ListByUser(ctx, "trader-1", 2)
	if err != nil {
		t.Fatalf("ListByUser with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 transactions with limit, got %d", len(limited))
	}
}

func TestPostgresStore_ListAutoReleasable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()

	overdue := newStoredTxn("esc_ar_overdue")
	overdue.AutoReleaseAt = now.Add(-time.Hour)
	if err := store.Create(ctx, overdue); err != nil {
		t.Fatalf("Create overdue failed: %v", err)
	}

	future := newStoredTxn("esc_ar_future")
	future.AutoReleaseAt = now.Add(time.Hour)
	if err := store.Create(ctx, future); err != nil {
		t.Fatalf("Create future failed: %v", err)
	}

	// Overdue but already resolved, must not come back
	resolved := newStoredTxn("esc_ar_resolved")
	resolved.Status = StatusRefunded
	resolved.AutoReleaseAt = now.Add(-time.Hour)
	if err := store.Create(ctx, resolved); err != nil {
		t.Fatalf("Create resolved failed: %v", err)
	}

	due, err := store.ListAutoReleasable(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListAutoReleasable failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 releasable transaction, got %d", len(due))
	}
	if due[0].ID != "esc_ar_overdue" {
		t.Errorf("expected esc_ar_overdue, got %s", due[0].ID)
	}
}
