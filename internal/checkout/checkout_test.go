package checkout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/slabworks/slabmarket/internal/escrow"
	"github.com/slabworks/slabmarket/internal/listing"
	"github.com/slabworks/slabmarket/internal/payments"
)

type nopLedger struct{}

func (nopLedger) CreditSeller(ctx context.Context, sellerID string, amount int64, currency, referenceID string) error {
	return nil
}
func (nopLedger) RefundBuyer(ctx context.Context, buyerID string, amount int64, currency, referenceID string) error {
	return nil
}

type testEnv struct {
	orchestrator *Orchestrator
	escrow       *escrow.Service
	processor    *payments.StaticProcessor
	listings     *listing.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	escrowSvc := escrow.NewService(escrow.NewMemoryStore(), nopLedger{}, escrow.DefaultFeePolicy(), 72*time.Hour)
	processor := payments.NewStaticProcessor()
	listings := listing.NewService(listing.NewMemoryStore())
	o := New(escrowSvc, processor, listings, "USD", 5*time.Second, slog.Default())
	return &testEnv{orchestrator: o, escrow: escrowSvc, processor: processor, listings: listings}
}

func (e *testEnv) addListing(t *testing.T, itemID, sellerID string, price int64) {
	t.Helper()
	err := e.listings.Put(context.Background(), &listing.Listing{
		ItemID: itemID, SellerID: sellerID, Price: price, Currency: "USD", Available: true,
	})
	if err != nil {
		t.Fatalf("put listing failed: %v", err)
	}
}

func TestCheckoutAllItemsSucceed(t *testing.T) {
	env := newTestEnv(t)
	env.addListing(t, "card-1", "seller-1", 100_00)
	env.addListing(t, "card-2", "seller-2", 250_00)

	result, err := env.orchestrator.Checkout(context.Background(), Request{
		BuyerID: "buyer-1",
		Items: []LineItem{
			{ItemID: "card-1", SellerID: "seller-1", Price: 100_00},
			{ItemID: "card-2", SellerID: "seller-2", Price: 250_00},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if len(result.TransactionIDs) != 2 || len(result.Errors) != 0 {
		t.Fatalf("expected 2 held transactions, got %+v", result)
	}

	// Each transaction reached held
	for _, id := range result.TransactionIDs {
		txn, err := env.escrow.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get transaction failed: %v", err)
		}
		if txn.Status != escrow.StatusHeld {
			t.Errorf("expected held, got %s", txn.Status)
		}
		if txn.ProcessorRef == "" {
			t.Error("expected processor reference on held transaction")
		}
	}

	// Sold items left the market
	if err := env.listings.CheckAvailable(context.Background(), "card-1"); !errors.Is(err, listing.ErrUnavailable) {
		t.Errorf("expected card-1 unavailable, got %v", err)
	}
}

func TestCheckoutPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addListing(t, "card-ok", "seller-1", 100_00)
	env.addListing(t, "card-pricey", "seller-2", 900_00)
	env.processor.DeclineAbove(500_00)

	result, err := env.orchestrator.Checkout(context.Background(), Request{
		BuyerID: "buyer-1",
		Items: []LineItem{
			{ItemID: "card-ok", SellerID: "seller-1", Price: 100_00},
			{ItemID: "card-pricey", SellerID: "seller-2", Price: 900_00},
			{ItemID: "card-ghost", SellerID: "seller-3", Price: 50_00},
		},
	})
	if err != nil {
		t.Fatalf("partial failure must not fail the batch: %v", err)
	}

	if len(result.TransactionIDs) != 1 {
		t.Fatalf("expected 1 success, got %d", len(result.TransactionIDs))
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 item errors, got %+v", result.Errors)
	}

	codes := map[string]string{}
	for _, ie := range result.Errors {
		codes[ie.ItemID] = ie.Code
	}
	if codes["card-pricey"] != CodePaymentDeclined {
		t.Errorf("expected decline for card-pricey, got %s", codes["card-pricey"])
	}
	if codes["card-ghost"] != CodeUnavailable {
		t.Errorf("expected unavailable for card-ghost, got %s", codes["card-ghost"])
	}

	// The declined item's escrow row stays pending, never rolled back
	txns, err := env.escrow.ListByUser(context.Background(), "buyer-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var pending int
	for _, txn := range txns {
		if txn.Status == escrow.StatusPending {
			pending++
		}
	}
	if pending != 1 {
		t.Errorf("expected 1 pending transaction left behind, got %d", pending)
	}

	// The declined listing is still for sale
	if err := env.listings.CheckAvailable(context.Background(), "card-pricey"); err != nil {
		t.Errorf("declined item should stay available: %v", err)
	}
}

func TestCheckoutStructuralValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.orchestrator.Checkout(ctx, Request{BuyerID: "", Items: []LineItem{{ItemID: "x", SellerID: "s", Price: 1}}}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for missing buyer, got %v", err)
	}
	if _, err := env.orchestrator.Checkout(ctx, Request{BuyerID: "buyer-1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for empty cart, got %v", err)
	}
	if _, err := env.orchestrator.Checkout(ctx, Request{
		BuyerID: "buyer-1",
		Items:   []LineItem{{ItemID: "x", SellerID: "s", Price: -5}},
	}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for bad price, got %v", err)
	}
}

func TestCheckoutTransportErrorRecordedPerItem(t *testing.T) {
	env := newTestEnv(t)
	env.addListing(t, "card-1", "seller-1", 100_00)
	env.processor.FailWith(errors.New("gateway timeout"))

	result, err := env.orchestrator.Checkout(context.Background(), Request{
		BuyerID: "buyer-1",
		Items:   []LineItem{{ItemID: "card-1", SellerID: "seller-1", Price: 100_00}},
	})
	if err != nil {
		t.Fatalf("batch must survive processor outage: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != CodePaymentError {
		t.Fatalf("expected payment_error, got %+v", result.Errors)
	}
}

type completionRecorder struct {
	mu      sync.Mutex
	buyerID string
	result  *Result
}

func (r *completionRecorder) CheckoutCompleted(buyerID string, result *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buyerID = buyerID
	r.result = result
}

func TestCheckoutNotifiesCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.addListing(t, "card-1", "seller-1", 100_00)

	rec := &completionRecorder{}
	env.orchestrator.WithNotifier(rec)

	if _, err := env.orchestrator.Checkout(context.Background(), Request{
		BuyerID: "buyer-1",
		Items:   []LineItem{{ItemID: "card-1", SellerID: "seller-1", Price: 100_00}},
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.buyerID != "buyer-1" || rec.result == nil || len(rec.result.TransactionIDs) != 1 {
		t.Errorf("expected completion signal, got %+v", rec)
	}
}
