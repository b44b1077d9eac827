// Package checkout orchestrates a cart purchase across escrow and the
// payment processor.
//
// Flow (per line item, independently):
//  1. Availability check → fail just that item if gone
//  2. Create escrow transaction (pending)
//  3. Authorize payment with the processor
//  4. On approval → mark held, take the item off the market
//  5. On failure → leave the transaction pending, record an item error
//
// Items never roll each other back: partial success is the designed
// behavior, so one declined card does not block the rest of the cart.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slabworks/slabmarket/internal/escrow"
	"github.com/slabworks/slabmarket/internal/metrics"
	"github.com/slabworks/slabmarket/internal/payments"
	"github.com/slabworks/slabmarket/internal/retry"
	"github.com/slabworks/slabmarket/internal/traces"
)

var ErrInvalidRequest = errors.New("invalid checkout request")

// Item error codes reported per line item.
const (
	CodeUnavailable     = "item_unavailable"
	CodeEscrowFailed    = "escrow_create_failed"
	CodePaymentDeclined = "payment_declined"
	CodePaymentError    = "payment_error"
	CodeHoldFailed      = "hold_failed"
)

// LineItem is one cart entry.
type LineItem struct {
	ItemID   string `json:"item_id" binding:"required"`
	SellerID string `json:"seller_id" binding:"required"`
	Price    int64  `json:"price" binding:"required"`
}

// Request is a full cart checkout.
type Request struct {
	BuyerID         string     `json:"buyer_id" binding:"required"`
	Items           []LineItem `json:"items" binding:"required"`
	ShippingAddress string     `json:"shipping_address"`
	PaymentMethod   string     `json:"payment_method"`
}

// ItemError records a per-item failure. Failures are data, not
// transport errors.
type ItemError struct {
	ItemID  string `json:"item_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the batch outcome: ids of transactions that reached held,
// plus the errors for everything that did not.
type Result struct {
	TransactionIDs []string    `json:"transaction_ids"`
	Errors         []ItemError `json:"errors"`
}

// EscrowService is the slice of the escrow manager checkout needs.
type EscrowService interface {
	Create(ctx context.Context, req escrow.CreateRequest) (*escrow.Transaction, error)
	MarkHeld(ctx context.Context, id, processorRef string) (*escrow.Transaction, error)
}

// ItemChecker answers availability and records sales.
type ItemChecker interface {
	CheckAvailable(ctx context.Context, itemID string) error
	MarkSold(ctx context.Context, itemID string) error
}

// Notifier receives a fire-and-forget completion signal.
type Notifier interface {
	CheckoutCompleted(buyerID string, result *Result)
}

// Orchestrator runs checkouts.
type Orchestrator struct {
	escrow    EscrowService
	processor payments.Processor
	items     ItemChecker
	notifier  Notifier
	currency  string
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a checkout orchestrator.
func New(escrowSvc EscrowService, processor payments.Processor, items ItemChecker, currency string, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		escrow:    escrowSvc,
		processor: processor,
		items:     items,
		currency:  currency,
		timeout:   timeout,
		logger:    logger,
	}
}

// WithNotifier attaches a fire-and-forget notifier.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// Checkout processes every line item independently and concurrently.
// Structural problems (no buyer, empty cart) are the only whole-batch
// failures.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (*Result, error) {
	if req.BuyerID == "" {
		return nil, fmt.Errorf("%w: missing buyer", ErrInvalidRequest)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: empty cart", ErrInvalidRequest)
	}
	for _, item := range req.Items {
		if item.ItemID == "" || item.SellerID == "" || item.Price <= 0 {
			return nil, fmt.Errorf("%w: malformed line item %q", ErrInvalidRequest, item.ItemID)
		}
	}

	type itemOutcome struct {
		txnID string
		err   *ItemError
	}
	outcomes := make([]itemOutcome, len(req.Items))

	var wg sync.WaitGroup
	for i, item := range req.Items {
		wg.Add(1)
		go func(i int, item LineItem) {
			defer wg.Done()
			txnID, itemErr := o.processItem(ctx, req.BuyerID, item)
			outcomes[i] = itemOutcome{txnID: txnID, err: itemErr}
		}(i, item)
	}
	wg.Wait()

	result := &Result{}
	for _, out := range outcomes {
		if out.err != nil {
			result.Errors = append(result.Errors, *out.err)
			metrics.CheckoutItemsTotal.WithLabelValues("failed").Inc()
			continue
		}
		result.TransactionIDs = append(result.TransactionIDs, out.txnID)
		metrics.CheckoutItemsTotal.WithLabelValues("held").Inc()
	}
	o.logger.Info("checkout completed",
		"buyer_id", req.BuyerID,
		"items", len(req.Items),
		"held", len(result.TransactionIDs),
		"failed", len(result.Errors),
	)
	if o.notifier != nil {
		o.notifier.CheckoutCompleted(req.BuyerID, result)
	}
	return result, nil
}

// processItem runs the pipeline for one line item. A failure at any
// step fails only this item; an escrow row created before the failure
// stays pending on purpose.
func (o *Orchestrator) processItem(ctx context.Context, buyerID string, item LineItem) (string, *ItemError) {
	ctx, span := traces.StartSpan(ctx, "checkout.processItem",
		traces.UserID(buyerID), traces.ItemID(item.ItemID), traces.Amount(item.Price))
	defer span.End()

	if err := o.items.CheckAvailable(ctx, item.ItemID); err != nil {
		return "", &ItemError{ItemID: item.ItemID, Code: CodeUnavailable, Message: err.Error()}
	}

	txn, err := o.escrow.Create(ctx, escrow.CreateRequest{
		BuyerID:  buyerID,
		SellerID: item.SellerID,
		ItemID:   item.ItemID,
		Price:    item.Price,
		Currency: o.currency,
	})
	if err != nil {
		return "", &ItemError{ItemID: item.ItemID, Code: CodeEscrowFailed, Message: err.Error()}
	}

	auth, err := o.authorize(ctx, buyerID, item, txn.ID)
	if err != nil {
		return "", &ItemError{ItemID: item.ItemID, Code: CodePaymentError, Message: err.Error()}
	}
	if !auth.Authorized {
		return "", &ItemError{ItemID: item.ItemID, Code: CodePaymentDeclined, Message: auth.Declined}
	}

	if _, err := o.escrow.MarkHeld(ctx, txn.ID, auth.Reference); err != nil {
		return "", &ItemError{ItemID: item.ItemID, Code: CodeHoldFailed, Message: err.Error()}
	}

	// One-of-a-kind items leave the market the moment they're held.
	// Best effort: the hold is already safe.
	if err := o.items.MarkSold(ctx, item.ItemID); err != nil {
		o.logger.Warn("failed to mark item sold", "item_id", item.ItemID, "error", err)
	}

	return txn.ID, nil
}

// authorize calls the processor with a bounded timeout, retrying
// transport failures. Declines are permanent: retrying a rejected card
// just burns the buyer's patience.
func (o *Orchestrator) authorize(ctx context.Context, buyerID string, item LineItem, txnID string) (*payments.Authorization, error) {
	authCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var auth *payments.Authorization
	err := retry.Do(authCtx, 3, 200*time.Millisecond, func() error {
		a, err := o.processor.Authorize(authCtx, payments.AuthorizeRequest{
			Amount:      item.Price,
			Currency:    o.currency,
			BuyerID:     buyerID,
			SellerID:    item.SellerID,
			Description: fmt.Sprintf("slabmarket purchase %s", txnID),
		})
		if err != nil {
			return err
		}
		if !a.Authorized {
			auth = a
			return retry.Permanent(errDeclined)
		}
		auth = a
		return nil
	})
	if err != nil && !errors.Is(err, errDeclined) {
		return nil, err
	}
	return auth, nil
}

var errDeclined = errors.New("authorization declined")
