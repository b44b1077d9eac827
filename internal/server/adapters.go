package server

import (
	"context"
	"errors"

	"github.com/slabworks/slabmarket/internal/checkout"
	"github.com/slabworks/slabmarket/internal/dispute"
	"github.com/slabworks/slabmarket/internal/escrow"
	"github.com/slabworks/slabmarket/internal/ledger"
	"github.com/slabworks/slabmarket/internal/notify"
	"github.com/slabworks/slabmarket/internal/realtime"
)

// escrowLedgerAdapter adapts ledger.Ledger to escrow.LedgerService
type escrowLedgerAdapter struct {
	l *ledger.Ledger
}

func (a *escrowLedgerAdapter) CreditSeller(ctx context.Context, sellerID string, amount int64, currency, referenceID string) error {
	_, err := a.l.Apply(ctx, ledger.ApplyRequest{
		UserID:      sellerID,
		Type:        ledger.TypeDeposit,
		Amount:      amount,
		Currency:    currency,
		ReferenceID: referenceID,
		Metadata:    map[string]string{"kind": "escrow_release"},
	})
	return err
}

func (a *escrowLedgerAdapter) RefundBuyer(ctx context.Context, buyerID string, amount int64, currency, referenceID string) error {
	_, err := a.l.Refund(ctx, buyerID, amount, currency, referenceID)
	return err
}

// disputeEscrowAdapter adapts escrow.Service to dispute.EscrowService
type disputeEscrowAdapter struct {
	e *escrow.Service
}

func (a *disputeEscrowAdapter) MarkDisputed(ctx context.Context, transactionID string) error {
	_, err := a.e.MarkDisputed(ctx, transactionID)
	if errors.Is(err, escrow.ErrAlreadyInState) {
		// Already frozen; the dispute engine attaches its dispute to it
		return nil
	}
	return err
}

func (a *disputeEscrowAdapter) Release(ctx context.Context, transactionID string) error {
	_, err := a.e.Release(ctx, transactionID)
	return err
}

func (a *disputeEscrowAdapter) Refund(ctx context.Context, transactionID string) error {
	_, err := a.e.Refund(ctx, transactionID)
	return err
}

// ledgerEventFanout implements ledger.Notifier, streaming wallet
// activity to realtime subscribers.
type ledgerEventFanout struct {
	hub *realtime.Hub
}

func (f *ledgerEventFanout) WalletTransactionRecorded(txn *ledger.Transaction) {
	if f.hub == nil {
		return
	}
	f.hub.BroadcastWalletTransaction(map[string]interface{}{
		"transaction_id": txn.ID,
		"user_id":        txn.UserID,
		"type":           string(txn.Type),
		"amount":         txn.Amount,
		"currency":       txn.Currency,
		"reference_id":   txn.ReferenceID,
	})
}

// escrowEventFanout implements escrow.Notifier, forwarding to webhooks
// and the realtime hub.
type escrowEventFanout struct {
	emitter *notify.Emitter
	hub     *realtime.Hub
}

func (f *escrowEventFanout) EscrowReleased(txn *escrow.Transaction) {
	f.emitter.EscrowReleased(txn)
	if f.hub != nil {
		f.hub.BroadcastEscrowTransition(map[string]interface{}{
			"transaction_id": txn.ID,
			"buyer_id":       txn.BuyerID,
			"seller_id":      txn.SellerID,
			"item_id":        txn.ItemID,
			"amount":         txn.Price,
			"status":         string(txn.Status),
		})
	}
}

func (f *escrowEventFanout) EscrowRefunded(txn *escrow.Transaction) {
	f.emitter.EscrowRefunded(txn)
	if f.hub != nil {
		f.hub.BroadcastEscrowTransition(map[string]interface{}{
			"transaction_id": txn.ID,
			"buyer_id":       txn.BuyerID,
			"seller_id":      txn.SellerID,
			"item_id":        txn.ItemID,
			"amount":         txn.Price,
			"status":         string(txn.Status),
		})
	}
}

// disputeEventFanout implements dispute.Notifier.
type disputeEventFanout struct {
	emitter *notify.Emitter
	hub     *realtime.Hub
}

func (f *disputeEventFanout) DisputeOpened(d *dispute.Dispute) {
	f.emitter.DisputeOpened(d)
	if f.hub != nil {
		f.hub.BroadcastDispute(map[string]interface{}{
			"dispute_id":     d.ID,
			"transaction_id": d.TransactionID,
			"user_id":        d.CreatedByID,
			"type":           string(d.Type),
			"status":         string(d.Status),
		})
	}
}

// checkoutEventFanout implements checkout.Notifier.
type checkoutEventFanout struct {
	emitter *notify.Emitter
}

func (f *checkoutEventFanout) CheckoutCompleted(buyerID string, result *checkout.Result) {
	f.emitter.CheckoutCompleted(buyerID, result)
}
