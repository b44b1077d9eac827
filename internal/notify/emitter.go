package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/slabworks/slabmarket/internal/checkout"
	"github.com/slabworks/slabmarket/internal/dispute"
	"github.com/slabworks/slabmarket/internal/escrow"
	"github.com/slabworks/slabmarket/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slabmarket",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slabmarket",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
// It satisfies the notifier hooks in escrow, dispute, and checkout.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(userID string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "user_id", userID, "error", err)
	}
}

// EscrowReleased emits an escrow.released event to the seller.
func (e *Emitter) EscrowReleased(txn *escrow.Transaction) {
	e.emit(txn.SellerID, EventEscrowReleased, map[string]any{
		"transaction_id":  txn.ID,
		"buyer_id":        txn.BuyerID,
		"seller_id":       txn.SellerID,
		"item_id":         txn.ItemID,
		"seller_receives": txn.SellerReceives,
		"currency":        txn.Currency,
	})
}

// EscrowRefunded emits an escrow.refunded event to the buyer.
func (e *Emitter) EscrowRefunded(txn *escrow.Transaction) {
	e.emit(txn.BuyerID, EventEscrowRefunded, map[string]any{
		"transaction_id": txn.ID,
		"buyer_id":       txn.BuyerID,
		"seller_id":      txn.SellerID,
		"item_id":        txn.ItemID,
		"price":          txn.Price,
		"currency":       txn.Currency,
	})
}

// DisputeOpened emits a dispute.opened event to the filer.
func (e *Emitter) DisputeOpened(d *dispute.Dispute) {
	e.emit(d.CreatedByID, EventDisputeOpened, map[string]any{
		"dispute_id":     d.ID,
		"transaction_id": d.TransactionID,
		"created_by_id":  d.CreatedByID,
		"type":           string(d.Type),
		"priority":       string(d.Priority),
	})
}

// CheckoutCompleted emits a checkout.completed event to the buyer.
func (e *Emitter) CheckoutCompleted(buyerID string, result *checkout.Result) {
	e.emit(buyerID, EventCheckoutCompleted, map[string]any{
		"buyer_id":        buyerID,
		"transaction_ids": result.TransactionIDs,
		"failed_items":    len(result.Errors),
	})
}
