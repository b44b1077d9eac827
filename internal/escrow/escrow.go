// Package escrow manages buyer-protection transactions for collectible sales.
//
// Flow:
//  1. Checkout creates a transaction (fees computed once) → pending
//  2. Payment processor authorizes → held
//  3. Delivery confirmed or window elapses → released, seller credited
//  4. Dispute opened → disputed, release frozen until resolution
//  5. Resolution favors buyer → refunded, buyer credited
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slabworks/slabmarket/internal/idgen"
	"github.com/slabworks/slabmarket/internal/metrics"
	"github.com/slabworks/slabmarket/internal/money"
	"github.com/slabworks/slabmarket/internal/traces"
)

var (
	ErrNotFound             = errors.New("transaction not found")
	ErrInvalidTransition    = errors.New("invalid escrow status transition")
	ErrAlreadyInState       = errors.New("transaction already in requested state")
	ErrDisputeBlocksRelease = errors.New("open dispute blocks release")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrSameParty            = errors.New("buyer and seller cannot be the same user")
)

// Status is the escrow state of a transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// ShippingStatus tracks physical fulfillment. Purely informational; it
// never gates escrow transitions.
type ShippingStatus string

const (
	ShippingPreparing ShippingStatus = "preparing"
	ShippingShipped   ShippingStatus = "shipped"
	ShippingDelivered ShippingStatus = "delivered"
)

// Outcome of a dispute resolution.
const (
	OutcomeBuyer  = "buyer"
	OutcomeSeller = "seller"
)

// transitions is the full set of allowed escrow status moves.
// Dispute precedence is structural: held may move to disputed, and a
// disputed transaction only leaves through release or refund.
var transitions = map[Status][]Status{
	StatusPending:  {StatusHeld},
	StatusHeld:     {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed: {StatusReleased, StatusRefunded},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// FeePolicy is the fee schedule applied at creation time.
type FeePolicy struct {
	MarketplaceBps  int64
	ProcessingBps   int64
	ProcessingFixed int64
}

// DefaultFeePolicy: 5% marketplace fee, 2.9% + 30¢ processing.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{MarketplaceBps: 500, ProcessingBps: 290, ProcessingFixed: 30}
}

// Transaction is one escrowed sale of a single item.
// The fee split is computed once at creation and never recomputed:
// SellerReceives + MarketplaceFee + ProcessingFee == Price always holds.
type Transaction struct {
	ID             string         `json:"id"`
	BuyerID        string         `json:"buyer_id"`
	SellerID       string         `json:"seller_id"`
	ItemID         string         `json:"item_id"`
	Price          int64          `json:"price"`
	MarketplaceFee int64          `json:"marketplace_fee"`
	ProcessingFee  int64          `json:"processing_fee"`
	SellerReceives int64          `json:"seller_receives"`
	Currency       string         `json:"currency"`
	Status         Status         `json:"status"`
	ShippingStatus ShippingStatus `json:"shipping_status"`
	TrackingNumber string         `json:"tracking_number,omitempty"`
	ProcessorRef   string         `json:"processor_ref,omitempty"`
	AutoReleaseAt  time.Time      `json:"auto_release_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Store persists escrow transactions.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}

// LedgerService abstracts wallet credits so escrow doesn't import ledger.
type LedgerService interface {
	CreditSeller(ctx context.Context, sellerID string, amount int64, currency, referenceID string) error
	RefundBuyer(ctx context.Context, buyerID string, amount int64, currency, referenceID string) error
}

// ResolutionGate reports dispute state for a transaction. The dispute
// engine implements it; release consults it whenever a transaction sits
// in disputed.
type ResolutionGate interface {
	// Resolution returns the recorded outcome for the transaction's
	// dispute and whether the dispute has been resolved at all.
	Resolution(ctx context.Context, transactionID string) (outcome string, resolved bool, err error)
}

// Notifier receives fire-and-forget lifecycle signals.
type Notifier interface {
	EscrowReleased(txn *Transaction)
	EscrowRefunded(txn *Transaction)
}

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	BuyerID  string
	SellerID string
	ItemID   string
	Price    int64
	Currency string
}

// Service implements escrow business logic.
type Service struct {
	store            Store
	ledger           LedgerService
	fees             FeePolicy
	autoReleaseAfter time.Duration
	gate             ResolutionGate
	notifier         Notifier
	locks            sync.Map // per-transaction ID locks
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, fees FeePolicy, autoReleaseAfter time.Duration) *Service {
	return &Service{
		store:            store,
		ledger:           ledger,
		fees:             fees,
		autoReleaseAfter: autoReleaseAfter,
	}
}

// WithResolutionGate attaches the dispute engine's resolution view.
func (s *Service) WithResolutionGate(g ResolutionGate) *Service {
	s.gate = g
	return s
}

// WithNotifier attaches a fire-and-forget notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// txnLock returns a mutex for the given transaction ID.
// Prevents concurrent transitions (e.g. release + dispute racing).
func (s *Service) txnLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create computes the fee split and persists a pending transaction.
// Never touches the wallet ledger.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.UserID(req.BuyerID), traces.ItemID(req.ItemID), traces.Amount(req.Price))
	defer span.End()

	if req.Price <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}
	if !money.ValidCurrency(req.Currency) {
		return nil, fmt.Errorf("%w: bad currency %q", ErrInvalidAmount, req.Currency)
	}

	marketplaceFee := money.RoundHalfUpBps(req.Price, s.fees.MarketplaceBps)
	processingFee := money.RoundHalfUpBps(req.Price, s.fees.ProcessingBps) + s.fees.ProcessingFixed
	sellerReceives := req.Price - marketplaceFee - processingFee
	if sellerReceives < 0 {
		return nil, fmt.Errorf("%w: price %d does not cover fees", ErrInvalidAmount, req.Price)
	}

	now := time.Now().UTC()
	txn := &Transaction{
		ID:             idgen.WithPrefix("esc_"),
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		ItemID:         req.ItemID,
		Price:          req.Price,
		MarketplaceFee: marketplaceFee,
		ProcessingFee:  processingFee,
		SellerReceives: sellerReceives,
		Currency:       req.Currency,
		Status:         StatusPending,
		ShippingStatus: ShippingPreparing,
		AutoReleaseAt:  now.Add(s.autoReleaseAfter),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	return txn, nil
}

// MarkHeld records a confirmed payment authorization: pending → held.
// The auto release window restarts here: it measures time holding the
// buyer's funds, not time since checkout created the row.
func (s *Service) MarkHeld(ctx context.Context, id, processorRef string) (*Transaction, error) {
	return s.transition(ctx, id, StatusHeld, func(txn *Transaction) error {
		txn.ProcessorRef = processorRef
		txn.AutoReleaseAt = time.Now().UTC().Add(s.autoReleaseAfter)
		return nil
	})
}

// MarkDisputed freezes the transaction: held → disputed. Called by the
// dispute engine when a dispute opens. Idempotent on an already
// disputed transaction.
func (s *Service) MarkDisputed(ctx context.Context, id string) (*Transaction, error) {
	return s.transition(ctx, id, StatusDisputed, nil)
}

// Release credits the seller and finalizes the transaction.
// Allowed from held, or from disputed when the dispute resolved in the
// seller's favor. The status is re-checked under the per-transaction
// lock, so a dispute that lands before the release wins.
func (s *Service) Release(ctx context.Context, id string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.TransactionID(id))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if txn.Status == StatusReleased {
		return nil, ErrAlreadyInState
	}
	if txn.Status == StatusDisputed {
		if err := s.checkGate(ctx, id, OutcomeSeller); err != nil {
			return nil, err
		}
	} else if !canTransition(txn.Status, StatusReleased) {
		return nil, fmt.Errorf("%w: %s → released", ErrInvalidTransition, txn.Status)
	}

	if err := s.ledger.CreditSeller(ctx, txn.SellerID, txn.SellerReceives, txn.Currency, txn.ID); err != nil {
		return nil, fmt.Errorf("failed to credit seller: %w", err)
	}

	now := time.Now().UTC()
	txn.Status = StatusReleased
	txn.CompletedAt = &now
	txn.UpdatedAt = now

	if err := s.store.Update(ctx, txn); err != nil {
		// Funds already moved; the record must reflect it
		if retryErr := s.store.Update(ctx, txn); retryErr != nil {
			return nil, fmt.Errorf("seller credited but status update failed (requires manual resolution): %w", retryErr)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleased)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(txn.CreatedAt).Seconds())
	if s.notifier != nil {
		s.notifier.EscrowReleased(txn)
	}
	return txn, nil
}

// Refund credits the buyer the full price and finalizes the transaction.
// Allowed from held (cancellation before shipment) or from disputed when
// the dispute resolved in the buyer's favor.
func (s *Service) Refund(ctx context.Context, id string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.TransactionID(id))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if txn.Status == StatusRefunded {
		return nil, ErrAlreadyInState
	}
	if txn.Status == StatusDisputed {
		if err := s.checkGate(ctx, id, OutcomeBuyer); err != nil {
			return nil, err
		}
	} else if !canTransition(txn.Status, StatusRefunded) {
		return nil, fmt.Errorf("%w: %s → refunded", ErrInvalidTransition, txn.Status)
	}

	if err := s.ledger.RefundBuyer(ctx, txn.BuyerID, txn.Price, txn.Currency, txn.ID); err != nil {
		return nil, fmt.Errorf("failed to refund buyer: %w", err)
	}

	now := time.Now().UTC()
	txn.Status = StatusRefunded
	txn.CompletedAt = &now
	txn.UpdatedAt = now

	if err := s.store.Update(ctx, txn); err != nil {
		if retryErr := s.store.Update(ctx, txn); retryErr != nil {
			return nil, fmt.Errorf("buyer refunded but status update failed (requires manual resolution): %w", retryErr)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(txn.CreatedAt).Seconds())
	if s.notifier != nil {
		s.notifier.EscrowRefunded(txn)
	}
	return txn, nil
}

// checkGate verifies a disputed transaction may finalize with the given
// outcome. No gate or an unresolved dispute blocks release and refund
// alike; the dispute engine is the only path out.
func (s *Service) checkGate(ctx context.Context, id, wantOutcome string) error {
	if s.gate == nil {
		return ErrDisputeBlocksRelease
	}
	outcome, resolved, err := s.gate.Resolution(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check dispute resolution: %w", err)
	}
	if !resolved || outcome != wantOutcome {
		return ErrDisputeBlocksRelease
	}
	return nil
}

// UpdateShipping records fulfillment progress. Independent of escrow
// status.
func (s *Service) UpdateShipping(ctx context.Context, id string, status ShippingStatus, trackingNumber string) (*Transaction, error) {
	switch status {
	case ShippingPreparing, ShippingShipped, ShippingDelivered:
	default:
		return nil, fmt.Errorf("%w: unknown shipping status %q", ErrInvalidTransition, status)
	}

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	txn.ShippingStatus = status
	if trackingNumber != "" {
		txn.TrackingNumber = trackingNumber
	}
	txn.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns transactions where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// transition applies a simple table-checked status change under the
// per-transaction lock. mutate, if set, runs before persisting.
func (s *Service) transition(ctx context.Context, id string, to Status, mutate func(*Transaction) error) (*Transaction, error) {
	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if txn.Status == to {
		return nil, ErrAlreadyInState
	}
	if !canTransition(txn.Status, to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, txn.Status, to)
	}

	if mutate != nil {
		if err := mutate(txn); err != nil {
			return nil, err
		}
	}
	txn.Status = to
	txn.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, txn); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	return txn, nil
}
