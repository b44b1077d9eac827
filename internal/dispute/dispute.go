// Package dispute runs the resolution workflow for contested transactions.
//
// Flow:
//  1. Buyer or seller opens a dispute → linked transaction frozen (disputed)
//  2. Moderator assigned → under_review
//  3. Moderator resolves with a buyer or seller outcome → funds move once
//  4. Dispute closed → terminal, no further changes
package dispute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slabworks/slabmarket/internal/idgen"
	"github.com/slabworks/slabmarket/internal/metrics"
	"github.com/slabworks/slabmarket/internal/retry"
	"github.com/slabworks/slabmarket/internal/traces"
)

var (
	ErrNotFound       = errors.New("dispute not found")
	ErrAlreadyExists  = errors.New("dispute already exists for this transaction")
	ErrClosed         = errors.New("dispute is closed")
	ErrAlreadyInState = errors.New("dispute already in requested state")
	ErrNotResolved    = errors.New("dispute is not resolved")
	ErrInvalidOutcome = errors.New("invalid resolution outcome")
	ErrInvalidType    = errors.New("invalid dispute type")
)

// Status of a dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
	StatusEscalated   Status = "escalated"
)

// Active reports whether the dispute still freezes its transaction.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview || s == StatusEscalated
}

// Type categorizes the complaint.
type Type string

const (
	TypeItemNotReceived     Type = "item_not_received"
	TypeItemNotAsDescribed  Type = "item_not_as_described"
	TypeDamagedItem         Type = "damaged_item"
	TypeWrongItem           Type = "wrong_item"
	TypeOther               Type = "other"
)

func validType(t Type) bool {
	switch t {
	case TypeItemNotReceived, TypeItemNotAsDescribed, TypeDamagedItem, TypeWrongItem, TypeOther:
		return true
	}
	return false
}

// Priority of a dispute.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Outcome values for a resolution.
const (
	OutcomeBuyer  = "buyer"
	OutcomeSeller = "seller"
)

// Dispute is attached 1:1 to an escrow transaction.
type Dispute struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	CreatedByID   string     `json:"created_by_id"`
	Type          Type       `json:"type"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Priority      Priority   `json:"priority"`
	Status        Status     `json:"status"`
	Resolution    string     `json:"resolution,omitempty"`
	Outcome       string     `json:"outcome,omitempty"`
	ModeratorID   string     `json:"moderator_id,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Store persists disputes. Create must reject a second dispute for the
// same transaction with ErrAlreadyExists.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
}

// EscrowService is the slice of the escrow manager the engine needs.
// MarkDisputed must report success on an already disputed transaction
// so a retried open can attach its dispute.
type EscrowService interface {
	MarkDisputed(ctx context.Context, transactionID string) error
	Release(ctx context.Context, transactionID string) error
	Refund(ctx context.Context, transactionID string) error
}

// Notifier receives fire-and-forget dispute signals.
type Notifier interface {
	DisputeOpened(d *Dispute)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	TransactionID string
	CreatedByID   string
	Type          Type
	Title         string
	Description   string
	Priority      Priority
}

// Engine implements the dispute workflow. It also implements escrow's
// ResolutionGate so a seller-favoring resolution unblocks release.
type Engine struct {
	store    Store
	escrow   EscrowService
	notifier Notifier
	locks    sync.Map // per-dispute ID locks
}

// NewEngine creates a new dispute engine.
func NewEngine(store Store, escrowSvc EscrowService) *Engine {
	return &Engine{store: store, escrow: escrowSvc}
}

// WithNotifier attaches a fire-and-forget notifier.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

func (e *Engine) disputeLock(id string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open creates a dispute and freezes the linked transaction.
// At most one dispute per transaction.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		traces.TransactionID(req.TransactionID), traces.UserID(req.CreatedByID))
	defer span.End()

	if !validType(req.Type) {
		return nil, ErrInvalidType
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	// Freeze first. A transaction that cannot move to disputed must not
	// leave a dispute row behind, or the one-dispute-per-transaction
	// rule would block a later legitimate claim.
	if err := e.escrow.MarkDisputed(ctx, req.TransactionID); err != nil {
		return nil, fmt.Errorf("failed to freeze transaction: %w", err)
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: req.TransactionID,
		CreatedByID:   req.CreatedByID,
		Type:          req.Type,
		Title:         req.Title,
		Description:   req.Description,
		Priority:      priority,
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// A store failure here leaves the transaction frozen with no
	// dispute attached; a retried open picks it up because the freeze
	// is idempotent.
	if err := e.store.Create(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	if e.notifier != nil {
		e.notifier.DisputeOpened(d)
	}
	return d, nil
}

// AssignModerator moves the dispute to under_review.
func (e *Engine) AssignModerator(ctx context.Context, id, moderatorID string) (*Dispute, error) {
	mu := e.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if d.Status == StatusClosed {
		return nil, ErrClosed
	}
	if d.Status == StatusUnderReview && d.ModeratorID == moderatorID {
		return nil, ErrAlreadyInState
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyInState
	}

	d.ModeratorID = moderatorID
	d.Status = StatusUnderReview
	d.UpdatedAt = time.Now().UTC()

	if err := e.store.Update(ctx, d); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("assigned").Inc()
	return d, nil
}

// Resolve records the outcome and moves the escrowed funds exactly once:
// a buyer outcome refunds the buyer, a seller outcome pays the seller.
func (e *Engine) Resolve(ctx context.Context, id, resolutionText, resolvedByID, outcome string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id))
	defer span.End()

	if outcome != OutcomeBuyer && outcome != OutcomeSeller {
		return nil, ErrInvalidOutcome
	}

	mu := e.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if d.Status == StatusClosed {
		return nil, ErrClosed
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyInState
	}

	now := time.Now().UTC()
	d.Resolution = resolutionText
	d.Outcome = outcome
	d.ModeratorID = resolvedByID
	d.Status = StatusResolved
	d.ResolvedAt = &now
	d.UpdatedAt = now

	// Persist the resolution before moving money so the escrow gate
	// already reports the outcome when release/refund re-checks it.
	if err := e.store.Update(ctx, d); err != nil {
		return nil, err
	}

	// Transient ledger failures are retried; the dispute stays resolved
	// either way, so a failed move can be replayed through the escrow
	// endpoints without re-resolving.
	err = retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		if outcome == OutcomeBuyer {
			return e.escrow.Refund(ctx, d.TransactionID)
		}
		return e.escrow.Release(ctx, d.TransactionID)
	})
	if err != nil {
		return nil, fmt.Errorf("dispute resolved but fund movement failed: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	return d, nil
}

// Close finalizes a resolved dispute. Terminal; nothing changes
// afterwards. An unresolved dispute cannot close: its transaction is
// still frozen and resolution is the only exit for it.
func (e *Engine) Close(ctx context.Context, id string) (*Dispute, error) {
	mu := e.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if d.Status == StatusClosed {
		return nil, ErrAlreadyInState
	}
	if d.Status != StatusResolved {
		return nil, ErrNotResolved
	}

	d.Status = StatusClosed
	d.UpdatedAt = time.Now().UTC()

	if err := e.store.Update(ctx, d); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("closed").Inc()
	return d, nil
}

// Escalate bumps priority and flags the dispute for senior review.
func (e *Engine) Escalate(ctx context.Context, id string) (*Dispute, error) {
	mu := e.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if d.Status == StatusClosed {
		return nil, ErrClosed
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyInState
	}
	if d.Status == StatusEscalated {
		return nil, ErrAlreadyInState
	}

	d.Status = StatusEscalated
	d.Priority = bumpPriority(d.Priority)
	d.UpdatedAt = time.Now().UTC()

	if err := e.store.Update(ctx, d); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("escalated").Inc()
	return d, nil
}

// Get returns a dispute by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Dispute, error) {
	return e.store.Get(ctx, id)
}

// ListOpen returns disputes still awaiting resolution.
func (e *Engine) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListOpen(ctx, limit)
}

// Resolution implements escrow.ResolutionGate: reports the recorded
// outcome for a transaction's dispute, if any.
func (e *Engine) Resolution(ctx context.Context, transactionID string) (string, bool, error) {
	d, err := e.store.GetByTransaction(ctx, transactionID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if d.Status != StatusResolved && d.Status != StatusClosed {
		return "", false, nil
	}
	return d.Outcome, d.Outcome != "", nil
}

func bumpPriority(p Priority) Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}
