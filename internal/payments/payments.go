// Package payments wraps the external card processor behind a small
// authorize-only interface. The money core only ever looks at the
// boolean outcome and the opaque reference.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrProcessorUnavailable marks transport-level processor failures.
// Declines are not errors; they come back as Authorized=false.
var ErrProcessorUnavailable = errors.New("payment processor unavailable")

// AuthorizeRequest asks the processor to place a hold on the buyer's
// payment method.
type AuthorizeRequest struct {
	Amount      int64
	Currency    string
	BuyerID     string
	SellerID    string
	Description string
}

// Authorization is the processor's answer.
type Authorization struct {
	Authorized bool   `json:"authorized"`
	Reference  string `json:"reference,omitempty"`
	Declined   string `json:"declined,omitempty"` // reason, when not authorized
}

// Processor authorizes payments.
type Processor interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)
}

// StaticProcessor is a configurable in-memory processor for demo and
// test mode. By default everything authorizes.
type StaticProcessor struct {
	mu            sync.Mutex
	declineBuyers map[string]string // buyer ID → decline reason
	declineAbove  int64             // decline amounts above this when > 0
	failWith      error             // transport failure when set
	seq           int
}

// NewStaticProcessor creates a processor that approves everything.
func NewStaticProcessor() *StaticProcessor {
	return &StaticProcessor{declineBuyers: make(map[string]string)}
}

// DeclineBuyer makes all future authorizations for the buyer decline.
func (s *StaticProcessor) DeclineBuyer(buyerID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declineBuyers[buyerID] = reason
}

// DeclineAbove declines any amount strictly above the threshold.
func (s *StaticProcessor) DeclineAbove(amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declineAbove = amount
}

// FailWith makes Authorize return a transport error.
func (s *StaticProcessor) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *StaticProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return nil, s.failWith
	}
	if reason, ok := s.declineBuyers[req.BuyerID]; ok {
		return &Authorization{Authorized: false, Declined: reason}, nil
	}
	if s.declineAbove > 0 && req.Amount > s.declineAbove {
		return &Authorization{Authorized: false, Declined: "amount_too_large"}, nil
	}

	s.seq++
	return &Authorization{Authorized: true, Reference: fmt.Sprintf("static_auth_%06d", s.seq)}, nil
}
