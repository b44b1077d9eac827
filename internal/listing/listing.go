// Package listing tracks the sellable inventory of graded cards.
// The money core only needs availability: each listing is a unique
// physical item, so a successful checkout hold marks it unavailable.
package listing

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("listing not found")
	ErrUnavailable = errors.New("item is not available")
)

// Listing is one item for sale.
type Listing struct {
	ItemID    string `json:"item_id"`
	SellerID  string `json:"seller_id"`
	Price     int64  `json:"price"`
	Currency  string `json:"currency"`
	Available bool   `json:"available"`
}

// Store persists listings.
type Store interface {
	Put(ctx context.Context, l *Listing) error
	Get(ctx context.Context, itemID string) (*Listing, error)
	SetAvailable(ctx context.Context, itemID string, available bool) error
}

// Service answers availability questions for checkout.
type Service struct {
	store Store
}

// NewService creates a listing service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Put upserts a listing.
func (s *Service) Put(ctx context.Context, l *Listing) error {
	return s.store.Put(ctx, l)
}

// Get returns a listing by item ID.
func (s *Service) Get(ctx context.Context, itemID string) (*Listing, error) {
	return s.store.Get(ctx, itemID)
}

// CheckAvailable implements the checkout availability check: the item
// must exist and still be for sale.
func (s *Service) CheckAvailable(ctx context.Context, itemID string) error {
	l, err := s.store.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if !l.Available {
		return ErrUnavailable
	}
	return nil
}

// MarkSold takes the item off the market once a checkout holds it.
func (s *Service) MarkSold(ctx context.Context, itemID string) error {
	return s.store.SetAvailable(ctx, itemID, false)
}
