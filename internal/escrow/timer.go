package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically releases held transactions whose delivery window
// has elapsed. Disputed transactions never appear in the candidate list
// and a dispute landing between the list and the release loses nothing:
// Release re-checks status under the per-transaction lock.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new auto-release timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReleaseExpired(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeReleaseExpired(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.releaseExpired(ctx)
}

func (t *Timer) releaseExpired(ctx context.Context) {
	candidates, err := t.store.ListAutoReleasable(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.logger.Warn("failed to list releasable transactions", "error", err)
		return
	}

	for _, txn := range candidates {
		_, err := t.service.Release(ctx, txn.ID)
		if err != nil {
			if errors.Is(err, ErrDisputeBlocksRelease) || errors.Is(err, ErrAlreadyInState) {
				continue
			}
			t.logger.Warn("failed to auto-release transaction",
				"transaction_id", txn.ID, "error", err)
			continue
		}
		t.logger.Info("auto-released transaction",
			"transaction_id", txn.ID,
			"seller_id", txn.SellerID,
			"amount", txn.SellerReceives,
		)
	}
}
