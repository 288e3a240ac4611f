package sales

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// InboxTimer retries recorded callbacks that have not been reconciled yet.
type InboxTimer struct {
	reconciler *Reconciler
	store      Store
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewInboxTimer creates a callback inbox timer.
func NewInboxTimer(reconciler *Reconciler, store Store, logger *slog.Logger) *InboxTimer {
	return &InboxTimer{
		reconciler: reconciler,
		store:      store,
		interval:   15 * time.Second,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// WithInterval sets the retry interval.
func (t *InboxTimer) WithInterval(d time.Duration) *InboxTimer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *InboxTimer) Running() bool {
	return t.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
func (t *InboxTimer) Start(ctx context.Context) {
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
			t.safeDrain(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *InboxTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *InboxTimer) safeDrain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in callback inbox timer", "panic", fmt.Sprint(r))
		}
	}()
	t.drain(ctx)
}

func (t *InboxTimer) drain(ctx context.Context) {
	due, err := t.store.ListDueInbox(ctx, t.reconciler.now(), 50)
	if err != nil {
		t.logger.Warn("failed to list due callbacks", "error", err)
		return
	}
	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		t.reconciler.ProcessInbox(ctx, entry)
	}
}
