package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/estatepay/internal/events"
	"github.com/mbd888/estatepay/internal/metrics"
)

// ExpiryTimer periodically releases reservations whose hold has lapsed.
type ExpiryTimer struct {
	reconciler *Reconciler
	store      Store
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewExpiryTimer creates a reservation expiry timer.
func NewExpiryTimer(reconciler *Reconciler, store Store, logger *slog.Logger) *ExpiryTimer {
	return &ExpiryTimer{
		reconciler: reconciler,
		store:      store,
		interval:   60 * time.Second,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// WithInterval sets the sweep interval.
func (t *ExpiryTimer) WithInterval(d time.Duration) *ExpiryTimer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *ExpiryTimer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *ExpiryTimer) Start(ctx context.Context) {
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
func (t *ExpiryTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *ExpiryTimer) safeReleaseExpired(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reservation expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.releaseExpired(ctx)
}

func (t *ExpiryTimer) releaseExpired(ctx context.Context) {
	now := t.reconciler.now()

	expired, err := t.store.ListExpiredReservations(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list expired reservations", "error", err)
		return
	}

	for _, unit := range expired {
		released, err := t.reconciler.Release(ctx, unit.ID)
		if err != nil {
			t.logger.Warn("failed to release reservation", "unitId", unit.ID, "error", err)
			continue
		}
		if released {
			t.logger.Info("reservation released",
				"unitId", unit.ID,
				"buyerId", unit.ReservedBy,
				"invoiceId", unit.InvoiceID,
			)
		}
	}
}

// Release returns a lapsed reservation to AVAILABLE. The unit is re-read
// under its row lock; a unit sold or re-held in the meantime is left alone
// and Release reports false. Money already paid on the lapsed invoice is
// queued for review with a refund request.
func (r *Reconciler) Release(ctx context.Context, unitID string) (bool, error) {
	peek, err := r.store.GetUnit(ctx, unitID)
	if err != nil {
		return false, wrap("release reservation", err)
	}

	out := &Outcome{}
	released := false
	err = r.store.RunInTx(ctx, func(tx Tx) error {
		// Invoice before unit, the order reconciliation locks them in.
		var inv *Invoice
		if peek.InvoiceID != "" {
			var err error
			inv, err = tx.LockInvoice(ctx, peek.InvoiceID)
			if err != nil && !errors.Is(err, ErrInvoiceNotFound) {
				return err
			}
		}
		unit, err := tx.LockUnit(ctx, unitID)
		if err != nil {
			return err
		}
		now := r.now()
		if unit.Status != UnitReserved || unit.ReservedUntil == nil || !unit.ReservedUntil.Before(now) ||
			unit.InvoiceID != peek.InvoiceID {
			return nil
		}

		buyerID, invoiceID := unit.ReservedBy, unit.InvoiceID
		unit.Status = UnitAvailable
		unit.ReservedBy = ""
		unit.ReservedUntil = nil
		unit.InvoiceID = ""
		unit.UpdatedAt = now
		if err := tx.UpdateUnit(ctx, unit); err != nil {
			return err
		}

		released = true
		out.InvoiceID = invoiceID
		out.emit(events.UnitReleased, invoiceID, map[string]any{
			"unitId":  unit.ID,
			"buyerId": buyerID,
			"reason":  "reservation_expired",
		})
		out.emit(events.NotificationRequested, invoiceID, map[string]any{
			"template": "reservation_expired",
			"buyerId":  buyerID,
			"unitId":   unit.ID,
		})

		if inv == nil {
			return nil
		}
		paid, err := tx.SumCompleted(ctx, inv.ID)
		if err != nil {
			return err
		}
		if !paid.IsPositive() {
			return nil
		}
		inv.NeedsReview = true
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		detail := fmt.Sprintf("hold on unit %s lapsed with %s paid on invoice %s", unit.ID, paid, inv.ID)
		if err := r.queueReview(ctx, tx, ReviewHoldLapsed, inv.ID, "", detail, out); err != nil {
			return err
		}
		out.emit(events.RefundRequested, inv.ID, map[string]any{
			"buyerId": inv.BuyerID,
			"amount":  paid.String(),
			"reason":  "reservation_expired",
		})
		return nil
	})
	if err != nil {
		return false, wrap("release reservation", err)
	}
	if released {
		metrics.ReservationsReleasedTotal.Inc()
		r.finish(ctx, out)
	}
	return released, nil
}
