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
	"github.com/mbd888/estatepay/internal/mpesa"
)

// PendingTimer resolves push requests whose callback never arrived. Each
// stale PENDING transaction is queried at the gateway; a definitive answer
// is reconciled like a callback, and one still unanswered after twice the
// timeout is expired.
type PendingTimer struct {
	store      Store
	gateway    Gateway
	reconciler *Reconciler
	timeout    time.Duration
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewPendingTimer creates a pending-transaction timer. timeout is how long
// a push may stay unanswered before the gateway is queried.
func NewPendingTimer(store Store, gateway Gateway, reconciler *Reconciler, timeout time.Duration, logger *slog.Logger) *PendingTimer {
	return &PendingTimer{
		store:      store,
		gateway:    gateway,
		reconciler: reconciler,
		timeout:    timeout,
		interval:   30 * time.Second,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// WithInterval sets the sweep interval.
func (t *PendingTimer) WithInterval(d time.Duration) *PendingTimer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *PendingTimer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *PendingTimer) Start(ctx context.Context) {
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
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *PendingTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *PendingTimer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in pending transaction timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *PendingTimer) sweep(ctx context.Context) {
	now := t.reconciler.now()

	stale, err := t.store.ListPendingTransactions(ctx, now.Add(-t.timeout), 100)
	if err != nil {
		t.logger.Warn("failed to list pending transactions", "error", err)
		return
	}

	for _, txn := range stale {
		t.resolve(ctx, txn, now)
	}
}

func (t *PendingTimer) resolve(ctx context.Context, txn *Transaction, now time.Time) {
	res, err := t.gateway.STKQuery(ctx, txn.CorrelationID)
	if err == nil {
		_, err = t.reconciler.Reconcile(ctx, Callback{
			CorrelationID: txn.CorrelationID,
			SecondaryID:   res.MerchantRequestID,
			ResultCode:    int(res.ResultCode),
			ResultDesc:    res.ResultDesc,
			Metadata:      map[string]any{"source": "stk_query"},
		})
		if err != nil && KindOf(err) != KindStateConflict {
			t.logger.Warn("failed to reconcile queried transaction", "correlationId", txn.CorrelationID, "error", err)
		}
		return
	}

	if !errors.Is(err, mpesa.ErrStillProcessing) {
		t.logger.Warn("stk query failed", "correlationId", txn.CorrelationID, "error", err)
	}
	if now.Sub(txn.CreatedAt) < 2*t.timeout {
		return
	}
	if _, err := t.reconciler.Expire(ctx, txn.CorrelationID); err != nil {
		t.logger.Warn("failed to expire pending transaction", "correlationId", txn.CorrelationID, "error", err)
	}
}

// Expire times out a PENDING transaction that never got an answer. Its
// payment fails and the invoice's in-flight marker is cleared. The dedup
// mark is not set, so a success callback arriving later is still seen and
// queued for review.
func (r *Reconciler) Expire(ctx context.Context, correlationID string) (*Outcome, error) {
	unlock, err := r.locks.LockContext(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := &Outcome{CorrelationID: correlationID}
	err = r.store.RunInTx(ctx, func(tx Tx) error {
		txn, err := tx.LockTransaction(ctx, correlationID)
		if err != nil {
			return err
		}
		out.InvoiceID = txn.InvoiceID
		if txn.Status.IsTerminal() {
			out.Result = ResultDuplicate
			out.TransactionStatus = txn.Status
			return nil
		}

		inv, err := tx.LockInvoice(ctx, txn.InvoiceID)
		if err != nil {
			return err
		}
		now := r.now()
		txn.Status = TxnTimeout
		txn.ResultDescription = "no callback received"
		txn.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, txn); err != nil {
			return err
		}
		if err := r.failAttempt(ctx, tx, txn, inv, now); err != nil {
			return err
		}

		out.Result = ResultFailed
		out.TransactionStatus = txn.Status
		out.InvoiceStatus = inv.Status
		out.PaymentID = txn.PaymentID
		out.emit(events.PaymentFailed, inv.ID, map[string]any{
			"correlationId": txn.CorrelationID,
			"paymentId":     txn.PaymentID,
			"reason":        "timeout",
		})
		return nil
	})
	if err != nil {
		return nil, wrap("expire transaction", err)
	}
	if out.Result != ResultFailed {
		return out, nil
	}

	metrics.PendingTimeoutsTotal.Inc()
	r.finish(ctx, out)
	r.logger.Info("pending transaction timed out", "correlationId", correlationID, "invoiceId", out.InvoiceID)
	if r.cache != nil {
		if cerr := r.cache.SetStatus(ctx, correlationID, out.TransactionStatus); cerr != nil {
			r.logger.Warn("status cache write failed", "correlationId", correlationID, "error", cerr)
		}
	}
	return out, nil
}
