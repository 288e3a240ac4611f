package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/estatepay/internal/events"
	"github.com/mbd888/estatepay/internal/metrics"
	"github.com/mbd888/estatepay/internal/mpesa"
	"github.com/mbd888/estatepay/internal/retry"
	"github.com/mbd888/estatepay/internal/syncutil"
	"github.com/mbd888/estatepay/internal/traces"
)

// Result summarizes what a reconciliation did.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultFailed    Result = "failed"
	ResultDuplicate Result = "duplicate"
	ResultConflict  Result = "conflict"
	ResultLate      Result = "late"
)

// Outcome reports the state a callback or manual payment left behind.
type Outcome struct {
	CorrelationID     string            `json:"correlationId,omitempty"`
	InvoiceID         string            `json:"invoiceId,omitempty"`
	Result            Result            `json:"result"`
	TransactionStatus TransactionStatus `json:"transactionStatus,omitempty"`
	InvoiceStatus     InvoiceStatus     `json:"invoiceStatus,omitempty"`
	UnitStatus        UnitStatus        `json:"unitStatus,omitempty"`
	TotalPaid         decimal.Decimal   `json:"totalPaid"`
	PaymentID         string            `json:"paymentId,omitempty"`

	events   []events.Event
	reviews  []ReviewKind
	conflict error

	// set when a success was applied without a receipt; the real
	// callback must still reach the store to fill it in
	awaitingReceipt bool
}

func (o *Outcome) emit(typ events.Type, invoiceID string, data map[string]any) {
	o.events = append(o.events, events.New(typ, invoiceID, data))
}

// Callback is the final result of one push request, as reported by the
// gateway callback or a status query.
type Callback struct {
	CorrelationID string
	SecondaryID   string
	ResultCode    int
	ResultDesc    string
	ReceiptNumber string
	Metadata      map[string]any
}

// CallbackFromSTK converts a parsed gateway callback.
func CallbackFromSTK(cb *mpesa.STKCallback) Callback {
	items := cb.Items()
	if len(items) == 0 {
		items = nil
	}
	return Callback{
		CorrelationID: cb.CheckoutRequestID,
		SecondaryID:   cb.MerchantRequestID,
		ResultCode:    int(cb.ResultCode),
		ResultDesc:    cb.ResultDesc,
		ReceiptNumber: cb.Receipt(),
		Metadata:      items,
	}
}

// Cache is an optional fast path in front of the store. The store stays
// the source of truth; cache failures are logged and ignored.
type Cache interface {
	SetStatus(ctx context.Context, correlationID string, status TransactionStatus) error
	Status(ctx context.Context, correlationID string) (TransactionStatus, bool, error)
	MarkReconciled(ctx context.Context, correlationID string) error
	Reconciled(ctx context.Context, correlationID string) (bool, error)
}

const (
	maxInboxAttempts  = 10
	inboxBackoffBase  = 5 * time.Second
	inboxBackoffMax   = 10 * time.Minute
	webhookAttempts   = 3
	webhookRetryDelay = 100 * time.Millisecond
	inboxGrace        = time.Minute
)

// Reconciler applies gateway results to transactions, payments, invoices
// and units.
type Reconciler struct {
	store      Store
	publisher  events.Publisher
	cache      Cache
	locks      *syncutil.ContextShardedMutex
	hold       time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewReconciler creates a reconciler. hold is how long a successful payment
// keeps the unit reserved for its buyer.
func NewReconciler(store Store, publisher events.Publisher, hold time.Duration, logger *slog.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Reconciler{
		store:      store,
		publisher:  publisher,
		locks:      syncutil.NewContextShardedMutex(),
		hold:       hold,
		retryDelay: webhookRetryDelay,
		logger:     logger,
		now:        time.Now,
	}
}

// WithCache adds a status cache and duplicate-callback fast path.
func (r *Reconciler) WithCache(c Cache) *Reconciler {
	r.cache = c
	return r
}

// WithClock replaces the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile applies one callback. Replays of a finished transaction are
// no-ops reported as ResultDuplicate. A successful payment for a unit held
// by another invoice is recorded and returns the outcome together with a
// StateConflict error.
func (r *Reconciler) Reconcile(ctx context.Context, cb Callback) (_ *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "sales.Reconcile", traces.CorrelationID(cb.CorrelationID))
	defer func() { traces.End(span, err) }()

	if r.cache != nil {
		seen, cerr := r.cache.Reconciled(ctx, cb.CorrelationID)
		if cerr != nil {
			r.logger.Warn("dedup lookup failed", "correlationId", cb.CorrelationID, "error", cerr)
		}
		if seen {
			metrics.CallbacksTotal.WithLabelValues(string(ResultDuplicate)).Inc()
			return &Outcome{CorrelationID: cb.CorrelationID, Result: ResultDuplicate}, nil
		}
	}

	unlock, err := r.locks.LockContext(ctx, cb.CorrelationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Outcome
	err = r.store.RunInTx(ctx, func(tx Tx) error {
		out = &Outcome{CorrelationID: cb.CorrelationID}
		return r.reconcileTx(ctx, tx, cb, out)
	})
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			metrics.CallbacksTotal.WithLabelValues("unknown").Inc()
			r.logger.Warn("callback for unknown transaction", "correlationId", cb.CorrelationID)
		}
		return nil, wrap("reconcile", err)
	}

	r.finish(ctx, out)
	metrics.CallbacksTotal.WithLabelValues(string(out.Result)).Inc()
	r.logger.Info("callback reconciled",
		"correlationId", out.CorrelationID,
		"invoiceId", out.InvoiceID,
		"result", out.Result,
		"transactionStatus", out.TransactionStatus,
		"invoiceStatus", out.InvoiceStatus,
	)

	if r.cache != nil && out.TransactionStatus.IsTerminal() {
		if cerr := r.cache.SetStatus(ctx, out.CorrelationID, out.TransactionStatus); cerr != nil {
			r.logger.Warn("status cache write failed", "correlationId", out.CorrelationID, "error", cerr)
		}
		if !out.awaitingReceipt {
			if cerr := r.cache.MarkReconciled(ctx, out.CorrelationID); cerr != nil {
				r.logger.Warn("dedup mark failed", "correlationId", out.CorrelationID, "error", cerr)
			}
		}
	}

	if out.Result == ResultConflict {
		return out, newError(KindStateConflict, "reconcile", out.conflict)
	}
	return out, nil
}

func (r *Reconciler) reconcileTx(ctx context.Context, tx Tx, cb Callback, out *Outcome) error {
	txn, err := tx.LockTransaction(ctx, cb.CorrelationID)
	if err != nil {
		return err
	}
	out.InvoiceID = txn.InvoiceID
	now := r.now()

	if txn.Status.IsTerminal() {
		if txn.Status == TxnTimeout && cb.ResultCode == mpesa.ResultSuccess && txn.CallbackReceivedAt == nil {
			return r.lateSuccess(ctx, tx, txn, cb, out)
		}
		if txn.Status == TxnSuccess && txn.ReceiptNumber == "" {
			if err := r.backfillReceipt(ctx, tx, txn, cb, now); err != nil {
				return err
			}
			out.awaitingReceipt = txn.ReceiptNumber == ""
		}
		out.Result = ResultDuplicate
		out.TransactionStatus = txn.Status
		return nil
	}

	inv, err := tx.LockInvoice(ctx, txn.InvoiceID)
	if err != nil {
		return err
	}

	recordResult(txn, cb, now)

	if cb.ResultCode != mpesa.ResultSuccess {
		txn.Status = failureStatus(cb.ResultCode)
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
			"resultCode":    cb.ResultCode,
			"reason":        cb.ResultDesc,
		})
		return nil
	}

	txn.Status = TxnSuccess
	if err := tx.UpdateTransaction(ctx, txn); err != nil {
		return err
	}
	out.TransactionStatus = txn.Status
	out.awaitingReceipt = txn.ReceiptNumber == ""

	return r.applyCredit(ctx, tx, inv, credit{
		paymentID:     txn.PaymentID,
		amount:        txn.Amount,
		method:        MethodMpesaSTK,
		reference:     txn.ReceiptNumber,
		correlationID: txn.CorrelationID,
	}, out)
}

// failAttempt resolves the attempt's PENDING payment to FAILED and clears
// the invoice's in-flight marker. Unit and invoice status are untouched.
func (r *Reconciler) failAttempt(ctx context.Context, tx Tx, txn *Transaction, inv *Invoice, now time.Time) error {
	if txn.PaymentID != "" {
		pay, err := tx.GetPayment(ctx, txn.PaymentID)
		switch {
		case err == nil && pay.Status == PaymentPending:
			pay.Status = PaymentFailed
			pay.ResolvedAt = &now
			if err := tx.UpdatePayment(ctx, pay); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, ErrPaymentNotFound):
			return err
		}
	}
	if inv.CorrelationID == txn.CorrelationID {
		inv.CorrelationID = ""
		inv.UpdatedAt = now
		return tx.UpdateInvoice(ctx, inv)
	}
	return nil
}

// lateSuccess handles a success callback for a transaction already timed
// out. The money is not applied automatically; the receipt is kept and a
// review is queued.
func (r *Reconciler) lateSuccess(ctx context.Context, tx Tx, txn *Transaction, cb Callback, out *Outcome) error {
	now := r.now()
	recordResult(txn, cb, now)
	if err := tx.UpdateTransaction(ctx, txn); err != nil {
		return err
	}

	inv, err := tx.LockInvoice(ctx, txn.InvoiceID)
	if err != nil {
		return err
	}
	inv.NeedsReview = true
	inv.UpdatedAt = now
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return err
	}

	detail := fmt.Sprintf("success callback after timeout: receipt %s, amount %s", txn.ReceiptNumber, txn.Amount)
	if err := r.queueReview(ctx, tx, ReviewLateCallback, inv.ID, txn.CorrelationID, detail, out); err != nil {
		return err
	}
	out.Result = ResultLate
	out.TransactionStatus = txn.Status
	out.InvoiceStatus = inv.Status
	return nil
}

// backfillReceipt completes a success confirmed by status query, which
// carries no receipt, with the receipt and metadata of the real callback.
// The money was already applied; only the records are filled in.
func (r *Reconciler) backfillReceipt(ctx context.Context, tx Tx, txn *Transaction, cb Callback, now time.Time) error {
	if cb.ResultCode != mpesa.ResultSuccess || cb.ReceiptNumber == "" {
		return nil
	}
	recordResult(txn, cb, now)
	if err := tx.UpdateTransaction(ctx, txn); err != nil {
		return err
	}
	if txn.PaymentID == "" {
		return nil
	}
	pay, err := tx.GetPayment(ctx, txn.PaymentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pay.Reference == "" {
		pay.Reference = cb.ReceiptNumber
		if err := tx.UpdatePayment(ctx, pay); err != nil {
			return err
		}
	}
	r.logger.Info("receipt recorded for query-confirmed payment",
		"correlationId", txn.CorrelationID,
		"paymentId", txn.PaymentID,
		"receipt", cb.ReceiptNumber,
	)
	return nil
}

func recordResult(txn *Transaction, cb Callback, now time.Time) {
	code := cb.ResultCode
	txn.ResultCode = &code
	txn.ResultDescription = cb.ResultDesc
	txn.CallbackReceivedAt = &now
	txn.UpdatedAt = now
	if cb.ReceiptNumber != "" {
		txn.ReceiptNumber = cb.ReceiptNumber
	}
	if cb.SecondaryID != "" && txn.SecondaryID == "" {
		txn.SecondaryID = cb.SecondaryID
	}
	if len(cb.Metadata) > 0 {
		if txn.Metadata == nil {
			txn.Metadata = make(map[string]any, len(cb.Metadata))
		}
		maps.Copy(txn.Metadata, cb.Metadata)
	}
}

func failureStatus(code int) TransactionStatus {
	switch code {
	case mpesa.ResultCancelledByUser:
		return TxnCancelled
	case mpesa.ResultUnreachable:
		return TxnTimeout
	default:
		return TxnFailed
	}
}

// Ingest records a raw gateway callback in the inbox and reconciles it.
// Once the callback is recorded Ingest returns nil: failures to reconcile
// stay in the inbox for the inbox timer. Only a malformed body
// (KindValidation) or a failure to record it is returned.
func (r *Reconciler) Ingest(ctx context.Context, raw []byte) (*InboxEntry, error) {
	parsed, err := mpesa.ParseCallback(raw)
	if err != nil {
		return nil, newError(KindValidation, "ingest callback", err)
	}

	now := r.now()
	entry, created, err := r.store.RecordInbox(ctx, &InboxEntry{
		CorrelationID: parsed.CheckoutRequestID,
		Payload:       append([]byte(nil), raw...),
		Status:        InboxNew,
		NextAttemptAt: now.Add(inboxGrace),
		ReceivedAt:    now,
	})
	if err != nil {
		return nil, newError(KindInternal, "record callback", err)
	}
	if !created && (entry.Status == InboxProcessed || entry.Status == InboxDead) {
		metrics.CallbacksTotal.WithLabelValues(string(ResultDuplicate)).Inc()
		return entry, nil
	}

	r.process(ctx, entry, CallbackFromSTK(parsed), webhookAttempts)
	return entry, nil
}

// ProcessInbox retries one recorded callback.
func (r *Reconciler) ProcessInbox(ctx context.Context, entry *InboxEntry) {
	parsed, err := mpesa.ParseCallback(entry.Payload)
	if err != nil {
		entry.Attempts = maxInboxAttempts
		r.settle(ctx, entry, err)
		return
	}
	r.process(ctx, entry, CallbackFromSTK(parsed), 1)
}

func (r *Reconciler) process(ctx context.Context, entry *InboxEntry, cb Callback, attempts int) {
	err := retry.Do(ctx, attempts, r.retryDelay, func() error {
		_, err := r.Reconcile(ctx, cb)
		switch KindOf(err) {
		case KindStateConflict:
			// recorded and queued for review
			return nil
		case KindConflict, KindValidation:
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		entry.Attempts++
	}
	r.settle(ctx, entry, err)
}

// settle stores the result of a processing attempt. Entries that keep
// failing are marked DEAD and queued for review.
func (r *Reconciler) settle(ctx context.Context, entry *InboxEntry, procErr error) {
	now := r.now()
	if procErr == nil {
		entry.Status = InboxProcessed
		entry.LastError = ""
		entry.ProcessedAt = &now
	} else {
		entry.Attempts++
		entry.LastError = procErr.Error()
		if entry.Attempts >= maxInboxAttempts {
			entry.Status = InboxDead
			entry.ProcessedAt = &now
		} else {
			entry.Status = InboxFailed
			entry.NextAttemptAt = now.Add(retry.Backoff(entry.Attempts-1, inboxBackoffBase, inboxBackoffMax))
		}
		r.logger.Warn("callback reconciliation failed",
			"correlationId", entry.CorrelationID,
			"attempts", entry.Attempts,
			"status", entry.Status,
			"error", procErr,
		)
	}

	if err := r.store.UpdateInbox(ctx, entry); err != nil {
		r.logger.Error("failed to update callback inbox", "correlationId", entry.CorrelationID, "error", err)
		return
	}

	if entry.Status == InboxDead {
		out := &Outcome{CorrelationID: entry.CorrelationID}
		detail := fmt.Sprintf("callback could not be reconciled after %d attempts: %s", entry.Attempts, entry.LastError)
		err := r.store.RunInTx(ctx, func(tx Tx) error {
			return r.queueReview(ctx, tx, ReviewReconcileFailed, "", entry.CorrelationID, detail, out)
		})
		if err != nil {
			r.logger.Error("failed to queue review for dead callback", "correlationId", entry.CorrelationID, "error", err)
			return
		}
		r.finish(ctx, out)
	}
}
