package sales

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/estatepay/internal/events"
	"github.com/mbd888/estatepay/internal/idgen"
	"github.com/mbd888/estatepay/internal/metrics"
)

// credit is confirmed money to apply to a locked invoice.
type credit struct {
	paymentID     string // PENDING payment this money resolves, if any
	amount        decimal.Decimal
	method        PaymentMethod
	reference     string
	correlationID string
}

// applyCredit records c against inv and moves the invoice and unit forward.
// It runs inside a unit of work that already holds inv's row lock. A unit
// held by another invoice, or a closed invoice, is not an error here: the
// money is still recorded, a review is queued, and out.Result is
// ResultConflict.
func (r *Reconciler) applyCredit(ctx context.Context, tx Tx, inv *Invoice, c credit, out *Outcome) error {
	now := r.now()

	pay, err := r.recordPayment(ctx, tx, inv, c)
	if err != nil {
		return err
	}
	out.PaymentID = pay.ID
	out.InvoiceID = inv.ID
	out.emit(events.PaymentCompleted, inv.ID, map[string]any{
		"paymentId": pay.ID,
		"buyerId":   inv.BuyerID,
		"amount":    pay.Amount.String(),
		"method":    string(pay.Method),
		"reference": pay.Reference,
	})
	out.emit(events.NotificationRequested, inv.ID, map[string]any{
		"template":  "payment_received",
		"buyerId":   inv.BuyerID,
		"paymentId": pay.ID,
		"amount":    pay.Amount.String(),
	})

	if c.correlationID != "" && inv.CorrelationID == c.correlationID {
		inv.CorrelationID = ""
	}

	if inv.IsClosed() {
		inv.NeedsReview = true
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		detail := fmt.Sprintf("payment %s of %s received on %s invoice", pay.ID, pay.Amount, inv.Status)
		if err := r.queueReview(ctx, tx, ReviewInvoiceClosed, inv.ID, c.correlationID, detail, out); err != nil {
			return err
		}
		out.emit(events.RefundRequested, inv.ID, map[string]any{
			"paymentId": pay.ID,
			"buyerId":   inv.BuyerID,
			"amount":    pay.Amount.String(),
			"reason":    "invoice_closed",
		})
		out.Result = ResultConflict
		out.conflict = ErrInvoiceClosed
		out.InvoiceStatus = inv.Status
		return nil
	}

	unit, err := tx.LockUnit(ctx, inv.UnitID)
	if err != nil {
		return err
	}

	conflict := false
	switch {
	case unit.Status == UnitAvailable:
		until := now.Add(r.hold)
		unit.Status = UnitReserved
		unit.ReservedBy = inv.BuyerID
		unit.ReservedUntil = &until
		unit.InvoiceID = inv.ID
		unit.UpdatedAt = now
		out.emit(events.UnitReserved, inv.ID, map[string]any{
			"unitId":        unit.ID,
			"buyerId":       inv.BuyerID,
			"reservedUntil": until,
		})
	case unit.InvoiceID == inv.ID:
		if unit.Status == UnitReserved {
			until := now.Add(r.hold)
			if unit.ReservedUntil == nil || unit.ReservedUntil.Before(until) {
				unit.ReservedUntil = &until
			}
			unit.UpdatedAt = now
		}
	default:
		conflict = true
		inv.NeedsReview = true
		detail := fmt.Sprintf("payment %s of %s received while unit %s is %s for invoice %s",
			pay.ID, pay.Amount, unit.ID, unit.Status, unit.InvoiceID)
		if err := r.queueReview(ctx, tx, ReviewStateConflict, inv.ID, c.correlationID, detail, out); err != nil {
			return err
		}
		out.emit(events.RefundRequested, inv.ID, map[string]any{
			"paymentId": pay.ID,
			"buyerId":   inv.BuyerID,
			"amount":    pay.Amount.String(),
			"reason":    "unit_claimed",
		})
	}

	paid, err := tx.SumCompleted(ctx, inv.ID)
	if err != nil {
		return err
	}
	prev := inv.Status
	inv.Status = InvoiceStatusFor(inv.TotalAmount, paid)
	inv.UpdatedAt = now

	if inv.Status == InvoicePaid && !conflict && unit.Status != UnitSold {
		unit.Status = UnitSold
		unit.ReservedUntil = nil
		unit.UpdatedAt = now
	}
	if inv.Status == InvoicePaid && prev != InvoicePaid {
		out.emit(events.InvoicePaid, inv.ID, map[string]any{
			"unitId":    inv.UnitID,
			"buyerId":   inv.BuyerID,
			"totalPaid": paid.String(),
		})
		out.emit(events.NotificationRequested, inv.ID, map[string]any{
			"template": "invoice_paid",
			"buyerId":  inv.BuyerID,
		})
	}

	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return err
	}
	if !conflict {
		if err := tx.UpdateUnit(ctx, unit); err != nil {
			return err
		}
	}

	out.InvoiceStatus = inv.Status
	out.UnitStatus = unit.Status
	out.TotalPaid = paid
	if conflict {
		out.Result = ResultConflict
		out.conflict = ErrUnitClaimed
	} else {
		out.Result = ResultApplied
	}
	return nil
}

// recordPayment completes the attempt's PENDING payment, or appends a new
// COMPLETED entry when there is none to resolve.
func (r *Reconciler) recordPayment(ctx context.Context, tx Tx, inv *Invoice, c credit) (*Payment, error) {
	now := r.now()

	if c.paymentID != "" {
		pay, err := tx.GetPayment(ctx, c.paymentID)
		switch {
		case err == nil && pay.Status == PaymentPending && pay.InvoiceID == inv.ID:
			pay.Status = PaymentCompleted
			pay.Amount = c.amount
			pay.Method = c.method
			pay.Reference = c.reference
			pay.ResolvedAt = &now
			if err := tx.UpdatePayment(ctx, pay); err != nil {
				return nil, err
			}
			return pay, nil
		case err != nil && !errors.Is(err, ErrPaymentNotFound):
			return nil, err
		}
	}

	pay := &Payment{
		ID:         idgen.WithPrefix("pay_"),
		InvoiceID:  inv.ID,
		BuyerID:    inv.BuyerID,
		Amount:     c.amount,
		Method:     c.method,
		Status:     PaymentCompleted,
		Reference:  c.reference,
		CreatedAt:  now,
		ResolvedAt: &now,
	}
	if err := tx.CreatePayment(ctx, pay); err != nil {
		return nil, err
	}
	return pay, nil
}

func (r *Reconciler) queueReview(ctx context.Context, tx Tx, kind ReviewKind, invoiceID, correlationID, detail string, out *Outcome) error {
	review := &Review{
		ID:            idgen.WithPrefix("rev_"),
		Kind:          kind,
		InvoiceID:     invoiceID,
		CorrelationID: correlationID,
		Detail:        detail,
		CreatedAt:     r.now(),
	}
	if err := tx.CreateReview(ctx, review); err != nil {
		return err
	}
	out.reviews = append(out.reviews, kind)
	return nil
}

// ManualPayment is a confirmed paybill or bank payment entered by staff.
type ManualPayment struct {
	InvoiceID string          `json:"-"`
	PaymentID string          `json:"paymentId"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	Reference string          `json:"reference"`
}

// applyManual applies a manual payment through the same locked path as a
// successful callback. A reference already recorded for the method is a
// Conflict.
func (r *Reconciler) applyManual(ctx context.Context, req ManualPayment) (*Outcome, error) {
	unlock, err := r.locks.LockContext(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Outcome
	err = r.store.RunInTx(ctx, func(tx Tx) error {
		out = &Outcome{InvoiceID: req.InvoiceID}

		inv, err := tx.LockInvoice(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		if _, err := tx.FindPaymentByReference(ctx, req.Method, req.Reference); err == nil {
			return ErrDuplicateReference
		} else if !errors.Is(err, ErrPaymentNotFound) {
			return err
		}
		if req.PaymentID != "" {
			pay, err := tx.GetPayment(ctx, req.PaymentID)
			if err != nil {
				return err
			}
			if pay.InvoiceID != inv.ID {
				return ErrPaymentNotFound
			}
		}

		return r.applyCredit(ctx, tx, inv, credit{
			paymentID: req.PaymentID,
			amount:    req.Amount,
			method:    req.Method,
			reference: req.Reference,
		}, out)
	})
	if err != nil {
		return nil, wrap("record manual payment", err)
	}

	r.finish(ctx, out)
	if out.Result == ResultConflict {
		return out, newError(KindStateConflict, "record manual payment", out.conflict)
	}
	return out, nil
}

// finish publishes the outcome's events and counts them. Called after the
// unit of work has committed.
func (r *Reconciler) finish(ctx context.Context, out *Outcome) {
	for _, kind := range out.reviews {
		metrics.ReviewsQueuedTotal.WithLabelValues(string(kind)).Inc()
		r.logger.Warn("sales review queued", "kind", kind, "invoiceId", out.InvoiceID, "correlationId", out.CorrelationID)
	}
	for _, e := range out.events {
		switch e.Type {
		case events.PaymentCompleted:
			method, _ := e.Data["method"].(string)
			metrics.PaymentsCompletedTotal.WithLabelValues(method).Inc()
		case events.InvoicePaid:
			metrics.InvoicesPaidTotal.Inc()
		}
	}
	if len(out.events) == 0 || r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, out.events...); err != nil {
		r.logger.Warn("failed to publish sales events", "invoiceId", out.InvoiceID, "error", err)
	}
}
