package sales

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/estatepay/internal/idgen"
	"github.com/mbd888/estatepay/internal/traces"
	"github.com/mbd888/estatepay/internal/validation"
)

// Directory looks up the property records sales depends on.
type Directory interface {
	// GetBuyer returns ErrBuyerNotFound for unknown ids.
	GetBuyer(ctx context.Context, id string) (*Buyer, error)
	ProjectExists(ctx context.Context, id string) (bool, error)
}

// PurchaseRequest starts the sale of a unit.
type PurchaseRequest struct {
	UnitID            string              `json:"-"`
	BuyerID           string              `json:"buyerId"`
	PaymentPlanID     string              `json:"paymentPlanId"`
	PaymentMethod     PaymentMethod       `json:"paymentMethod"`
	DownPaymentAmount decimal.Decimal     `json:"downPaymentAmount"`
	TotalAmount       decimal.NullDecimal `json:"totalAmount"`
	MpesaNumber       string              `json:"mpesaNumber"`
}

// InstallmentRequest asks for a further push payment on an open invoice.
type InstallmentRequest struct {
	InvoiceID   string          `json:"-"`
	Amount      decimal.Decimal `json:"amount"`
	MpesaNumber string          `json:"mpesaNumber"`
}

// PaymentInstructions tell the buyer where to send a paybill or bank payment.
type PaymentInstructions struct {
	Paybill          string          `json:"paybill"`
	AccountReference string          `json:"accountReference"`
	Amount           decimal.Decimal `json:"amount"`
}

// PurchaseResult describes the invoice and payment a request created.
type PurchaseResult struct {
	InvoiceID         string               `json:"invoiceId"`
	InvoiceNumber     string               `json:"invoiceNumber"`
	UnitID            string               `json:"unitId"`
	BuyerID           string               `json:"buyerId"`
	PaymentID         string               `json:"paymentId"`
	Amount            decimal.Decimal      `json:"amount"`
	PaymentMethod     PaymentMethod        `json:"paymentMethod"`
	InvoiceStatus     InvoiceStatus        `json:"invoiceStatus"`
	PaymentStatus     PaymentStatus        `json:"paymentStatus"`
	Message           string               `json:"message"`
	CheckoutRequestID string               `json:"checkoutRequestId,omitempty"`
	Instructions      *PaymentInstructions `json:"instructions,omitempty"`
}

// Orchestrator turns purchase and payment requests into invoices, pending
// payments and gateway pushes. It never reserves units; reservation happens
// only when money is confirmed.
type Orchestrator struct {
	store      Store
	directory  Directory
	initiator  *Initiator
	reconciler *Reconciler
	shortCode  string
	logger     *slog.Logger
	now        func() time.Time
}

// NewOrchestrator creates an orchestrator. shortCode is the paybill number
// quoted in payment instructions.
func NewOrchestrator(store Store, directory Directory, initiator *Initiator, reconciler *Reconciler, shortCode string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		directory:  directory,
		initiator:  initiator,
		reconciler: reconciler,
		shortCode:  shortCode,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func newInvoiceNumber() string {
	return "INV-" + strings.ToUpper(idgen.WithPrefix("")[:8])
}

// Purchase opens an invoice for an AVAILABLE unit with a PENDING down
// payment, then pushes an STK prompt or returns paybill/bank instructions.
// When the push fails the payment is marked FAILED and the result is
// returned together with the GatewayError; the invoice stays PENDING.
func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (_ *PurchaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "sales.Purchase",
		traces.UnitID(req.UnitID),
		traces.Method(string(req.PaymentMethod)),
		traces.Amount(req.DownPaymentAmount.String()),
	)
	defer func() { traces.End(span, err) }()

	checks := []func() *validation.ValidationError{
		validation.Required("buyerId", req.BuyerID),
		validation.Check(req.PaymentMethod.Valid(), "paymentMethod", "must be one of MPESA_STK, PAYBILL, BANK_TRANSFER"),
		validation.PositiveAmount("downPaymentAmount", req.DownPaymentAmount),
		validation.MaxLength("paymentPlanId", req.PaymentPlanID, 64),
		validation.ValidPhone("mpesaNumber", req.MpesaNumber),
	}
	if req.TotalAmount.Valid {
		checks = append(checks, validation.PositiveAmount("totalAmount", req.TotalAmount.Decimal))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		return nil, newError(KindValidation, "purchase", errs)
	}

	buyer, err := o.directory.GetBuyer(ctx, req.BuyerID)
	if err != nil {
		return nil, wrap("purchase", err)
	}
	unit, err := o.store.GetUnit(ctx, req.UnitID)
	if err != nil {
		return nil, wrap("purchase", err)
	}
	if unit.Status != UnitAvailable {
		return nil, newError(KindConflict, "purchase", fmt.Errorf("%w: unit %s is %s", ErrUnitUnavailable, unit.ID, unit.Status))
	}

	// A payment plan may add financing on top of the price; it never
	// discounts it.
	total := unit.Price
	if req.TotalAmount.Valid {
		total = req.TotalAmount.Decimal
	}
	phone := req.MpesaNumber
	if phone == "" {
		phone = buyer.Phone
	}
	if errs := validation.Validate(
		validation.Check(total.GreaterThanOrEqual(unit.Price), "totalAmount", "must not be below the unit price"),
		validation.Check(req.DownPaymentAmount.LessThanOrEqual(total), "downPaymentAmount", "must not exceed totalAmount"),
		validation.Check(req.PaymentMethod != MethodMpesaSTK || validation.NormalizePhone(phone) != "",
			"mpesaNumber", "a valid M-Pesa number is required for STK payments"),
	); len(errs) > 0 {
		return nil, newError(KindValidation, "purchase", errs)
	}

	now := o.now()
	inv := &Invoice{
		ID:            idgen.WithPrefix("inv_"),
		Number:        newInvoiceNumber(),
		UnitID:        unit.ID,
		BuyerID:       buyer.ID,
		PaymentPlanID: req.PaymentPlanID,
		TotalAmount:   total,
		Status:        InvoicePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	pay := &Payment{
		ID:        idgen.WithPrefix("pay_"),
		InvoiceID: inv.ID,
		BuyerID:   buyer.ID,
		Amount:    req.DownPaymentAmount,
		Method:    req.PaymentMethod,
		Status:    PaymentPending,
		CreatedAt: now,
	}
	err = o.store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		return tx.CreatePayment(ctx, pay)
	})
	if err != nil {
		return nil, wrap("purchase", err)
	}

	o.logger.Info("invoice opened",
		"invoiceId", inv.ID,
		"unitId", unit.ID,
		"buyerId", buyer.ID,
		"method", req.PaymentMethod,
		"downPayment", req.DownPaymentAmount.String(),
	)

	res := &PurchaseResult{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		UnitID:        unit.ID,
		BuyerID:       buyer.ID,
		PaymentID:     pay.ID,
		Amount:        pay.Amount,
		PaymentMethod: pay.Method,
		InvoiceStatus: inv.Status,
		PaymentStatus: pay.Status,
	}
	return o.dispatch(ctx, inv, pay, phone, res)
}

// PayInstallment pushes a further STK payment against an open invoice.
// Only one push may await the buyer at a time.
func (o *Orchestrator) PayInstallment(ctx context.Context, req InstallmentRequest) (_ *PurchaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "sales.PayInstallment",
		traces.InvoiceID(req.InvoiceID),
		traces.Amount(req.Amount.String()),
	)
	defer func() { traces.End(span, err) }()

	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidPhone("mpesaNumber", req.MpesaNumber),
	); len(errs) > 0 {
		return nil, newError(KindValidation, "pay installment", errs)
	}

	inv, err := o.store.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, wrap("pay installment", err)
	}
	phone := req.MpesaNumber
	if phone == "" {
		buyer, err := o.directory.GetBuyer(ctx, inv.BuyerID)
		if err != nil {
			return nil, wrap("pay installment", err)
		}
		phone = buyer.Phone
	}
	if validation.NormalizePhone(phone) == "" {
		return nil, newError(KindValidation, "pay installment", validation.ValidationErrors{{
			Field: "mpesaNumber", Message: "a valid M-Pesa number is required for STK payments",
		}})
	}

	now := o.now()
	var pay *Payment
	err = o.store.RunInTx(ctx, func(tx Tx) error {
		locked, err := tx.LockInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		switch {
		case locked.IsClosed():
			return ErrInvoiceClosed
		case locked.Status == InvoicePaid:
			return ErrInvoiceSettled
		case locked.CorrelationID != "":
			return ErrPushInFlight
		}
		paid, err := tx.SumCompleted(ctx, locked.ID)
		if err != nil {
			return err
		}
		outstanding := locked.TotalAmount.Sub(paid)
		if req.Amount.GreaterThan(outstanding) {
			return validation.ValidationErrors{{
				Field:   "amount",
				Message: "exceeds the outstanding balance of " + outstanding.StringFixed(2),
			}}
		}
		inv = locked
		pay = &Payment{
			ID:        idgen.WithPrefix("pay_"),
			InvoiceID: locked.ID,
			BuyerID:   locked.BuyerID,
			Amount:    req.Amount,
			Method:    MethodMpesaSTK,
			Status:    PaymentPending,
			CreatedAt: now,
		}
		return tx.CreatePayment(ctx, pay)
	})
	if err != nil {
		return nil, wrap("pay installment", err)
	}

	res := &PurchaseResult{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		UnitID:        inv.UnitID,
		BuyerID:       inv.BuyerID,
		PaymentID:     pay.ID,
		Amount:        pay.Amount,
		PaymentMethod: pay.Method,
		InvoiceStatus: inv.Status,
		PaymentStatus: pay.Status,
	}
	return o.dispatch(ctx, inv, pay, phone, res)
}

func (o *Orchestrator) dispatch(ctx context.Context, inv *Invoice, pay *Payment, phone string, res *PurchaseResult) (*PurchaseResult, error) {
	if pay.Method != MethodMpesaSTK {
		res.Instructions = &PaymentInstructions{
			Paybill:          o.shortCode,
			AccountReference: inv.Number,
			Amount:           pay.Amount,
		}
		if pay.Method == MethodBankTransfer {
			res.Message = fmt.Sprintf("Transfer %s quoting reference %s", pay.Amount.StringFixed(2), inv.Number)
		} else {
			res.Message = fmt.Sprintf("Pay %s to paybill %s, account %s", pay.Amount.StringFixed(2), o.shortCode, inv.Number)
		}
		return res, nil
	}

	txn, err := o.initiator.Initiate(ctx, InitiateRequest{
		InvoiceID: inv.ID,
		PaymentID: pay.ID,
		Phone:     phone,
		Amount:    pay.Amount,
	})
	if err != nil {
		if ferr := o.failPayment(ctx, pay.ID); ferr != nil {
			o.logger.Error("failed to mark payment failed", "paymentId", pay.ID, "error", ferr)
		} else {
			res.PaymentStatus = PaymentFailed
		}
		res.Message = "The payment request could not be sent. Please try again."
		return res, err
	}

	res.CheckoutRequestID = txn.CorrelationID
	res.Message = "Payment request sent. Enter your M-Pesa PIN on " + maskPhone(txn.PhoneNumber) + " to complete."
	return res, nil
}

// failPayment resolves a PENDING payment whose push never left.
func (o *Orchestrator) failPayment(ctx context.Context, paymentID string) error {
	now := o.now()
	return o.store.RunInTx(ctx, func(tx Tx) error {
		pay, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if pay.Status != PaymentPending {
			return nil
		}
		pay.Status = PaymentFailed
		pay.ResolvedAt = &now
		return tx.UpdatePayment(ctx, pay)
	})
}

// RecordManualPayment applies a confirmed paybill or bank payment entered by
// staff. It shares the ledger path of successful callbacks, so it can
// reserve, settle, or conflict in the same ways.
func (o *Orchestrator) RecordManualPayment(ctx context.Context, req ManualPayment) (_ *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "sales.RecordManualPayment",
		traces.InvoiceID(req.InvoiceID),
		traces.Method(string(req.Method)),
		traces.Amount(req.Amount.String()),
	)
	defer func() { traces.End(span, err) }()

	req.Reference = strings.TrimSpace(req.Reference)
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.OneOf("method", string(req.Method), string(MethodPaybill), string(MethodBankTransfer)),
		validation.Required("reference", req.Reference),
		validation.MaxLength("reference", req.Reference, 100),
	); len(errs) > 0 {
		return nil, newError(KindValidation, "record manual payment", errs)
	}

	out, err := o.reconciler.applyManual(ctx, req)
	if err == nil {
		o.logger.Info("manual payment recorded",
			"invoiceId", req.InvoiceID,
			"paymentId", out.PaymentID,
			"method", req.Method,
			"invoiceStatus", out.InvoiceStatus,
		)
	}
	return out, err
}

func maskPhone(phone string) string {
	if len(phone) < 9 {
		return phone
	}
	return phone[:5] + strings.Repeat("*", len(phone)-8) + phone[len(phone)-3:]
}
