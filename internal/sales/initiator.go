package sales

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/estatepay/internal/idgen"
	"github.com/mbd888/estatepay/internal/mpesa"
	"github.com/mbd888/estatepay/internal/traces"
	"github.com/mbd888/estatepay/internal/validation"
)

// Gateway is the push-payment API.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

// InitiateRequest asks for one push payment against an invoice. PaymentID
// is the PENDING payment the push resolves.
type InitiateRequest struct {
	InvoiceID   string
	PaymentID   string
	Phone       string
	Amount      decimal.Decimal
	Description string
}

// Initiator sends push-payment requests and records the accepted ones.
// It never touches unit reservations.
type Initiator struct {
	store   Store
	gateway Gateway
	cache   Cache
	logger  *slog.Logger
	now     func() time.Time
}

// NewInitiator creates an initiator.
func NewInitiator(store Store, gateway Gateway, logger *slog.Logger) *Initiator {
	return &Initiator{
		store:   store,
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
	}
}

// WithCache warms the status cache with newly accepted transactions.
func (i *Initiator) WithCache(c Cache) *Initiator {
	i.cache = c
	return i
}

// WithClock replaces the time source.
func (i *Initiator) WithClock(now func() time.Time) *Initiator {
	i.now = now
	return i
}

// Initiate pushes a payment prompt to req.Phone. When the gateway accepts,
// a PENDING transaction is stored and becomes the invoice's in-flight
// request, atomically. Any failure is a GatewayError and leaves the invoice
// unchanged.
func (i *Initiator) Initiate(ctx context.Context, req InitiateRequest) (_ *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "sales.Initiate",
		traces.InvoiceID(req.InvoiceID),
		traces.Amount(req.Amount.String()),
	)
	defer func() { traces.End(span, err) }()

	phone := validation.NormalizePhone(req.Phone)
	if errs := validation.Validate(
		validation.Check(phone != "", "phone", "must be a valid Safaricom mobile number"),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		return nil, newError(KindValidation, "initiate", errs)
	}

	inv, err := i.store.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, wrap("initiate", err)
	}

	desc := req.Description
	if desc == "" {
		desc = "Payment " + inv.Number
	}
	resp, err := i.gateway.STKPush(ctx, mpesa.PushRequest{
		Phone:            phone,
		Amount:           req.Amount,
		AccountReference: inv.Number,
		Description:      desc,
	})
	if err != nil {
		i.logger.Warn("stk push failed", "invoiceId", inv.ID, "paymentId", req.PaymentID, "error", err)
		return nil, newError(KindGateway, "initiate", err)
	}

	now := i.now()
	txn := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		CorrelationID: resp.CheckoutRequestID,
		SecondaryID:   resp.MerchantRequestID,
		PhoneNumber:   phone,
		Amount:        decimal.NewFromInt(mpesa.WholeShillings(req.Amount)),
		Status:        TxnPending,
		InvoiceID:     inv.ID,
		BuyerID:       inv.BuyerID,
		PaymentID:     req.PaymentID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = i.store.RunInTx(ctx, func(tx Tx) error {
		locked, err := tx.LockInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if err := tx.CreateTransaction(ctx, txn); err != nil {
			return err
		}
		locked.CorrelationID = txn.CorrelationID
		locked.UpdatedAt = now
		return tx.UpdateInvoice(ctx, locked)
	})
	if err != nil {
		// The prompt reached the phone but is untracked; its callback will
		// land in the inbox and end up in review.
		i.logger.Error("accepted push could not be recorded",
			"invoiceId", inv.ID,
			"correlationId", txn.CorrelationID,
			"error", err,
		)
		return nil, newError(KindGateway, "initiate", fmt.Errorf("record transaction: %w", err))
	}

	if i.cache != nil {
		if cerr := i.cache.SetStatus(ctx, txn.CorrelationID, txn.Status); cerr != nil {
			i.logger.Warn("status cache write failed", "correlationId", txn.CorrelationID, "error", cerr)
		}
	}
	span.SetAttributes(traces.CorrelationID(txn.CorrelationID))
	return txn, nil
}
