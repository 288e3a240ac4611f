// Package sales sells property units through invoices paid over M-Pesa.
//
// Flow:
//  1. Purchase opens an invoice with a pending down payment and, for STK
//     payments, pushes a payment prompt to the buyer's phone.
//  2. The gateway posts the result to the callback webhook; the raw body is
//     recorded in the inbox and reconciled.
//  3. A successful callback completes the payment, reserves the unit for the
//     buyer, and marks the unit SOLD once payments cover the invoice total.
//  4. Reservations whose hold lapses are released by the expiry timer.
//  5. Pushes never answered are queried and timed out by the pending timer.
package sales

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// UnitStatus is the sale state of a unit.
type UnitStatus string

const (
	UnitAvailable UnitStatus = "AVAILABLE"
	UnitReserved  UnitStatus = "RESERVED"
	UnitSold      UnitStatus = "SOLD"
)

// InvoiceStatus is the payment state of an invoice.
type InvoiceStatus string

const (
	InvoicePending       InvoiceStatus = "PENDING"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceCancelled     InvoiceStatus = "CANCELLED"
	InvoiceRefunded      InvoiceStatus = "REFUNDED"
)

// PaymentMethod is how a payment reaches the developer's account.
type PaymentMethod string

const (
	MethodMpesaSTK     PaymentMethod = "MPESA_STK"
	MethodPaybill      PaymentMethod = "PAYBILL"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
)

// Valid reports whether m is a supported method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMpesaSTK, MethodPaybill, MethodBankTransfer:
		return true
	}
	return false
}

// PaymentStatus is the state of one ledger entry.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// TransactionStatus is the state of one gateway push attempt.
type TransactionStatus string

const (
	TxnPending   TransactionStatus = "PENDING"
	TxnSuccess   TransactionStatus = "SUCCESS"
	TxnFailed    TransactionStatus = "FAILED"
	TxnCancelled TransactionStatus = "CANCELLED"
	TxnTimeout   TransactionStatus = "TIMEOUT"
)

// IsTerminal reports whether the attempt has a final result.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TxnSuccess, TxnFailed, TxnCancelled, TxnTimeout:
		return true
	}
	return false
}

// ReviewKind classifies a manual-review record.
type ReviewKind string

const (
	ReviewStateConflict   ReviewKind = "STATE_CONFLICT"
	ReviewLateCallback    ReviewKind = "LATE_CALLBACK"
	ReviewReconcileFailed ReviewKind = "RECONCILE_FAILED"
	ReviewInvoiceClosed   ReviewKind = "INVOICE_CLOSED"
	ReviewHoldLapsed      ReviewKind = "HOLD_LAPSED"
)

// InboxStatus is the processing state of a recorded callback.
type InboxStatus string

const (
	InboxNew       InboxStatus = "NEW"
	InboxProcessed InboxStatus = "PROCESSED"
	InboxFailed    InboxStatus = "FAILED"
	InboxDead      InboxStatus = "DEAD"
)

// Unit is a sellable property unit. A RESERVED unit always names its holder
// and hold deadline; InvoiceID is the invoice holding or owning it.
type Unit struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"projectId"`
	Code          string          `json:"code"`
	Price         decimal.Decimal `json:"price"`
	Status        UnitStatus      `json:"status"`
	ReservedBy    string          `json:"reservedBy,omitempty"`
	ReservedUntil *time.Time      `json:"reservedUntil,omitempty"`
	InvoiceID     string          `json:"invoiceId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Invoice is the bill for one unit sale. Number is the account reference
// the buyer quotes on paybill and bank payments.
type Invoice struct {
	ID            string          `json:"id"`
	Number        string          `json:"number"`
	UnitID        string          `json:"unitId"`
	BuyerID       string          `json:"buyerId"`
	PaymentPlanID string          `json:"paymentPlanId,omitempty"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Status        InvoiceStatus   `json:"status"`
	CorrelationID string          `json:"correlationId,omitempty"`
	NeedsReview   bool            `json:"needsReview"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsClosed reports whether the invoice no longer accepts payments.
func (i *Invoice) IsClosed() bool {
	return i.Status == InvoiceCancelled || i.Status == InvoiceRefunded
}

// Payment is one ledger entry against an invoice.
type Payment struct {
	ID         string          `json:"id"`
	InvoiceID  string          `json:"invoiceId"`
	BuyerID    string          `json:"buyerId"`
	Amount     decimal.Decimal `json:"amount"`
	Method     PaymentMethod   `json:"method"`
	Status     PaymentStatus   `json:"status"`
	Reference  string          `json:"reference,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// Transaction is one push request sent to the gateway. CorrelationID is the
// gateway's CheckoutRequestID and is unique.
type Transaction struct {
	ID                 string            `json:"id"`
	CorrelationID      string            `json:"correlationId"`
	SecondaryID        string            `json:"secondaryId,omitempty"`
	PhoneNumber        string            `json:"phoneNumber"`
	Amount             decimal.Decimal   `json:"amount"`
	Status             TransactionStatus `json:"status"`
	ResultCode         *int              `json:"resultCode,omitempty"`
	ResultDescription  string            `json:"resultDescription,omitempty"`
	ReceiptNumber      string            `json:"receiptNumber,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
	CallbackReceivedAt *time.Time        `json:"callbackReceivedAt,omitempty"`
	InvoiceID          string            `json:"invoiceId"`
	BuyerID            string            `json:"buyerId"`
	PaymentID          string            `json:"paymentId,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Review is a record queued for a human: money that arrived for a unit
// someone else holds, a callback after timeout, or a callback that could not
// be reconciled.
type Review struct {
	ID            string     `json:"id"`
	Kind          ReviewKind `json:"kind"`
	InvoiceID     string     `json:"invoiceId,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Detail        string     `json:"detail"`
	Resolved      bool       `json:"resolved"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// InboxEntry is a raw gateway callback recorded before it is reconciled.
type InboxEntry struct {
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
	Status        InboxStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
}

// Buyer is the subset of a buyer record the sales flow needs.
type Buyer struct {
	ID    string
	Name  string
	Phone string
}

// InvoiceStatusFor derives the open-invoice status from what has been paid.
func InvoiceStatusFor(total, paid decimal.Decimal) InvoiceStatus {
	switch {
	case paid.GreaterThanOrEqual(total):
		return InvoicePaid
	case paid.IsPositive():
		return InvoicePartiallyPaid
	default:
		return InvoicePending
	}
}
