package sales

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// UnitFilter narrows ListUnits.
type UnitFilter struct {
	ProjectID string
	Status    UnitStatus
}

// Store persists sales records. Reads outside RunInTx see committed state
// only; every state change to units, invoices, payments and transactions
// happens inside RunInTx.
type Store interface {
	CreateUnit(ctx context.Context, unit *Unit) error
	GetUnit(ctx context.Context, id string) (*Unit, error)
	ListUnits(ctx context.Context, filter UnitFilter, limit int) ([]*Unit, error)
	ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]*Unit, error)

	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListPayments(ctx context.Context, invoiceID string) ([]*Payment, error)

	GetTransaction(ctx context.Context, correlationID string) (*Transaction, error)
	ListTransactionsByInvoice(ctx context.Context, invoiceID string) ([]*Transaction, error)
	ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)

	ListReviews(ctx context.Context, onlyOpen bool, limit int) ([]*Review, error)
	ResolveReview(ctx context.Context, id, resolvedBy string, at time.Time) (*Review, error)

	// RecordInbox stores e unless an entry for its correlation id exists.
	// It returns the stored entry and whether this call created it.
	RecordInbox(ctx context.Context, e *InboxEntry) (*InboxEntry, bool, error)
	GetInbox(ctx context.Context, correlationID string) (*InboxEntry, error)
	UpdateInbox(ctx context.Context, e *InboxEntry) error
	ListDueInbox(ctx context.Context, now time.Time, limit int) ([]*InboxEntry, error)

	// RunInTx runs fn in one atomic unit of work. fn's changes are committed
	// when it returns nil and discarded otherwise. fn must only use tx.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of the store inside RunInTx. Lock* reads hold the row
// until the unit of work ends; callers lock in the order transaction,
// invoice, unit.
type Tx interface {
	LockTransaction(ctx context.Context, correlationID string) (*Transaction, error)
	LockInvoice(ctx context.Context, id string) (*Invoice, error)
	LockUnit(ctx context.Context, id string) (*Unit, error)

	GetPayment(ctx context.Context, id string) (*Payment, error)
	// SumCompleted totals the COMPLETED payments of an invoice.
	SumCompleted(ctx context.Context, invoiceID string) (decimal.Decimal, error)
	// FindPaymentByReference returns the COMPLETED payment carrying ref, or
	// ErrPaymentNotFound.
	FindPaymentByReference(ctx context.Context, method PaymentMethod, ref string) (*Payment, error)

	CreateInvoice(ctx context.Context, inv *Invoice) error
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	CreatePayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	CreateTransaction(ctx context.Context, t *Transaction) error
	UpdateTransaction(ctx context.Context, t *Transaction) error
	UpdateUnit(ctx context.Context, u *Unit) error
	CreateReview(ctx context.Context, r *Review) error
}
