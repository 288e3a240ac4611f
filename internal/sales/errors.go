package sales

import (
	"errors"
	"fmt"

	"github.com/mbd888/estatepay/internal/validation"
)

// Kind classifies a sales error for callers and the HTTP layer.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindGateway
	KindValidation
	KindStateConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindGateway:
		return "gateway_error"
	case KindValidation:
		return "validation_error"
	case KindStateConflict:
		return "state_conflict"
	default:
		return "internal_error"
	}
}

var (
	ErrUnitNotFound        = errors.New("unit not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrBuyerNotFound       = errors.New("buyer not found")
	ErrProjectNotFound     = errors.New("project not found")
	ErrReviewNotFound      = errors.New("review not found")
	ErrInboxNotFound       = errors.New("inbox entry not found")

	ErrUnitUnavailable    = errors.New("unit is not available")
	ErrInvoiceClosed      = errors.New("invoice is closed")
	ErrInvoiceSettled     = errors.New("invoice is already paid")
	ErrPushInFlight       = errors.New("a payment request is already awaiting the buyer")
	ErrDuplicateReference = errors.New("payment reference already recorded")
	ErrUnitClaimed        = errors.New("unit is held by another invoice")
	ErrUnitCodeTaken      = errors.New("unit code already used in this project")
)

// Error is a classified failure of a sales operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// wrap classifies err by KindOf and tags it with op. Already classified
// errors pass through.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var ve validation.ValidationErrors
	if errors.As(err, &ve) {
		return KindValidation
	}
	switch {
	case errors.Is(err, ErrUnitNotFound), errors.Is(err, ErrInvoiceNotFound),
		errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrBuyerNotFound), errors.Is(err, ErrProjectNotFound),
		errors.Is(err, ErrReviewNotFound), errors.Is(err, ErrInboxNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnitUnavailable), errors.Is(err, ErrInvoiceClosed),
		errors.Is(err, ErrInvoiceSettled), errors.Is(err, ErrPushInFlight),
		errors.Is(err, ErrDuplicateReference), errors.Is(err, ErrUnitCodeTaken):
		return KindConflict
	case errors.Is(err, ErrUnitClaimed):
		return KindStateConflict
	}
	return KindInternal
}
