package sales

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/estatepay/internal/idgen"
	"github.com/mbd888/estatepay/internal/validation"
)

// CreateUnitRequest adds a unit to a project's inventory.
type CreateUnitRequest struct {
	ProjectID string          `json:"projectId"`
	Code      string          `json:"code"`
	Price     decimal.Decimal `json:"price"`
}

// InvoiceDetail is an invoice with its ledger and gateway attempts.
type InvoiceDetail struct {
	Invoice      *Invoice        `json:"invoice"`
	Payments     []*Payment      `json:"payments"`
	Transactions []*Transaction  `json:"transactions"`
	TotalPaid    decimal.Decimal `json:"totalPaid"`
	Balance      decimal.Decimal `json:"balance"`
}

// Service serves unit administration and read access to sales records.
type Service struct {
	store     Store
	directory Directory
	cache     Cache
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a sales read/admin service.
func NewService(store Store, directory Directory, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		directory: directory,
		logger:    logger,
		now:       time.Now,
	}
}

// WithCache serves transaction status from the cache when warm.
func (s *Service) WithCache(c Cache) *Service {
	s.cache = c
	return s
}

// CreateUnit adds an AVAILABLE unit. Units are otherwise changed only by
// reconciliation and reservation expiry.
func (s *Service) CreateUnit(ctx context.Context, req CreateUnitRequest) (*Unit, error) {
	req.Code = strings.TrimSpace(req.Code)
	if errs := validation.Validate(
		validation.Required("projectId", req.ProjectID),
		validation.Required("code", req.Code),
		validation.MaxLength("code", req.Code, 64),
		validation.PositiveAmount("price", req.Price),
	); len(errs) > 0 {
		return nil, newError(KindValidation, "create unit", errs)
	}

	ok, err := s.directory.ProjectExists(ctx, req.ProjectID)
	if err != nil {
		return nil, wrap("create unit", err)
	}
	if !ok {
		return nil, newError(KindNotFound, "create unit", ErrProjectNotFound)
	}

	now := s.now()
	unit := &Unit{
		ID:        idgen.WithPrefix("unit_"),
		ProjectID: req.ProjectID,
		Code:      req.Code,
		Price:     req.Price,
		Status:    UnitAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUnit(ctx, unit); err != nil {
		return nil, wrap("create unit", err)
	}
	return unit, nil
}

func (s *Service) GetUnit(ctx context.Context, id string) (*Unit, error) {
	u, err := s.store.GetUnit(ctx, id)
	return u, wrap("get unit", err)
}

func (s *Service) ListUnits(ctx context.Context, filter UnitFilter, limit int) ([]*Unit, error) {
	units, err := s.store.ListUnits(ctx, filter, limit)
	return units, wrap("list units", err)
}

// GetInvoice returns the invoice with payments, attempts and totals.
func (s *Service) GetInvoice(ctx context.Context, id string) (*InvoiceDetail, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, wrap("get invoice", err)
	}
	payments, err := s.store.ListPayments(ctx, id)
	if err != nil {
		return nil, wrap("get invoice", err)
	}
	txns, err := s.store.ListTransactionsByInvoice(ctx, id)
	if err != nil {
		return nil, wrap("get invoice", err)
	}

	paid := decimal.Zero
	for _, p := range payments {
		if p.Status == PaymentCompleted {
			paid = paid.Add(p.Amount)
		}
	}
	balance := inv.TotalAmount.Sub(paid)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	if payments == nil {
		payments = []*Payment{}
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	return &InvoiceDetail{
		Invoice:      inv,
		Payments:     payments,
		Transactions: txns,
		TotalPaid:    paid,
		Balance:      balance,
	}, nil
}

func (s *Service) GetTransaction(ctx context.Context, correlationID string) (*Transaction, error) {
	t, err := s.store.GetTransaction(ctx, correlationID)
	return t, wrap("get transaction", err)
}

// TransactionStatus answers status polling, from the cache when warm.
func (s *Service) TransactionStatus(ctx context.Context, correlationID string) (TransactionStatus, error) {
	if s.cache != nil {
		status, ok, err := s.cache.Status(ctx, correlationID)
		if err != nil {
			s.logger.Warn("status cache read failed", "correlationId", correlationID, "error", err)
		}
		if ok {
			return status, nil
		}
	}

	t, err := s.store.GetTransaction(ctx, correlationID)
	if err != nil {
		return "", wrap("transaction status", err)
	}
	if s.cache != nil {
		if err := s.cache.SetStatus(ctx, correlationID, t.Status); err != nil {
			s.logger.Warn("status cache write failed", "correlationId", correlationID, "error", err)
		}
	}
	return t.Status, nil
}

func (s *Service) ListReviews(ctx context.Context, onlyOpen bool, limit int) ([]*Review, error) {
	reviews, err := s.store.ListReviews(ctx, onlyOpen, limit)
	return reviews, wrap("list reviews", err)
}

// ResolveReview closes a review. Resolving twice keeps the first resolver.
func (s *Service) ResolveReview(ctx context.Context, id, resolvedBy string) (*Review, error) {
	if strings.TrimSpace(resolvedBy) == "" {
		return nil, newError(KindValidation, "resolve review", validation.ValidationErrors{{
			Field: "resolvedBy", Message: "is required",
		}})
	}
	r, err := s.store.ResolveReview(ctx, id, resolvedBy, s.now())
	if err != nil {
		return nil, wrap("resolve review", err)
	}
	s.logger.Info("sales review resolved", "reviewId", r.ID, "kind", r.Kind, "resolvedBy", r.ResolvedBy)
	return r, nil
}
