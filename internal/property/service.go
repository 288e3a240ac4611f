package property

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/estatepay/internal/idgen"
	"github.com/mbd888/estatepay/internal/pagination"
	"github.com/mbd888/estatepay/internal/validation"
)

// CreateProjectRequest registers a development.
type CreateProjectRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// CreateBuyerRequest registers a buyer. Phone may use any local or
// international spelling; it is stored normalized.
type CreateBuyerRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	NationalID string `json:"nationalId"`
}

// Service manages projects and buyers.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a property service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

func (s *Service) CreateProject(ctx context.Context, req CreateProjectRequest) (*Project, error) {
	req.Name = validation.SanitizeString(req.Name, validation.MaxStringLength)
	req.Location = validation.SanitizeString(req.Location, validation.MaxStringLength)
	if errs := validation.Validate(
		validation.Required("name", req.Name),
	); len(errs) > 0 {
		return nil, errs
	}

	now := s.now().UTC()
	p := &Project{
		ID:        idgen.WithPrefix("prj_"),
		Name:      req.Name,
		Location:  req.Location,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.logger.Info("project created", "project", p.ID)
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (*Project, error) {
	return s.store.GetProject(ctx, id)
}

// ListProjects returns a page of projects, newest first, and the cursor
// for the next page.
func (s *Service) ListProjects(ctx context.Context, cursor string, limit int) ([]*Project, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.store.ListProjects(ctx, after, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list projects: %w", err)
	}
	page, next := pagination.Page(rows, limit, func(p *Project) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	return page, next, nil
}

func (s *Service) CreateBuyer(ctx context.Context, req CreateBuyerRequest) (*Buyer, error) {
	req.Name = validation.SanitizeString(req.Name, validation.MaxStringLength)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.NationalID = strings.TrimSpace(req.NationalID)
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.ValidEmail("email", req.Email),
		validation.ValidPhone("phone", req.Phone),
		validation.MaxLength("nationalId", req.NationalID, 32),
		validation.Check(req.Phone != "" || req.Email != "", "phone", "a phone number or email is required"),
	); len(errs) > 0 {
		return nil, errs
	}

	now := s.now().UTC()
	b := &Buyer{
		ID:         idgen.WithPrefix("buy_"),
		Name:       req.Name,
		Email:      req.Email,
		Phone:      validation.NormalizePhone(req.Phone),
		NationalID: req.NationalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateBuyer(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("buyer registered", "buyer", b.ID)
	return b, nil
}

func (s *Service) GetBuyer(ctx context.Context, id string) (*Buyer, error) {
	return s.store.GetBuyer(ctx, id)
}

// ListBuyers returns a page of buyers, newest first, and the cursor for
// the next page.
func (s *Service) ListBuyers(ctx context.Context, cursor string, limit int) ([]*Buyer, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.store.ListBuyers(ctx, after, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list buyers: %w", err)
	}
	page, next := pagination.Page(rows, limit, func(b *Buyer) (time.Time, string) {
		return b.CreatedAt, b.ID
	})
	return page, next, nil
}

// ProjectExists reports whether id names a project.
func (s *Service) ProjectExists(ctx context.Context, id string) (bool, error) {
	_, err := s.store.GetProject(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrProjectNotFound):
		return false, nil
	default:
		return false, err
	}
}
