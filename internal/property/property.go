// Package property keeps the projects units belong to and the buyers who
// purchase them.
package property

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/estatepay/internal/pagination"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrBuyerNotFound   = errors.New("buyer not found")
	ErrDuplicateBuyer  = errors.New("buyer already registered")
)

// Project is a development whose units are on sale.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Buyer is a registered purchaser. Phone is stored in 2547XXXXXXXX form
// and is the default number for payment prompts.
type Buyer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	NationalID string    `json:"nationalId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists projects and buyers. List methods return rows newest
// first, starting after the cursor when one is given.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, after *pagination.Cursor, limit int) ([]*Project, error)

	CreateBuyer(ctx context.Context, b *Buyer) error
	GetBuyer(ctx context.Context, id string) (*Buyer, error)
	ListBuyers(ctx context.Context, after *pagination.Cursor, limit int) ([]*Buyer, error)
}
