package property

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/estatepay/internal/pagination"
)

// MemoryStore is an in-memory property store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
	buyers   map[string]*Buyer
}

// NewMemoryStore creates a new in-memory property store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*Project),
		buyers:   make(map[string]*Buyer),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateProject(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProject(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProjects(ctx context.Context, after *pagination.Cursor, limit int) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Project
	for _, p := range m.projects {
		if after.After(p.CreatedAt, p.ID) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt.UnixNano(), result[i].ID, result[j].CreatedAt.UnixNano(), result[j].ID)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) CreateBuyer(ctx context.Context, b *Buyer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.buyers {
		if (b.Phone != "" && existing.Phone == b.Phone) ||
			(b.NationalID != "" && existing.NationalID == b.NationalID) ||
			(b.Email != "" && strings.EqualFold(existing.Email, b.Email)) {
			return ErrDuplicateBuyer
		}
	}
	cp := *b
	m.buyers[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBuyer(ctx context.Context, id string) (*Buyer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buyers[id]
	if !ok {
		return nil, ErrBuyerNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBuyers(ctx context.Context, after *pagination.Cursor, limit int) ([]*Buyer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Buyer
	for _, b := range m.buyers {
		if after.After(b.CreatedAt, b.ID) {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt.UnixNano(), result[i].ID, result[j].CreatedAt.UnixNano(), result[j].ID)
	})
	return truncate(result, limit), nil
}

// newer orders by (createdAt, id) descending, matching the SQL stores.
func newer(at1 int64, id1 string, at2 int64, id2 string) bool {
	if at1 != at2 {
		return at1 > at2
	}
	return id1 > id2
}

func truncate[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
