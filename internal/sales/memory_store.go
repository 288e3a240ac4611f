package sales

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory sales store for demo/development mode and
// tests. RunInTx holds the store-wide write lock and stages changes in an
// overlay that is merged on success.
type MemoryStore struct {
	mu       sync.RWMutex
	units    map[string]*Unit
	invoices map[string]*Invoice
	payments map[string]*Payment
	txns     map[string]*Transaction // by correlation id
	reviews  map[string]*Review
	inbox    map[string]*InboxEntry
}

// NewMemoryStore creates a new in-memory sales store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:    make(map[string]*Unit),
		invoices: make(map[string]*Invoice),
		payments: make(map[string]*Payment),
		txns:     make(map[string]*Transaction),
		reviews:  make(map[string]*Review),
		inbox:    make(map[string]*InboxEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func cloneUnit(u *Unit) *Unit {
	cp := *u
	return &cp
}

func cloneInvoice(i *Invoice) *Invoice {
	cp := *i
	return &cp
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	return &cp
}

func cloneReview(r *Review) *Review {
	cp := *r
	return &cp
}

func cloneInbox(e *InboxEntry) *InboxEntry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}

func cloneTransaction(t *Transaction) *Transaction {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = maps.Clone(t.Metadata)
	}
	if t.ResultCode != nil {
		rc := *t.ResultCode
		cp.ResultCode = &rc
	}
	return &cp
}

func (m *MemoryStore) CreateUnit(ctx context.Context, unit *Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.units {
		if u.ID == unit.ID {
			return fmt.Errorf("unit %s already exists", unit.ID)
		}
		if u.ProjectID == unit.ProjectID && u.Code == unit.Code {
			return ErrUnitCodeTaken
		}
	}
	m.units[unit.ID] = cloneUnit(unit)
	return nil
}

func (m *MemoryStore) GetUnit(ctx context.Context, id string) (*Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.units[id]
	if !ok {
		return nil, ErrUnitNotFound
	}
	return cloneUnit(u), nil
}

func (m *MemoryStore) ListUnits(ctx context.Context, filter UnitFilter, limit int) ([]*Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Unit
	for _, u := range m.units {
		if filter.ProjectID != "" && u.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		result = append(result, cloneUnit(u))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]*Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Unit
	for _, u := range m.units {
		if u.Status == UnitReserved && u.ReservedUntil != nil && u.ReservedUntil.Before(before) {
			result = append(result, cloneUnit(u))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return cloneInvoice(inv), nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, invoiceID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			result = append(result, clonePayment(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, correlationID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[correlationID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (m *MemoryStore) ListTransactionsByInvoice(ctx context.Context, invoiceID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.InvoiceID == invoiceID {
			result = append(result, cloneTransaction(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.Status == TxnPending && t.CreatedAt.Before(olderThan) {
			result = append(result, cloneTransaction(t))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListReviews(ctx context.Context, onlyOpen bool, limit int) ([]*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Review
	for _, r := range m.reviews {
		if onlyOpen && r.Resolved {
			continue
		}
		result = append(result, cloneReview(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ResolveReview(ctx context.Context, id, resolvedBy string, at time.Time) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reviews[id]
	if !ok {
		return nil, ErrReviewNotFound
	}
	if !r.Resolved {
		r.Resolved = true
		r.ResolvedBy = resolvedBy
		r.ResolvedAt = &at
	}
	return cloneReview(r), nil
}

func (m *MemoryStore) RecordInbox(ctx context.Context, e *InboxEntry) (*InboxEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.inbox[e.CorrelationID]; ok {
		return cloneInbox(existing), false, nil
	}
	m.inbox[e.CorrelationID] = cloneInbox(e)
	return cloneInbox(e), true, nil
}

func (m *MemoryStore) GetInbox(ctx context.Context, correlationID string) (*InboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.inbox[correlationID]
	if !ok {
		return nil, ErrInboxNotFound
	}
	return cloneInbox(e), nil
}

func (m *MemoryStore) UpdateInbox(ctx context.Context, e *InboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inbox[e.CorrelationID]; !ok {
		return ErrInboxNotFound
	}
	m.inbox[e.CorrelationID] = cloneInbox(e)
	return nil
}

func (m *MemoryStore) ListDueInbox(ctx context.Context, now time.Time, limit int) ([]*InboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*InboxEntry
	for _, e := range m.inbox {
		if (e.Status == InboxNew || e.Status == InboxFailed) && !e.NextAttemptAt.After(now) {
			result = append(result, cloneInbox(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextAttemptAt.Before(result[j].NextAttemptAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		m:        m,
		units:    make(map[string]*Unit),
		invoices: make(map[string]*Invoice),
		payments: make(map[string]*Payment),
		txns:     make(map[string]*Transaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, u := range tx.units {
		m.units[id] = u
	}
	for id, inv := range tx.invoices {
		m.invoices[id] = inv
	}
	for id, p := range tx.payments {
		m.payments[id] = p
	}
	for cid, t := range tx.txns {
		m.txns[cid] = t
	}
	for _, r := range tx.reviews {
		m.reviews[r.ID] = r
	}
	return nil
}

// memoryTx stages writes over the store maps. The store's write lock is
// held for its whole lifetime, so it reads the base maps directly.
type memoryTx struct {
	m        *MemoryStore
	units    map[string]*Unit
	invoices map[string]*Invoice
	payments map[string]*Payment
	txns     map[string]*Transaction
	reviews  []*Review
}

var _ Tx = (*memoryTx)(nil)

func (t *memoryTx) LockTransaction(ctx context.Context, correlationID string) (*Transaction, error) {
	if s, ok := t.txns[correlationID]; ok {
		return cloneTransaction(s), nil
	}
	if b, ok := t.m.txns[correlationID]; ok {
		return cloneTransaction(b), nil
	}
	return nil, ErrTransactionNotFound
}

func (t *memoryTx) LockInvoice(ctx context.Context, id string) (*Invoice, error) {
	if s, ok := t.invoices[id]; ok {
		return cloneInvoice(s), nil
	}
	if b, ok := t.m.invoices[id]; ok {
		return cloneInvoice(b), nil
	}
	return nil, ErrInvoiceNotFound
}

func (t *memoryTx) LockUnit(ctx context.Context, id string) (*Unit, error) {
	if s, ok := t.units[id]; ok {
		return cloneUnit(s), nil
	}
	if b, ok := t.m.units[id]; ok {
		return cloneUnit(b), nil
	}
	return nil, ErrUnitNotFound
}

func (t *memoryTx) GetPayment(ctx context.Context, id string) (*Payment, error) {
	if s, ok := t.payments[id]; ok {
		return clonePayment(s), nil
	}
	if b, ok := t.m.payments[id]; ok {
		return clonePayment(b), nil
	}
	return nil, ErrPaymentNotFound
}

// visiblePayments merges staged payments over committed ones.
func (t *memoryTx) visiblePayments() map[string]*Payment {
	out := make(map[string]*Payment, len(t.m.payments)+len(t.payments))
	maps.Copy(out, t.m.payments)
	maps.Copy(out, t.payments)
	return out
}

func (t *memoryTx) SumCompleted(ctx context.Context, invoiceID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range t.visiblePayments() {
		if p.InvoiceID == invoiceID && p.Status == PaymentCompleted {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (t *memoryTx) FindPaymentByReference(ctx context.Context, method PaymentMethod, ref string) (*Payment, error) {
	for _, p := range t.visiblePayments() {
		if p.Method == method && p.Reference == ref && p.Status == PaymentCompleted {
			return clonePayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (t *memoryTx) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if _, ok := t.m.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	t.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

func (t *memoryTx) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	if _, err := t.LockInvoice(ctx, inv.ID); err != nil {
		return err
	}
	t.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

func (t *memoryTx) CreatePayment(ctx context.Context, p *Payment) error {
	if _, ok := t.m.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	if p.Status == PaymentCompleted && p.Reference != "" {
		if _, err := t.FindPaymentByReference(ctx, p.Method, p.Reference); err == nil {
			return ErrDuplicateReference
		}
	}
	t.payments[p.ID] = clonePayment(p)
	return nil
}

func (t *memoryTx) UpdatePayment(ctx context.Context, p *Payment) error {
	if _, err := t.GetPayment(ctx, p.ID); err != nil {
		return err
	}
	if p.Status == PaymentCompleted && p.Reference != "" {
		existing, err := t.FindPaymentByReference(ctx, p.Method, p.Reference)
		if err == nil && existing.ID != p.ID {
			return ErrDuplicateReference
		}
	}
	t.payments[p.ID] = clonePayment(p)
	return nil
}

func (t *memoryTx) CreateTransaction(ctx context.Context, txn *Transaction) error {
	if _, err := t.LockTransaction(ctx, txn.CorrelationID); err == nil {
		return fmt.Errorf("transaction %s already exists", txn.CorrelationID)
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return err
	}
	t.txns[txn.CorrelationID] = cloneTransaction(txn)
	return nil
}

func (t *memoryTx) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	if _, err := t.LockTransaction(ctx, txn.CorrelationID); err != nil {
		return err
	}
	t.txns[txn.CorrelationID] = cloneTransaction(txn)
	return nil
}

func (t *memoryTx) UpdateUnit(ctx context.Context, u *Unit) error {
	if _, err := t.LockUnit(ctx, u.ID); err != nil {
		return err
	}
	t.units[u.ID] = cloneUnit(u)
	return nil
}

func (t *memoryTx) CreateReview(ctx context.Context, r *Review) error {
	t.reviews = append(t.reviews, cloneReview(r))
	return nil
}
