package sales

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/estatepay/internal/events"
	"github.com/mbd888/estatepay/internal/logging"
	"github.com/mbd888/estatepay/internal/mpesa"
)

// fakeGateway answers pushes with sequential checkout ids.
type fakeGateway struct {
	mu       sync.Mutex
	pushes   []mpesa.PushRequest
	pushErr  error
	queries  map[string]*mpesa.QueryResult
	queryErr error
	queried  []string
	seq      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{queries: make(map[string]*mpesa.QueryResult)}
}

func (g *fakeGateway) STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, req)
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	g.seq++
	return &mpesa.PushResponse{
		MerchantRequestID: fmt.Sprintf("29115-%d", g.seq),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%04d", g.seq),
		ResponseCode:      "0",
	}, nil
}

func (g *fakeGateway) STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried = append(g.queried, checkoutRequestID)
	if res, ok := g.queries[checkoutRequestID]; ok {
		return res, nil
	}
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return nil, mpesa.ErrStillProcessing
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

// fakeDirectory serves buyers and projects from maps.
type fakeDirectory struct {
	buyers   map[string]*Buyer
	projects map[string]bool
}

func (d *fakeDirectory) GetBuyer(ctx context.Context, id string) (*Buyer, error) {
	b, ok := d.buyers[id]
	if !ok {
		return nil, ErrBuyerNotFound
	}
	cp := *b
	return &cp, nil
}

func (d *fakeDirectory) ProjectExists(ctx context.Context, id string) (bool, error) {
	return d.projects[id], nil
}

// fakeCache is an in-memory Cache.
type fakeCache struct {
	mu         sync.Mutex
	status     map[string]TransactionStatus
	reconciled map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		status:     make(map[string]TransactionStatus),
		reconciled: make(map[string]bool),
	}
}

func (c *fakeCache) SetStatus(ctx context.Context, id string, s TransactionStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[id] = s
	return nil
}

func (c *fakeCache) Status(ctx context.Context, id string) (TransactionStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.status[id]
	return s, ok, nil
}

func (c *fakeCache) MarkReconciled(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciled[id] = true
	return nil
}

func (c *fakeCache) Reconciled(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciled[id], nil
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	testHold      = 72 * time.Hour
	testShortCode = "174379"
	buyerA        = "buy_alice"
	buyerB        = "buy_brian"
	projectID     = "prj_riverside"
)

type fixture struct {
	store        *MemoryStore
	gateway      *fakeGateway
	directory    *fakeDirectory
	events       *events.Recorder
	clock        *clock
	reconciler   *Reconciler
	initiator    *Initiator
	orchestrator *Orchestrator
	service      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.Discard()
	f := &fixture{
		store:   NewMemoryStore(),
		gateway: newFakeGateway(),
		directory: &fakeDirectory{
			buyers: map[string]*Buyer{
				buyerA: {ID: buyerA, Name: "Alice Wanjiru", Phone: "0712345678"},
				buyerB: {ID: buyerB, Name: "Brian Otieno", Phone: "0722000111"},
			},
			projects: map[string]bool{projectID: true},
		},
		events: events.NewRecorder(),
		clock:  &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
	}
	f.reconciler = NewReconciler(f.store, f.events, testHold, logger).WithClock(f.clock.Now)
	f.reconciler.retryDelay = time.Millisecond
	f.initiator = NewInitiator(f.store, f.gateway, logger).WithClock(f.clock.Now)
	f.orchestrator = NewOrchestrator(f.store, f.directory, f.initiator, f.reconciler, testShortCode, logger).WithClock(f.clock.Now)
	f.service = NewService(f.store, f.directory, logger)
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) seedUnit(t *testing.T, code, price string) *Unit {
	t.Helper()
	now := f.clock.Now()
	u := &Unit{
		ID:        "unit_" + code,
		ProjectID: projectID,
		Code:      code,
		Price:     dec(price),
		Status:    UnitAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateUnit(context.Background(), u))
	return u
}

// purchase opens an STK invoice and returns it with its push's correlation id.
func (f *fixture) purchase(t *testing.T, unitID, buyerID, down, total string) (*PurchaseResult, string) {
	t.Helper()
	req := PurchaseRequest{
		UnitID:            unitID,
		BuyerID:           buyerID,
		PaymentMethod:     MethodMpesaSTK,
		DownPaymentAmount: dec(down),
	}
	if total != "" {
		req.TotalAmount = decimal.NewNullDecimal(dec(total))
	}
	res, err := f.orchestrator.Purchase(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.CheckoutRequestID)
	return res, res.CheckoutRequestID
}

// seedPending records an accepted push for amount directly, bypassing the
// one-push-at-a-time guard.
func (f *fixture) seedPending(t *testing.T, invoiceID, correlationID, amount string) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	require.NoError(t, f.store.RunInTx(ctx, func(tx Tx) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		pay := &Payment{
			ID:        "pay_" + correlationID,
			InvoiceID: inv.ID,
			BuyerID:   inv.BuyerID,
			Amount:    dec(amount),
			Method:    MethodMpesaSTK,
			Status:    PaymentPending,
			CreatedAt: now,
		}
		if err := tx.CreatePayment(ctx, pay); err != nil {
			return err
		}
		return tx.CreateTransaction(ctx, &Transaction{
			ID:            "txn_" + correlationID,
			CorrelationID: correlationID,
			PhoneNumber:   "254712345678",
			Amount:        dec(amount),
			Status:        TxnPending,
			InvoiceID:     inv.ID,
			BuyerID:       inv.BuyerID,
			PaymentID:     pay.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}))
}

func success(correlationID, receipt string) Callback {
	return Callback{
		CorrelationID: correlationID,
		ResultCode:    mpesa.ResultSuccess,
		ResultDesc:    "The service request is processed successfully.",
		ReceiptNumber: receipt,
	}
}

func failure(correlationID string, code int) Callback {
	return Callback{
		CorrelationID: correlationID,
		ResultCode:    code,
		ResultDesc:    "Request failed",
	}
}

// callbackBody renders a gateway callback envelope.
func callbackBody(t *testing.T, correlationID string, code int, receipt string, amount int64) []byte {
	t.Helper()
	cb := map[string]any{
		"MerchantRequestID": "29115-1",
		"CheckoutRequestID": correlationID,
		"ResultCode":        code,
		"ResultDesc":        "done",
	}
	if code == mpesa.ResultSuccess {
		cb["CallbackMetadata"] = map[string]any{
			"Item": []map[string]any{
				{"Name": "Amount", "Value": amount},
				{"Name": "MpesaReceiptNumber", "Value": receipt},
				{"Name": "PhoneNumber", "Value": 254712345678},
			},
		}
	}
	raw, err := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": cb}})
	require.NoError(t, err)
	return raw
}

func (f *fixture) unit(t *testing.T, id string) *Unit {
	t.Helper()
	u, err := f.store.GetUnit(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) invoice(t *testing.T, id string) *Invoice {
	t.Helper()
	inv, err := f.store.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func (f *fixture) completed(t *testing.T, invoiceID string) []*Payment {
	t.Helper()
	payments, err := f.store.ListPayments(context.Background(), invoiceID)
	require.NoError(t, err)
	var out []*Payment
	for _, p := range payments {
		if p.Status == PaymentCompleted {
			out = append(out, p)
		}
	}
	return out
}

func (f *fixture) reviews(t *testing.T, kind ReviewKind) []*Review {
	t.Helper()
	all, err := f.store.ListReviews(context.Background(), false, 0)
	require.NoError(t, err)
	var out []*Review
	for _, r := range all {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}
