//go:build integration

package sales

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/estatepay/internal/events"
	"github.com/mbd888/estatepay/internal/logging"
	"github.com/mbd888/estatepay/internal/testutil"
)

type pgFixture struct {
	db           *sql.DB
	store        *PostgresStore
	gateway      *fakeGateway
	events       *events.Recorder
	reconciler   *Reconciler
	orchestrator *Orchestrator
}

func setupPG(t *testing.T) *pgFixture {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO projects (id, name, location) VALUES ($1, 'Riverside Gardens', 'Kiambu')`, projectID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO buyers (id, name, phone) VALUES ($1, 'Alice Wanjiru', '0712345678'), ($2, 'Brian Otieno', '0722000111')`, buyerA, buyerB)
	require.NoError(t, err)

	logger := logging.Discard()
	f := &pgFixture{
		db:      db,
		store:   NewPostgresStore(db),
		gateway: newFakeGateway(),
		events:  events.NewRecorder(),
	}
	dir := &fakeDirectory{
		buyers: map[string]*Buyer{
			buyerA: {ID: buyerA, Phone: "0712345678"},
			buyerB: {ID: buyerB, Phone: "0722000111"},
		},
		projects: map[string]bool{projectID: true},
	}
	f.reconciler = NewReconciler(f.store, f.events, testHold, logger)
	f.reconciler.retryDelay = time.Millisecond
	initiator := NewInitiator(f.store, f.gateway, logger)
	f.orchestrator = NewOrchestrator(f.store, dir, initiator, f.reconciler, testShortCode, logger)
	return f
}

func (f *pgFixture) seedUnit(t *testing.T, code, price string) *Unit {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	u := &Unit{
		ID: "unit_" + code, ProjectID: projectID, Code: code, Price: dec(price),
		Status: UnitAvailable, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateUnit(context.Background(), u))
	return u
}

func (f *pgFixture) stkPurchase(t *testing.T, unitID, buyerID, down string) *PurchaseResult {
	t.Helper()
	res, err := f.orchestrator.Purchase(context.Background(), PurchaseRequest{
		UnitID: unitID, BuyerID: buyerID, PaymentMethod: MethodMpesaSTK, DownPaymentAmount: dec(down),
	})
	require.NoError(t, err)
	return res
}

func TestPostgresStore_UnitCRUD(t *testing.T) {
	f := setupPG(t)
	ctx := context.Background()
	u := f.seedUnit(t, "P-1", "4500000")

	got, err := f.store.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "P-1", got.Code)
	assert.True(t, dec("4500000").Equal(got.Price))

	err = f.store.CreateUnit(ctx, &Unit{ID: "unit_dup", ProjectID: projectID, Code: "P-1", Price: dec("1"), Status: UnitAvailable})
	assert.ErrorIs(t, err, ErrUnitCodeTaken)

	_, err = f.store.GetUnit(ctx, "unit_missing")
	assert.ErrorIs(t, err, ErrUnitNotFound)

	units, err := f.store.ListUnits(ctx, UnitFilter{ProjectID: projectID, Status: UnitAvailable}, 10)
	require.NoError(t, err)
	assert.Len(t, units, 1)
}

func TestPostgresStore_PurchaseAndReconcile(t *testing.T) {
	f := setupPG(t)
	ctx := context.Background()
	unit := f.seedUnit(t, "P-2", "100000")
	res := f.stkPurchase(t, unit.ID, buyerA, "100000")

	inv, err := f.store.GetInvoice(ctx, res.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, res.CheckoutRequestID, inv.CorrelationID)

	out, err := f.reconciler.Reconcile(ctx, Callback{
		CorrelationID: res.CheckoutRequestID,
		ResultCode:    0,
		ReceiptNumber: "QKPG000001",
		Metadata:      map[string]any{"PhoneNumber": float64(254712345678)},
	})
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, out.InvoiceStatus)

	u, err := f.store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, UnitSold, u.Status)
	assert.Equal(t, buyerA, u.ReservedBy)

	txn, err := f.store.GetTransaction(ctx, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, TxnSuccess, txn.Status)
	assert.Equal(t, "QKPG000001", txn.ReceiptNumber)
	assert.Contains(t, txn.Metadata, "PhoneNumber")
	require.NotNil(t, txn.ResultCode)
	assert.Equal(t, 0, *txn.ResultCode)

	out, err = f.reconciler.Reconcile(ctx, Callback{CorrelationID: res.CheckoutRequestID, ReceiptNumber: "QKPG000001"})
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)

	payments, err := f.store.ListPayments(ctx, res.InvoiceID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentCompleted, payments[0].Status)
}

func TestPostgresStore_ConcurrentInstallments(t *testing.T) {
	f := setupPG(t)
	ctx := context.Background()
	unit := f.seedUnit(t, "P-3", "100000")
	res, err := f.orchestrator.Purchase(ctx, PurchaseRequest{
		UnitID: unit.ID, BuyerID: buyerA, PaymentMethod: MethodPaybill, DownPaymentAmount: dec("40000"),
	})
	require.NoError(t, err)

	now := time.Now()
	for _, p := range []struct{ cid, amount string }{{"ws_CO_pg40", "40000"}, {"ws_CO_pg60", "60000"}} {
		require.NoError(t, f.store.RunInTx(ctx, func(tx Tx) error {
			pay := &Payment{ID: "pay_" + p.cid, InvoiceID: res.InvoiceID, BuyerID: buyerA,
				Amount: dec(p.amount), Method: MethodMpesaSTK, Status: PaymentPending, CreatedAt: now}
			if err := tx.CreatePayment(ctx, pay); err != nil {
				return err
			}
			return tx.CreateTransaction(ctx, &Transaction{ID: "txn_" + p.cid, CorrelationID: p.cid,
				PhoneNumber: "254712345678", Amount: dec(p.amount), Status: TxnPending,
				InvoiceID: res.InvoiceID, BuyerID: buyerA, PaymentID: pay.ID, CreatedAt: now, UpdatedAt: now})
		}))
	}

	// Two reconcilers share the database but not the in-process locks.
	other := NewReconciler(f.store, f.events, testHold, logging.Discard())
	var wg sync.WaitGroup
	for i, cid := range []string{"ws_CO_pg40", "ws_CO_pg60"} {
		r := f.reconciler
		if i == 1 {
			r = other
		}
		wg.Add(1)
		go func(r *Reconciler, cid string) {
			defer wg.Done()
			_, err := r.Reconcile(ctx, Callback{CorrelationID: cid, ReceiptNumber: "R-" + cid})
			assert.NoError(t, err)
		}(r, cid)
	}
	wg.Wait()

	inv, err := f.store.GetInvoice(ctx, res.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, inv.Status)
	u, err := f.store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, UnitSold, u.Status)
}

func TestPostgresStore_ConflictAndReviews(t *testing.T) {
	f := setupPG(t)
	ctx := context.Background()
	unit := f.seedUnit(t, "P-4", "100000")
	resA := f.stkPurchase(t, unit.ID, buyerA, "20000")
	resB := f.stkPurchase(t, unit.ID, buyerB, "20000")

	_, err := f.reconciler.Reconcile(ctx, Callback{CorrelationID: resA.CheckoutRequestID, ReceiptNumber: "QK-PA"})
	require.NoError(t, err)
	_, err = f.reconciler.Reconcile(ctx, Callback{CorrelationID: resB.CheckoutRequestID, ReceiptNumber: "QK-PB"})
	assert.Equal(t, KindStateConflict, KindOf(err))

	u, err := f.store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, buyerA, u.ReservedBy)

	reviews, err := f.store.ListReviews(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, ReviewStateConflict, reviews[0].Kind)

	at := time.Now()
	r, err := f.store.ResolveReview(ctx, reviews[0].ID, "ops", at)
	require.NoError(t, err)
	assert.True(t, r.Resolved)
	r, err = f.store.ResolveReview(ctx, reviews[0].ID, "late", at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "ops", r.ResolvedBy)
}

func TestPostgresStore_ManualPaymentReferenceIsUnique(t *testing.T) {
	f := setupPG(t)
	ctx := context.Background()
	unit := f.seedUnit(t, "P-5", "100000")
	res, err := f.orchestrator.Purchase(ctx, PurchaseRequest{
		UnitID: unit.ID, BuyerID: buyerA, PaymentMethod: MethodPaybill, DownPaymentAmount: dec("10000"),
	})
	require.NoError(t, err)

	_, err = f.orchestrator.RecordManualPayment(ctx, ManualPayment{
		InvoiceID: res.InvoiceID, PaymentID: res.PaymentID, Amount: dec("10000"), Method: MethodPaybill, Reference: "QKPB1",
	})
	require.NoError(t, err)
	_, err = f.orchestrator.RecordManualPayment(ctx, ManualPayment{
		InvoiceID: res.InvoiceID, Amount: dec("10000"), Method: MethodPaybill, Reference: "QKPB1",
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestPostgresStore_InboxAndExpiry(t *testing.T) {
	f := setupPG(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e, created, err := f.store.RecordInbox(ctx, &InboxEntry{
		CorrelationID: "ws_CO_inbox", Payload: []byte(`{"Body":{}}`), Status: InboxNew,
		NextAttemptAt: now.Add(-time.Second), ReceivedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = f.store.RecordInbox(ctx, e)
	require.NoError(t, err)
	assert.False(t, created)

	due, err := f.store.ListDueInbox(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	e.Status = InboxProcessed
	e.ProcessedAt = &now
	require.NoError(t, f.store.UpdateInbox(ctx, e))
	due, err = f.store.ListDueInbox(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	unit := f.seedUnit(t, "P-6", "100000")
	require.NoError(t, f.store.RunInTx(ctx, func(tx Tx) error {
		u, err := tx.LockUnit(ctx, unit.ID)
		if err != nil {
			return err
		}
		past := now.Add(-time.Minute)
		u.Status, u.ReservedBy, u.ReservedUntil = UnitReserved, buyerA, &past
		return tx.UpdateUnit(ctx, u)
	}))

	expired, err := f.store.ListExpiredReservations(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	released, err := f.reconciler.Release(ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, released)
	u, err := f.store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, UnitAvailable, u.Status)
	assert.Nil(t, u.ReservedUntil)
}
