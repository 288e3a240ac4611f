package sales

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists sales data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed sales store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const uniqueViolation = "23505"

func uniqueConstraint(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

// --- units ---

const unitColumns = `id, project_id, code, price, status, reserved_by, reserved_until, invoice_id, created_at, updated_at`

func scanUnit(s scanner) (*Unit, error) {
	u := &Unit{}
	var (
		status        string
		reservedBy    sql.NullString
		reservedUntil sql.NullTime
		invoiceID     sql.NullString
	)
	if err := s.Scan(&u.ID, &u.ProjectID, &u.Code, &u.Price, &status,
		&reservedBy, &reservedUntil, &invoiceID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Status = UnitStatus(status)
	u.ReservedBy = reservedBy.String
	u.InvoiceID = invoiceID.String
	if reservedUntil.Valid {
		t := reservedUntil.Time
		u.ReservedUntil = &t
	}
	return u, nil
}

func scanUnits(rows *sql.Rows) ([]*Unit, error) {
	var result []*Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateUnit(ctx context.Context, u *Unit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO units (`+unitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.ProjectID, u.Code, u.Price, string(u.Status),
		nullString(u.ReservedBy), nullTime(u.ReservedUntil), nullString(u.InvoiceID),
		u.CreatedAt, u.UpdatedAt,
	)
	if _, ok := uniqueConstraint(err); ok {
		return ErrUnitCodeTaken
	}
	return err
}

func (p *PostgresStore) GetUnit(ctx context.Context, id string) (*Unit, error) {
	return getUnit(ctx, p.db, id, "")
}

func getUnit(ctx context.Context, q queryer, id, suffix string) (*Unit, error) {
	row := q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = $1`+suffix, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnitNotFound
	}
	return u, err
}

func (p *PostgresStore) ListUnits(ctx context.Context, filter UnitFilter, limit int) ([]*Unit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM units
		WHERE ($1 = '' OR project_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at
		LIMIT $3`, filter.ProjectID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanUnits(rows)
}

func (p *PostgresStore) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]*Unit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM units
		WHERE status = 'RESERVED'
		  AND reserved_until < $1
		ORDER BY reserved_until
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanUnits(rows)
}

// --- invoices ---

const invoiceColumns = `id, number, unit_id, buyer_id, payment_plan_id, total_amount, status,
		       correlation_id, needs_review, created_at, updated_at`

func scanInvoice(s scanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		status        string
		planID        sql.NullString
		correlationID sql.NullString
	)
	if err := s.Scan(&inv.ID, &inv.Number, &inv.UnitID, &inv.BuyerID, &planID, &inv.TotalAmount, &status,
		&correlationID, &inv.NeedsReview, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.Status = InvoiceStatus(status)
	inv.PaymentPlanID = planID.String
	inv.CorrelationID = correlationID.String
	return inv, nil
}

func (p *PostgresStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return getInvoice(ctx, p.db, id, "")
}

func getInvoice(ctx context.Context, q queryer, id, suffix string) (*Invoice, error) {
	row := q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`+suffix, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

// --- payments ---

const paymentColumns = `id, invoice_id, buyer_id, amount, method, status, reference, created_at, resolved_at`

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		method, status string
		reference      sql.NullString
		resolvedAt     sql.NullTime
	)
	if err := s.Scan(&pay.ID, &pay.InvoiceID, &pay.BuyerID, &pay.Amount, &method, &status,
		&reference, &pay.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	pay.Method = PaymentMethod(method)
	pay.Status = PaymentStatus(status)
	pay.Reference = reference.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		pay.ResolvedAt = &t
	}
	return pay, nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, invoiceID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE invoice_id = $1
		ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

// --- gateway transactions ---

const transactionColumns = `id, correlation_id, secondary_id, phone_number, amount, status,
		       result_code, result_description, receipt_number, metadata, callback_received_at,
		       invoice_id, buyer_id, payment_id, created_at, updated_at`

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status                     string
		secondaryID, desc, receipt sql.NullString
		paymentID                  sql.NullString
		resultCode                 sql.NullInt64
		metadata                   []byte
		callbackAt                 sql.NullTime
	)
	if err := s.Scan(&t.ID, &t.CorrelationID, &secondaryID, &t.PhoneNumber, &t.Amount, &status,
		&resultCode, &desc, &receipt, &metadata, &callbackAt,
		&t.InvoiceID, &t.BuyerID, &paymentID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TransactionStatus(status)
	t.SecondaryID = secondaryID.String
	t.ResultDescription = desc.String
	t.ReceiptNumber = receipt.String
	t.PaymentID = paymentID.String
	if resultCode.Valid {
		rc := int(resultCode.Int64)
		t.ResultCode = &rc
	}
	if callbackAt.Valid {
		at := callbackAt.Time
		t.CallbackReceivedAt = &at
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
		if len(t.Metadata) == 0 {
			t.Metadata = nil
		}
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetTransaction(ctx context.Context, correlationID string) (*Transaction, error) {
	return getTransaction(ctx, p.db, correlationID, "")
}

func getTransaction(ctx context.Context, q queryer, correlationID, suffix string) (*Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM gateway_transactions WHERE correlation_id = $1`+suffix, correlationID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) ListTransactionsByInvoice(ctx context.Context, invoiceID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM gateway_transactions
		WHERE invoice_id = $1
		ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM gateway_transactions
		WHERE status = 'PENDING'
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// --- reviews ---

const reviewColumns = `id, kind, invoice_id, correlation_id, detail, resolved, resolved_by, resolved_at, created_at`

func scanReview(s scanner) (*Review, error) {
	r := &Review{}
	var (
		kind                                 string
		invoiceID, correlationID, resolvedBy sql.NullString
		resolvedAt                           sql.NullTime
	)
	if err := s.Scan(&r.ID, &kind, &invoiceID, &correlationID, &r.Detail, &r.Resolved,
		&resolvedBy, &resolvedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Kind = ReviewKind(kind)
	r.InvoiceID = invoiceID.String
	r.CorrelationID = correlationID.String
	r.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	return r, nil
}

func (p *PostgresStore) ListReviews(ctx context.Context, onlyOpen bool, limit int) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reviewColumns+`
		FROM sales_reviews
		WHERE NOT ($1 AND resolved)
		ORDER BY created_at DESC
		LIMIT $2`, onlyOpen, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ResolveReview(ctx context.Context, id, resolvedBy string, at time.Time) (*Review, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE sales_reviews SET
			resolved = TRUE,
			resolved_by = COALESCE(resolved_by, $2),
			resolved_at = COALESCE(resolved_at, $3)
		WHERE id = $1
		RETURNING `+reviewColumns, id, nullString(resolvedBy), at)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReviewNotFound
	}
	return r, err
}

// --- callback inbox ---

const inboxColumns = `correlation_id, payload, status, attempts, last_error, next_attempt_at, received_at, processed_at`

func scanInbox(s scanner) (*InboxEntry, error) {
	e := &InboxEntry{}
	var (
		payload     []byte
		status      string
		lastError   sql.NullString
		processedAt sql.NullTime
	)
	if err := s.Scan(&e.CorrelationID, &payload, &status, &e.Attempts, &lastError,
		&e.NextAttemptAt, &e.ReceivedAt, &processedAt); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.Status = InboxStatus(status)
	e.LastError = lastError.String
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return e, nil
}

func (p *PostgresStore) RecordInbox(ctx context.Context, e *InboxEntry) (*InboxEntry, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO callback_inbox (`+inboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (correlation_id) DO NOTHING
		RETURNING `+inboxColumns,
		e.CorrelationID, []byte(e.Payload), string(e.Status), e.Attempts, nullString(e.LastError),
		e.NextAttemptAt, e.ReceivedAt, nullTime(e.ProcessedAt),
	)
	stored, err := scanInbox(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	existing, err := p.GetInbox(ctx, e.CorrelationID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) GetInbox(ctx context.Context, correlationID string) (*InboxEntry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM callback_inbox WHERE correlation_id = $1`, correlationID)
	e, err := scanInbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInboxNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateInbox(ctx context.Context, e *InboxEntry) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE callback_inbox SET
			status = $1, attempts = $2, last_error = $3, next_attempt_at = $4, processed_at = $5
		WHERE correlation_id = $6`,
		string(e.Status), e.Attempts, nullString(e.LastError), e.NextAttemptAt, nullTime(e.ProcessedAt),
		e.CorrelationID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInboxNotFound
	}
	return nil
}

func (p *PostgresStore) ListDueInbox(ctx context.Context, now time.Time, limit int) ([]*InboxEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+inboxColumns+`
		FROM callback_inbox
		WHERE status IN ('NEW', 'FAILED')
		  AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*InboxEntry
	for rows.Next() {
		e, err := scanInbox(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- transactions ---

func (p *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// postgresTx locks rows with SELECT ... FOR UPDATE for the life of the
// database transaction.
type postgresTx struct {
	tx *sql.Tx
}

var _ Tx = (*postgresTx)(nil)

const forUpdate = ` FOR UPDATE`

func (t *postgresTx) LockTransaction(ctx context.Context, correlationID string) (*Transaction, error) {
	return getTransaction(ctx, t.tx, correlationID, forUpdate)
}

func (t *postgresTx) LockInvoice(ctx context.Context, id string) (*Invoice, error) {
	return getInvoice(ctx, t.tx, id, forUpdate)
}

func (t *postgresTx) LockUnit(ctx context.Context, id string) (*Unit, error) {
	return getUnit(ctx, t.tx, id, forUpdate)
}

func (t *postgresTx) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (t *postgresTx) SumCompleted(ctx context.Context, invoiceID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payments
		WHERE invoice_id = $1 AND status = 'COMPLETED'`, invoiceID).Scan(&sum)
	return sum, err
}

func (t *postgresTx) FindPaymentByReference(ctx context.Context, method PaymentMethod, ref string) (*Payment, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE method = $1 AND reference = $2 AND status = 'COMPLETED'`, string(method), ref)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (t *postgresTx) CreateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.Number, inv.UnitID, inv.BuyerID, nullString(inv.PaymentPlanID), inv.TotalAmount,
		string(inv.Status), nullString(inv.CorrelationID), inv.NeedsReview, inv.CreatedAt, inv.UpdatedAt,
	)
	return err
}

func (t *postgresTx) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE invoices SET
			status = $1, correlation_id = $2, needs_review = $3, updated_at = $4
		WHERE id = $5`,
		string(inv.Status), nullString(inv.CorrelationID), inv.NeedsReview, inv.UpdatedAt, inv.ID,
	)
	return expectOne(result, err, ErrInvoiceNotFound)
}

func (t *postgresTx) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pay.ID, pay.InvoiceID, pay.BuyerID, pay.Amount, string(pay.Method), string(pay.Status),
		nullString(pay.Reference), pay.CreatedAt, nullTime(pay.ResolvedAt),
	)
	if _, ok := uniqueConstraint(err); ok {
		return ErrDuplicateReference
	}
	return err
}

func (t *postgresTx) UpdatePayment(ctx context.Context, pay *Payment) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE payments SET
			amount = $1, status = $2, reference = $3, resolved_at = $4
		WHERE id = $5`,
		pay.Amount, string(pay.Status), nullString(pay.Reference), nullTime(pay.ResolvedAt), pay.ID,
	)
	if _, ok := uniqueConstraint(err); ok {
		return ErrDuplicateReference
	}
	return expectOne(result, err, ErrPaymentNotFound)
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func (t *postgresTx) CreateTransaction(ctx context.Context, txn *Transaction) error {
	metadata, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO gateway_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		txn.ID, txn.CorrelationID, nullString(txn.SecondaryID), txn.PhoneNumber, txn.Amount, string(txn.Status),
		nullInt(txn.ResultCode), nullString(txn.ResultDescription), nullString(txn.ReceiptNumber), metadata,
		nullTime(txn.CallbackReceivedAt), txn.InvoiceID, txn.BuyerID, nullString(txn.PaymentID),
		txn.CreatedAt, txn.UpdatedAt,
	)
	return err
}

func (t *postgresTx) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	metadata, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE gateway_transactions SET
			status = $1, result_code = $2, result_description = $3, receipt_number = $4,
			metadata = $5, callback_received_at = $6, payment_id = $7, updated_at = $8
		WHERE correlation_id = $9`,
		string(txn.Status), nullInt(txn.ResultCode), nullString(txn.ResultDescription), nullString(txn.ReceiptNumber),
		metadata, nullTime(txn.CallbackReceivedAt), nullString(txn.PaymentID), txn.UpdatedAt,
		txn.CorrelationID,
	)
	return expectOne(result, err, ErrTransactionNotFound)
}

func (t *postgresTx) UpdateUnit(ctx context.Context, u *Unit) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE units SET
			status = $1, reserved_by = $2, reserved_until = $3, invoice_id = $4, updated_at = $5
		WHERE id = $6`,
		string(u.Status), nullString(u.ReservedBy), nullTime(u.ReservedUntil), nullString(u.InvoiceID),
		u.UpdatedAt, u.ID,
	)
	return expectOne(result, err, ErrUnitNotFound)
}

func (t *postgresTx) CreateReview(ctx context.Context, r *Review) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales_reviews (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, string(r.Kind), nullString(r.InvoiceID), nullString(r.CorrelationID), r.Detail,
		r.Resolved, nullString(r.ResolvedBy), nullTime(r.ResolvedAt), r.CreatedAt,
	)
	return err
}

func expectOne(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
