package property

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/estatepay/internal/pagination"
)

// PostgresStore persists projects and buyers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed property store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

type scanner interface {
	Scan(dest ...any) error
}

// farFuture stands in for "no cursor" in keyset queries.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

func cursorArgs(after *pagination.Cursor) (time.Time, string) {
	if after == nil {
		return farFuture, ""
	}
	return after.CreatedAt, after.ID
}

// keyset selects rows after ($1, $2) in (created_at, id) descending order.
const keyset = `(created_at < $1 OR (created_at = $1 AND ($2 = '' OR id < $2)))`

// --- projects ---

const projectColumns = `id, name, location, created_at, updated_at`

func scanProject(s scanner) (*Project, error) {
	p := &Project{}
	var location sql.NullString
	if err := s.Scan(&p.ID, &p.Name, &location, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Location = location.String
	return p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, nullString(p.Location), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	return p, err
}

func (s *PostgresStore) ListProjects(ctx context.Context, after *pagination.Cursor, limit int) ([]*Project, error) {
	at, id := cursorArgs(after)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE `+keyset+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, at, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- buyers ---

const buyerColumns = `id, name, email, phone, national_id, created_at, updated_at`

func scanBuyer(s scanner) (*Buyer, error) {
	b := &Buyer{}
	var email, phone, nationalID sql.NullString
	if err := s.Scan(&b.ID, &b.Name, &email, &phone, &nationalID, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Email = email.String
	b.Phone = phone.String
	b.NationalID = nationalID.String
	return b, nil
}

func (s *PostgresStore) CreateBuyer(ctx context.Context, b *Buyer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buyers (`+buyerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.Name, nullString(b.Email), nullString(b.Phone), nullString(b.NationalID),
		b.CreatedAt, b.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateBuyer
	}
	return err
}

func (s *PostgresStore) GetBuyer(ctx context.Context, id string) (*Buyer, error) {
	b, err := scanBuyer(s.db.QueryRowContext(ctx,
		`SELECT `+buyerColumns+` FROM buyers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBuyerNotFound
	}
	return b, err
}

func (s *PostgresStore) ListBuyers(ctx context.Context, after *pagination.Cursor, limit int) ([]*Buyer, error) {
	at, id := cursorArgs(after)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+buyerColumns+`
		FROM buyers
		WHERE `+keyset+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, at, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Buyer
	for rows.Next() {
		b, err := scanBuyer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
