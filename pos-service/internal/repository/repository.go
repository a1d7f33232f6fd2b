package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

func (c *Credentials) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

// Repository is the postgres caja store.
type Repository struct {
	db         *sql.DB
	maxRetries uint64
}

func NewRepository(ctx context.Context, cred *Credentials) (*Repository, error) {
	db, err := sql.Open("postgres", cred.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	return &Repository{db: db, maxRetries: 3}, nil
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

// WithTx runs fn in a transaction carried by ctx. Serialization failures and
// deadlocks restart the whole callback with exponential backoff.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	op := func() error {
		err := r.runTx(ctx, fn)
		if err == nil || isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx))
}

func (r *Repository) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
}

const cajaColumns = `id, state, opened_by, opened_by_name, opened_at, opening, totals, counted, differences,
	closed_by, closed_at, pending_reason, pending_at, responsible_id, notes, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCaja(row rowScanner) (*domain.Caja, error) {
	var (
		c                               domain.Caja
		opening, totals, counted, diffs []byte
		closedAt, pendingAt             sql.NullTime
	)
	err := row.Scan(&c.ID, &c.State, &c.OpenedBy, &c.OpenedByName, &c.OpenedAt, &opening, &totals, &counted, &diffs,
		&c.ClosedBy, &closedAt, &c.PendingReason, &pendingAt, &c.ResponsibleID, &c.Notes, &c.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(opening, &c.Opening); err != nil {
		return nil, fmt.Errorf("decode opening: %w", err)
	}
	if err := json.Unmarshal(totals, &c.Totals); err != nil {
		return nil, fmt.Errorf("decode totals: %w", err)
	}
	if len(counted) > 0 {
		if err := json.Unmarshal(counted, &c.Counted); err != nil {
			return nil, fmt.Errorf("decode counted: %w", err)
		}
	}
	if len(diffs) > 0 {
		if err := json.Unmarshal(diffs, &c.Differences); err != nil {
			return nil, fmt.Errorf("decode differences: %w", err)
		}
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		c.ClosedAt = &t
	}
	if pendingAt.Valid {
		t := pendingAt.Time.UTC()
		c.PendingAt = &t
	}
	c.OpenedAt = c.OpenedAt.UTC()
	return &c, nil
}

func (r *Repository) getCaja(ctx context.Context, where string, args ...any) (*domain.Caja, error) {
	row := r.q(ctx).QueryRowContext(ctx, `SELECT `+cajaColumns+` FROM cajas `+where, args...)
	return scanCaja(row)
}

func (r *Repository) GetActiveForUpdate(ctx context.Context) (*domain.Caja, error) {
	c, err := r.getCaja(ctx, `WHERE state <> 'CLOSED' FOR UPDATE`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active caja: %w", err)
	}
	return c, nil
}

func (r *Repository) GetActive(ctx context.Context) (*domain.Caja, error) {
	c, err := r.getCaja(ctx, `WHERE state <> 'CLOSED'`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active caja: %w", err)
	}
	return c, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, cajaID string) (*domain.Caja, error) {
	return r.lookup(ctx, cajaID, `WHERE id = $1 FOR UPDATE`)
}

func (r *Repository) GetCaja(ctx context.Context, cajaID string) (*domain.Caja, error) {
	return r.lookup(ctx, cajaID, `WHERE id = $1`)
}

func (r *Repository) lookup(ctx context.Context, cajaID, where string) (*domain.Caja, error) {
	c, err := r.getCaja(ctx, where, cajaID)
	if errors.Is(err, sql.ErrNoRows) || isInvalidText(err) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCajaNotFound, cajaID)
	}
	if err != nil {
		return nil, fmt.Errorf("get caja: %w", err)
	}
	return c, nil
}

func isInvalidText(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

func (r *Repository) InsertCaja(ctx context.Context, c *domain.Caja) error {
	opening, totals, counted, diffs, err := encodeCajaJSON(c)
	if err != nil {
		return err
	}
	const stmt = `
INSERT INTO cajas (` + cajaColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err = r.q(ctx).ExecContext(ctx, stmt,
		c.ID, c.State, c.OpenedBy, c.OpenedByName, c.OpenedAt, opening, totals, nullJSON(counted), nullJSON(diffs),
		c.ClosedBy, c.ClosedAt, c.PendingReason, c.PendingAt, c.ResponsibleID, c.Notes, c.Version)
	if isUniqueViolation(err, "cajas_single_active") {
		return fmt.Errorf("%w: concurrent open", domain.ErrAlreadyOpen)
	}
	if err != nil {
		return fmt.Errorf("insert caja: %w", err)
	}
	return nil
}

func (r *Repository) UpdateCaja(ctx context.Context, c *domain.Caja) error {
	opening, totals, counted, diffs, err := encodeCajaJSON(c)
	if err != nil {
		return err
	}
	const stmt = `
UPDATE cajas SET state = $2, opening = $3, totals = $4, counted = $5, differences = $6,
	closed_by = $7, closed_at = $8, pending_reason = $9, pending_at = $10, responsible_id = $11,
	notes = $12, version = $13
WHERE id = $1`
	res, err := r.q(ctx).ExecContext(ctx, stmt,
		c.ID, c.State, opening, totals, nullJSON(counted), nullJSON(diffs),
		c.ClosedBy, c.ClosedAt, c.PendingReason, c.PendingAt, c.ResponsibleID, c.Notes, c.Version)
	if err != nil {
		return fmt.Errorf("update caja: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCajaNotFound, c.ID)
	}
	return nil
}

func encodeCajaJSON(c *domain.Caja) (opening, totals, counted, diffs []byte, err error) {
	if opening, err = json.Marshal(c.Opening.Clone()); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode opening: %w", err)
	}
	if totals, err = json.Marshal(c.Totals); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode totals: %w", err)
	}
	if c.Counted != nil {
		if counted, err = json.Marshal(c.Counted); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode counted: %w", err)
		}
	}
	if c.Differences != nil {
		if diffs, err = json.Marshal(c.Differences); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode differences: %w", err)
		}
	}
	return opening, totals, counted, diffs, nil
}

// nullJSON maps an absent document to SQL NULL.
func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

const postingColumns = `id, caja_id, code, direction, category, description, lines, items, author, created_at,
	voided_at, voided_by, void_reason`

func scanPosting(row rowScanner) (*domain.Posting, error) {
	var (
		p            domain.Posting
		lines, items []byte
		voidedAt     sql.NullTime
	)
	err := row.Scan(&p.ID, &p.CajaID, &p.Code, &p.Direction, &p.Category, &p.Description, &lines, &items,
		&p.Author, &p.CreatedAt, &voidedAt, &p.VoidedBy, &p.VoidReason)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &p.Lines); err != nil {
		return nil, fmt.Errorf("decode lines: %w", err)
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &p.Items); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
	}
	if voidedAt.Valid {
		t := voidedAt.Time.UTC()
		p.VoidedAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (r *Repository) GetPosting(ctx context.Context, postingID string) (*domain.Posting, error) {
	return r.getPosting(ctx, postingID, `WHERE id = $1`)
}

func (r *Repository) GetPostingForUpdate(ctx context.Context, postingID string) (*domain.Posting, error) {
	return r.getPosting(ctx, postingID, `WHERE id = $1 FOR UPDATE`)
}

func (r *Repository) getPosting(ctx context.Context, postingID, where string) (*domain.Posting, error) {
	row := r.q(ctx).QueryRowContext(ctx, `SELECT `+postingColumns+` FROM caja_postings `+where, postingID)
	p, err := scanPosting(row)
	if errors.Is(err, sql.ErrNoRows) || isInvalidText(err) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPostingNotFound, postingID)
	}
	if err != nil {
		return nil, fmt.Errorf("get posting: %w", err)
	}
	return p, nil
}

func (r *Repository) InsertPosting(ctx context.Context, p *domain.Posting) error {
	lines, err := json.Marshal(p.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}
	var items []byte
	if len(p.Items) > 0 {
		if items, err = json.Marshal(p.Items); err != nil {
			return fmt.Errorf("encode items: %w", err)
		}
	}
	const stmt = `
INSERT INTO caja_postings (` + postingColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = r.q(ctx).ExecContext(ctx, stmt,
		p.ID, p.CajaID, p.Code, p.Direction, p.Category, p.Description, lines, nullJSON(items), p.Author, p.CreatedAt,
		p.VoidedAt, p.VoidedBy, p.VoidReason)
	if err != nil {
		return fmt.Errorf("insert posting: %w", err)
	}
	return nil
}

func (r *Repository) UpdatePosting(ctx context.Context, p *domain.Posting) error {
	const stmt = `UPDATE caja_postings SET voided_at = $2, voided_by = $3, void_reason = $4 WHERE id = $1`
	res, err := r.q(ctx).ExecContext(ctx, stmt, p.ID, p.VoidedAt, p.VoidedBy, p.VoidReason)
	if err != nil {
		return fmt.Errorf("update posting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrPostingNotFound, p.ID)
	}
	return nil
}

func (r *Repository) CountPostingCodes(ctx context.Context, prefix string) (int, error) {
	var n int
	err := r.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM caja_postings WHERE code LIKE $1 || '%'`, prefix).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posting codes: %w", err)
	}
	return n, nil
}

func (r *Repository) ListPostings(ctx context.Context, cajaID string) ([]*domain.Posting, error) {
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+postingColumns+` FROM caja_postings WHERE caja_id = $1 ORDER BY created_at, code`, cajaID)
	if err != nil {
		return nil, fmt.Errorf("list postings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan posting: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate postings: %w", err)
	}
	return out, nil
}

func (r *Repository) InsertAuthorization(ctx context.Context, a *domain.DiscrepancyAuthorization) error {
	diffs, err := json.Marshal(a.Differences)
	if err != nil {
		return fmt.Errorf("encode differences: %w", err)
	}
	const stmt = `
INSERT INTO discrepancy_authorizations (id, caja_id, differences, authorized_by, authorizer_name, authorized_at, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.q(ctx).ExecContext(ctx, stmt, a.ID, a.CajaID, diffs, a.AuthorizedBy, a.AuthorizerName, a.AuthorizedAt, a.Notes)
	if err != nil {
		return fmt.Errorf("insert authorization: %w", err)
	}
	return nil
}

func (r *Repository) GetAuthorization(ctx context.Context, cajaID string) (*domain.DiscrepancyAuthorization, error) {
	const query = `
SELECT id, caja_id, differences, authorized_by, authorizer_name, authorized_at, notes
FROM discrepancy_authorizations WHERE caja_id = $1`
	var (
		a     domain.DiscrepancyAuthorization
		diffs []byte
	)
	err := r.q(ctx).QueryRowContext(ctx, query, cajaID).
		Scan(&a.ID, &a.CajaID, &diffs, &a.AuthorizedBy, &a.AuthorizerName, &a.AuthorizedAt, &a.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get authorization: %w", err)
	}
	if err := json.Unmarshal(diffs, &a.Differences); err != nil {
		return nil, fmt.Errorf("decode differences: %w", err)
	}
	a.AuthorizedAt = a.AuthorizedAt.UTC()
	return &a, nil
}

func (r *Repository) InsertCashCount(ctx context.Context, cc *domain.CashCount) error {
	var cols [3][]byte
	for i, b := range []domain.Balances{cc.Expected, cc.Counted, cc.Differences} {
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode cash count: %w", err)
		}
		cols[i] = raw
	}
	const stmt = `
INSERT INTO cash_counts (id, caja_id, expected, counted, differences, counted_by, authorized_by, authorizer_name, counted_at, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.q(ctx).ExecContext(ctx, stmt, cc.ID, cc.CajaID, cols[0], cols[1], cols[2],
		cc.CountedBy, cc.AuthorizedBy, cc.AuthorizerName, cc.CountedAt, cc.Notes)
	if err != nil {
		return fmt.Errorf("insert cash count: %w", err)
	}
	return nil
}

func (r *Repository) ListCashCounts(ctx context.Context, cajaID string) ([]*domain.CashCount, error) {
	const query = `
SELECT id, caja_id, expected, counted, differences, counted_by, authorized_by, authorizer_name, counted_at, notes
FROM cash_counts WHERE caja_id = $1 ORDER BY counted_at, id`
	rows, err := r.q(ctx).QueryContext(ctx, query, cajaID)
	if err != nil {
		return nil, fmt.Errorf("list cash counts: %w", err)
	}
	defer rows.Close()

	var out []*domain.CashCount
	for rows.Next() {
		var (
			cc                         domain.CashCount
			expected, counted, differs []byte
		)
		if err := rows.Scan(&cc.ID, &cc.CajaID, &expected, &counted, &differs,
			&cc.CountedBy, &cc.AuthorizedBy, &cc.AuthorizerName, &cc.CountedAt, &cc.Notes); err != nil {
			return nil, fmt.Errorf("scan cash count: %w", err)
		}
		for _, f := range []struct {
			raw []byte
			dst *domain.Balances
		}{{expected, &cc.Expected}, {counted, &cc.Counted}, {differs, &cc.Differences}} {
			if err := json.Unmarshal(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("decode cash count: %w", err)
			}
		}
		cc.CountedAt = cc.CountedAt.UTC()
		out = append(out, &cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cash counts: %w", err)
	}
	return out, nil
}

func (r *Repository) ListByStates(ctx context.Context, states ...domain.CajaState) ([]*domain.Caja, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return r.listCajas(ctx, `WHERE state = ANY($1) ORDER BY opened_at DESC`, pq.Array(names))
}

func (r *Repository) ListCajas(ctx context.Context, offset, limit int) ([]*domain.Caja, error) {
	return r.listCajas(ctx, `ORDER BY opened_at DESC OFFSET $1 LIMIT $2`, offset, limit)
}

func (r *Repository) listCajas(ctx context.Context, tail string, args ...any) ([]*domain.Caja, error) {
	rows, err := r.q(ctx).QueryContext(ctx, `SELECT `+cajaColumns+` FROM cajas `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list cajas: %w", err)
	}
	defer rows.Close()

	out := []*domain.Caja{}
	for rows.Next() {
		c, err := scanCaja(rows)
		if err != nil {
			return nil, fmt.Errorf("scan caja: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cajas: %w", err)
	}
	return out, nil
}

func (r *Repository) AppendOutbox(ctx context.Context, ev domain.Event) error {
	oe, err := newOutboxEvent(ev)
	if err != nil {
		return err
	}
	const stmt = `
INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.q(ctx).ExecContext(ctx, stmt, oe.EventID, oe.EventType, oe.AggregateId, oe.Payload, oe.CreatedAt); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	const query = `
SELECT id, event_id, event_type, aggregate_id, payload, created_at
FROM outbox_events
WHERE processed_at IS NULL
ORDER BY id
LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("get unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		e := &OutboxEvent{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.AggregateId, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark event %d processed: %w", id, err)
	}
	return nil
}
