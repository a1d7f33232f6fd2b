package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"
)

// Movement reasons recorded with every stock delta.
const (
	ReasonSale       = "sale"
	ReasonRestock    = "restock"
	ReasonAdjustment = "adjustment"
	ReasonReversal   = "reversal"
)

// StockDelta is a commutative change to a product's total.
type StockDelta struct {
	ProductID int64
	Delta     int32
	Reason    string
	Reference string
}

// Movement is one persisted stock change.
type Movement struct {
	ID        int64
	ProductID int64
	Delta     int32
	Reason    string
	Reference string
	CreatedAt time.Time
}

// StockRepository keeps the shelf counts durable. Reservations are never written here;
// only totals change, after the in-memory ledger has accepted the change.
type StockRepository struct {
	db *sql.DB
}

func NewStockRepository(dbPath string) (*StockRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return &StockRepository{db: db}, nil
}

func (r *StockRepository) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (r *StockRepository) Close() error {
	return r.db.Close()
}

// LoadAll returns every stored product, ordered by id. Reserved is always zero.
func (r *StockRepository) LoadAll(ctx context.Context) ([]domain.StockInfo, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT product_id, kind, total, minimum FROM stock ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock: %w", err)
	}
	defer rows.Close()

	var out []domain.StockInfo
	for rows.Next() {
		var s domain.StockInfo
		var kind string
		if err := rows.Scan(&s.ProductID, &kind, &s.Total, &s.Minimum); err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		s.Kind = domain.ProductKind(kind)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// Upsert stores the absolute count of a product and records the change as an adjustment.
func (r *StockRepository) Upsert(ctx context.Context, s domain.StockInfo) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev int32
	err = tx.QueryRowContext(ctx, `SELECT total FROM stock WHERE product_id = ?`, s.ProductID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read stock %d: %w", s.ProductID, err)
	}

	const stmt = `
INSERT INTO stock (product_id, kind, total, minimum, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (product_id) DO UPDATE SET
	kind = excluded.kind, total = excluded.total, minimum = excluded.minimum, updated_at = CURRENT_TIMESTAMP`
	if _, err := tx.ExecContext(ctx, stmt, s.ProductID, string(s.Kind), s.Total, s.Minimum); err != nil {
		return fmt.Errorf("upsert stock %d: %w", s.ProductID, err)
	}
	if delta := s.Total - prev; delta != 0 {
		if err := insertMovement(ctx, tx, StockDelta{ProductID: s.ProductID, Delta: delta, Reason: ReasonAdjustment}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ApplyDeltas adds every delta to its product's total in one transaction.
// Unknown products are created as goods.
func (r *StockRepository) ApplyDeltas(ctx context.Context, deltas []StockDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `
INSERT INTO stock (product_id, total, updated_at)
VALUES (?, MAX(?, 0), CURRENT_TIMESTAMP)
ON CONFLICT (product_id) DO UPDATE SET total = MAX(stock.total + ?, 0), updated_at = CURRENT_TIMESTAMP`
	for _, d := range deltas {
		if _, err := tx.ExecContext(ctx, stmt, d.ProductID, d.Delta, d.Delta); err != nil {
			return fmt.Errorf("apply delta to %d: %w", d.ProductID, err)
		}
		if err := insertMovement(ctx, tx, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertMovement(ctx context.Context, tx *sql.Tx, d StockDelta) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO stock_movements (product_id, delta, reason, reference) VALUES (?, ?, ?, ?)`,
		d.ProductID, d.Delta, d.Reason, d.Reference)
	if err != nil {
		return fmt.Errorf("record movement for %d: %w", d.ProductID, err)
	}
	return nil
}

// Movements returns the audit trail of a product, oldest first.
func (r *StockRepository) Movements(ctx context.Context, productID int64) ([]Movement, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, product_id, delta, reason, reference, created_at
FROM stock_movements WHERE product_id = ? ORDER BY id`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []Movement
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Delta, &m.Reason, &m.Reference, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}
