/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Durable storage for accounts, shared-access grants, purchases and payments.

INTERFACES IMPLEMENTED:
  ledger.TxStore:      Purchases, payments, atomic runs
  ledger.AccountStore: Accounts and sharing

KEY TABLES:
  accounts:        Owner of a disjoint set of purchases/payments
  account_access:  Non-owning read/write grants
  purchases:       Debts with amount_remaining and a version counter
  payments:        Credits, immutable except for deletion

ORDERING:
  Lists are ordered by (date, created_at, id). created_at is stored as a
  fixed-width UTC timestamp so text order equals time order.

CONCURRENCY:
  Transactions open with BEGIN IMMEDIATE (_txlock=immediate), so a run takes
  the write lock before it reads any balance. On top of that every balance
  write is conditional on the version read earlier; a mismatch is reported
  as *ledger.ConflictError.

MIGRATION:
  Schema lives in migrations/*.sql, embedded and applied with golang-migrate
  on New().

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/debt-engine/ledger"
)

var (
	_ ledger.TxStore      = (*Store)(nil)
	_ ledger.AccountStore = (*Store)(nil)
)

// timestampLayout is fixed width so lexical order matches time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	conn
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{conn: conn{q: db, clock: &clock{now: time.Now}}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source. Tests use it to pin created_at.
func (s *Store) SetClock(now func() time.Time) {
	s.clock.mu.Lock()
	defer s.clock.mu.Unlock()
	s.clock.now = now
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, clock: s.clock}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements ledger.Store over either the pool or an open transaction.
type conn struct {
	q     queryer
	clock *clock
}

// clock hands out strictly increasing timestamps so two rows written in the
// same instant still have a creation order.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = `id, account_id, amount, amount_remaining, description, date, created_at, updated_at, version`

func (c *conn) CreatePurchase(ctx context.Context, p *ledger.Purchase) error {
	if p.ID == "" {
		p.ID = ledger.PurchaseID(uuid.NewString())
	}
	now := c.clock.tick()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := c.q.ExecContext(ctx,
		`INSERT INTO purchases (`+purchaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.Amount, p.AmountRemaining, p.Description,
		p.Date.String(), formatTime(p.CreatedAt), formatTime(p.UpdatedAt), p.Version,
	)
	if err != nil {
		return wrapWriteError("insert purchase", err)
	}
	return nil
}

func (c *conn) GetPurchase(ctx context.Context, id ledger.PurchaseID) (*ledger.Purchase, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPurchaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *conn) ListPurchases(ctx context.Context, accountID ledger.AccountID) ([]ledger.Purchase, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases
		 WHERE account_id = ?
		 ORDER BY date ASC, created_at ASC, id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []ledger.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate purchases: %w", err)
	}
	return purchases, nil
}

func (c *conn) UpdatePurchaseRemaining(ctx context.Context, id ledger.PurchaseID, remaining ledger.Money, expectedVersion int64) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE purchases
		 SET amount_remaining = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		remaining, formatTime(c.clock.tick()), id, expectedVersion,
	)
	if err != nil {
		return wrapWriteError("update purchase remaining", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = c.q.QueryRowContext(ctx, `SELECT 1 FROM purchases WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrPurchaseNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check purchase existence: %w", err)
	}
	return &ledger.ConflictError{PurchaseID: id, ExpectedVersion: expectedVersion}
}

func (c *conn) DeletePurchase(ctx context.Context, id ledger.PurchaseID) error {
	return c.deleteByID(ctx, "purchases", string(id), ledger.ErrPurchaseNotFound)
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, account_id, amount, date, created_at, updated_at`

func (c *conn) CreatePayment(ctx context.Context, p *ledger.Payment) error {
	if p.ID == "" {
		p.ID = ledger.PaymentID(uuid.NewString())
	}
	now := c.clock.tick()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := c.q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.Amount, p.Date.String(), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return wrapWriteError("insert payment", err)
	}
	return nil
}

func (c *conn) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *conn) ListPayments(ctx context.Context, accountID ledger.AccountID) ([]ledger.Payment, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE account_id = ?
		 ORDER BY date ASC, created_at ASC, id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}

func (c *conn) DeletePayment(ctx context.Context, id ledger.PaymentID) error {
	return c.deleteByID(ctx, "payments", string(id), ledger.ErrPaymentNotFound)
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row scanner) (ledger.Purchase, error) {
	var (
		p                    ledger.Purchase
		date                 string
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.Amount, &p.AmountRemaining, &p.Description,
		&date, &createdAt, &updatedAt, &p.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan purchase: %w", err)
	}
	if p.Date, err = ledger.ParseDate(date); err != nil {
		return p, fmt.Errorf("bad purchase date %q: %w", date, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, fmt.Errorf("purchase %s created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, fmt.Errorf("purchase %s updated_at: %w", p.ID, err)
	}
	return p, nil
}

func scanPayment(row scanner) (ledger.Payment, error) {
	var (
		p                    ledger.Payment
		date                 string
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.Amount, &date, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}
	if p.Date, err = ledger.ParseDate(date); err != nil {
		return p, fmt.Errorf("bad payment date %q: %w", date, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, fmt.Errorf("payment %s created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, fmt.Errorf("payment %s updated_at: %w", p.ID, err)
	}
	return p, nil
}

// deleteByID removes one row; table is always a package constant.
func (c *conn) deleteByID(ctx context.Context, table, id string, notFound error) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

// wrapWriteError maps constraint failures onto ledger errors.
func wrapWriteError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%s: %w", op, ledger.ErrAlreadyExists)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%s: %w", op, ledger.ErrAccountNotFound)
		case sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%s: %w", op, &ledger.ValidationError{Field: "amount", Reason: se.Error()})
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
