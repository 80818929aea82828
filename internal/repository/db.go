package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of the underlying database.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// ForUpdate is the row-lock suffix for SELECT statements. SQLite has no
// row locks; its transactions are opened with BEGIN IMMEDIATE instead.
func (d Dialect) ForUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// DB wraps *sql.DB with the dialect its statements must be rebound to.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// querier is satisfied by both *DB and *Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to driver ("sqlite" or "pgx") and ensures all tables exist.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "sqlite", "":
		return InitDB(dsn)
	case "pgx", "postgres":
		raw, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		db := &DB{DB: raw, Dialect: DialectPostgres}
		if err := db.init(); err != nil {
			raw.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", driver)
	}
}

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Writers use BEGIN IMMEDIATE so concurrent
// settlements serialize instead of failing with SQLITE_BUSY.
func InitDB(path string) (*DB, error) {
	raw, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db := &DB{DB: raw, Dialect: DialectSQLite}
	if err := db.init(); err != nil {
		raw.Close()
		return nil, err
	}
	return db, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "_txlock") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join([]string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(10000)",
		"_pragma=journal_mode(WAL)",
		"_txlock=immediate",
	}, "&")
}

func (db *DB) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) Rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (db *DB) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.Dialect.Rebind(q), args...)
}

func (db *DB) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.Dialect.Rebind(q), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Dialect.Rebind(q), args...)
}

// WithTx runs fn inside one database transaction. fn's error rolls the
// whole unit back.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, dialect: db.Dialect}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func createTables(ctx context.Context, db *DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			balance TEXT NOT NULL DEFAULT '0',
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS staff (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS staff_balances (
			staff_id TEXT PRIMARY KEY REFERENCES staff(id),
			balance TEXT NOT NULL DEFAULT '0',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS client_assignments (
			client_id TEXT PRIMARY KEY REFERENCES clients(id),
			staff_id TEXT NOT NULL REFERENCES staff(id),
			active INTEGER NOT NULL DEFAULT 1,
			assigned_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS admin_accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			balance TEXT NOT NULL DEFAULT '0',
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS commission_rates (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			percent TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commission_rates_kind ON commission_rates(kind, created_at)`,

		`CREATE TABLE IF NOT EXISTS system_ledger (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			total_transactions INTEGER NOT NULL DEFAULT 0,
			successful_transactions INTEGER NOT NULL DEFAULT 0,
			failed_transactions INTEGER NOT NULL DEFAULT 0,
			total_volume TEXT NOT NULL DEFAULT '0',
			total_fees TEXT NOT NULL DEFAULT '0',
			total_staff_commission TEXT NOT NULL DEFAULT '0',
			total_admin_commission TEXT NOT NULL DEFAULT '0',
			total_platform_earnings TEXT NOT NULL DEFAULT '0',
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			channel INTEGER NOT NULL,
			transaction_type INTEGER NOT NULL,
			trader_id TEXT NOT NULL,
			trader_name TEXT NOT NULL,
			description TEXT NOT NULL,
			client_id TEXT NOT NULL REFERENCES clients(id),
			staff_id TEXT,
			base_amount TEXT NOT NULL,
			fee TEXT NOT NULL,
			staff_commission TEXT NOT NULL,
			admin_commission TEXT NOT NULL,
			platform_profit TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			amount_minor BIGINT NOT NULL,
			state TEXT NOT NULL,
			aggregator_txn_id TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			settled_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_client ON orders(client_id)`,

		`CREATE TABLE IF NOT EXISTS webhook_receipts (
			order_id TEXT PRIMARY KEY,
			pay_status INTEGER NOT NULL,
			pay_time TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			actual_payment_amount TEXT NOT NULL,
			actual_collect_amount TEXT NOT NULL,
			payer_charge TEXT NOT NULL,
			payee_charge TEXT NOT NULL,
			pay_message TEXT NOT NULL DEFAULT '',
			sign TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			processed_at TEXT,
			received_at TEXT NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_receipts_processed ON webhook_receipts(processed, pay_status)`,

		`CREATE TABLE IF NOT EXISTS discrepancies (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			order_id TEXT NOT NULL,
			expected TEXT NOT NULL,
			actual TEXT NOT NULL,
			difference TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			detected_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_type ON discrepancies(type)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_order ON discrepancies(order_id)`,
	}

	for i, stmt := range stmts {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec stmt %d: %w", i, err)
		}
	}
	return nil
}

// --- helpers ---

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
