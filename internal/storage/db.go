// Package storage provides relational persistence for fleetscan on SQLite or
// PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Dialect captures the SQL differences between supported drivers.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// autoID returns the primary key column definition.
func (d Dialect) autoID() string {
	if d == DialectPostgres {
		return "id BIGSERIAL PRIMARY KEY"
	}
	return "id INTEGER PRIMARY KEY AUTOINCREMENT"
}

// DB wraps the database connection pool.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open connects to the database and creates the schema. driver is one of
// sqlite3 (cgo), sqlite (pure Go) or pgx.
func Open(driver, dsn string) (*DB, error) {
	var dialect Dialect
	switch driver {
	case "sqlite3":
		if dsn != ":memory:" && !strings.Contains(dsn, "?") {
			dsn += "?_journal=WAL&_busy_timeout=5000&_foreign_keys=on"
		}
	case "sqlite":
		if dsn != ":memory:" && !strings.Contains(dsn, "?") {
			dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		}
	case "pgx":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite only supports one writer; an in-memory database also lives
		// on a single connection.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	db := &DB{DB: sqlDB, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.createTables(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

func (db *DB) createTables(ctx context.Context) error {
	id := db.dialect.autoID()

	tables := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			` + id + `,
			hostname TEXT NOT NULL,
			hostname_key TEXT NOT NULL UNIQUE,
			os_name TEXT NOT NULL DEFAULT '',
			os_version TEXT NOT NULL DEFAULT '',
			manufacturer TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			serial_number TEXT NOT NULL DEFAULT '',
			ram_bytes BIGINT NOT NULL DEFAULT 0,
			check_status TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			last_updated TEXT,
			last_full_scan TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_check_status ON hosts(check_status)`,

		`CREATE TABLE IF NOT EXISTS components (
			` + id + `,
			host_id BIGINT NOT NULL REFERENCES hosts(id),
			category TEXT NOT NULL,
			identity_key TEXT NOT NULL,
			attributes TEXT NOT NULL DEFAULT '{}',
			parent_id BIGINT REFERENCES components(id),
			detected_on TEXT NOT NULL,
			removed_on TEXT,
			updated_at TEXT NOT NULL,
			UNIQUE(host_id, category, identity_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_components_host_category ON components(host_id, category)`,

		`CREATE TABLE IF NOT EXISTS software_catalog (
			` + id + `,
			name TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			publisher TEXT NOT NULL DEFAULT '',
			name_key TEXT NOT NULL,
			version_key TEXT NOT NULL,
			UNIQUE(name_key, version_key)
		)`,

		`CREATE TABLE IF NOT EXISTS software_installations (
			` + id + `,
			host_id BIGINT NOT NULL REFERENCES hosts(id),
			catalog_id BIGINT NOT NULL REFERENCES software_catalog(id),
			identity_key TEXT NOT NULL,
			install_date TEXT NOT NULL DEFAULT '',
			detected_on TEXT NOT NULL,
			removed_on TEXT,
			updated_at TEXT NOT NULL,
			UNIQUE(host_id, identity_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_installations_host ON software_installations(host_id)`,
		`CREATE INDEX IF NOT EXISTS idx_installations_catalog ON software_installations(catalog_id)`,

		`CREATE TABLE IF NOT EXISTS scan_tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			hostname TEXT NOT NULL DEFAULT '',
			scanned_hosts INTEGER NOT NULL DEFAULT 0,
			successful_hosts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_tasks_status ON scan_tasks(status)`,

		`CREATE TABLE IF NOT EXISTS domain_credentials (
			domain TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			encrypted_secret TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", table, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

func (db *DB) runner() runner {
	return runner{q: db.DB, dialect: db.dialect}
}

// Tx is one unit of work. A host scan commits all of its writes through a
// single Tx.
type Tx struct {
	runner
	tx *sql.Tx
}

// WithTx runs fn in a transaction, committing when fn returns nil and rolling
// back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{runner: runner{q: sqlTx, dialect: db.dialect}, tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Savepoint opens a named savepoint inside the transaction.
func (tx *Tx) Savepoint(ctx context.Context, name string) error {
	_, err := tx.tx.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

// RollbackTo undoes everything since the named savepoint and releases it.
func (tx *Tx) RollbackTo(ctx context.Context, name string) error {
	if _, err := tx.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return err
	}
	return tx.Release(ctx, name)
}

// Release keeps the work done since the named savepoint.
func (tx *Tx) Release(ctx context.Context, name string) error {
	_, err := tx.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// runner executes dialect-rebound queries on a pool or a transaction.
type runner struct {
	q       querier
	dialect Dialect
}

func (r runner) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.dialect.rebind(query), args...)
}

func (r runner) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.dialect.rebind(query), args...)
}

func (r runner) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.dialect.rebind(query), args...)
}

// insertID runs an INSERT and returns the generated id.
func (r runner) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := r.queryRow(ctx, query+" RETURNING id", args...).Scan(&id)
	return id, err
}

// PersistenceError reports a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
