// Package store persists tasks and pages in a relational database.
//
// Two dialects are supported: an embedded SQLite file (the default) and
// PostgreSQL. Every mutation that must be atomic against concurrent workers
// runs through Serializable or WithSerializableRetry; single-statement
// conditional updates are used for claims.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL engine behind a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// conflictBackoff is the linear step between retries of a conflicted transaction.
const conflictBackoff = 50 * time.Millisecond

// Config holds store configuration.
type Config struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver string
	// DSN is a file path or URI for sqlite3, a connection string for postgres.
	DSN string
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// Store is the durable task/page state shared by every worker.
type Store struct {
	conn
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to the database and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Driver == "" {
		cfg.Driver = string(DialectSQLite)
	}

	var (
		dialect = Dialect(cfg.Driver)
		dsn     string
	)
	switch dialect {
	case DialectSQLite:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite3 requires a database path")
		}
		dsn = sqliteDSN(cfg.DSN)
	case DialectPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres requires a dsn")
		}
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// A single connection serializes writers inside the process; WAL keeps readers unblocked.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		conn:   conn{ex: db, dialect: dialect},
		db:     db,
		logger: cfg.Logger,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN adds the pragmas the claim protocol relies on unless the caller
// already supplied a query string.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if s.dialect == DialectPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the SQL engine in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is an open transaction. It exposes the same queries as Store.
type Tx struct {
	conn
	tx *sql.Tx
}

// Serializable runs fn in a single serializable transaction.
// fn's error rolls the transaction back and is returned unchanged.
func (s *Store) Serializable(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{conn: conn{ex: sqlTx, dialect: s.dialect}, tx: sqlTx}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithSerializableRetry runs fn in a serializable transaction, rerunning it
// up to attempts times when the store reports a conflict. The delay between
// runs grows linearly. fn must be safe to rerun from scratch.
func (s *Store) WithSerializableRetry(ctx context.Context, attempts int, fn func(*Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	return retry.Do(
		func() error { return s.Serializable(ctx, fn) },
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.RetryIf(IsConflict),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * conflictBackoff
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("retrying conflicted transaction", "attempt", n+1, "error", err)
		}),
	)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries the queries shared by Store and Tx.
type conn struct {
	ex      execer
	dialect Dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.ex.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.ex.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.ex.QueryRowContext(ctx, c.rebind(query), args...)
}

// rebind rewrites ? placeholders to $n for postgres.
func (c conn) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// execOne runs a conditional update and reports whether exactly one row changed.
func (c conn) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func now() time.Time {
	return time.Now().UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
