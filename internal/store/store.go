package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"checkd/pkg/logx"
)

var (
	// ErrNotFound marks an account/execution/token/provider/code that
	// could not be resolved.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict marks a serialization failure detected by the store.
	// It is surfaced to the caller, not retried here.
	ErrConflict = errors.New("store: transaction conflict")
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// Config selects and tunes the backing database.
//
// Driver values:
//   - "sqlite": database file path in DSN (modernc driver, default)
//   - "postgres": lib/pq connection string in DSN
type Config struct {
	Driver      string
	DSN         string
	PoolSize    int           // postgres only; 0 means driver default
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the root handle. Its entity methods run outside any explicit
// transaction; use InTx for read-modify-write sequences.
type Store struct {
	q
	db  *sql.DB
	log logx.Logger
}

// Tx exposes the same entity methods bound to one serializable
// transaction.
type Tx struct {
	q
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q carries the shared query implementations so they are available on
// both Store and Tx.
type q struct {
	db     dbtx
	driver string
}

// Open connects, applies pragmas/pool settings and runs migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = driverSQLite
	}

	var db *sql.DB
	var err error
	switch driver {
	case driverSQLite, "sqlite3":
		driver = driverSQLite
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("store: sqlite path is required")
		}
		if dir := filepath.Dir(cfg.DSN); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, err
		}
		// SQLite prefers a single writer connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if cfg.BusyTimeout > 0 {
			_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
		}
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	case driverPostgres, "pq", "postgresql":
		driver = driverPostgres
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.PoolSize > 0 {
			db.SetMaxOpenConns(cfg.PoolSize)
			db.SetMaxIdleConns(cfg.PoolSize)
		}
	default:
		return nil, errors.New("store: unknown driver: " + cfg.Driver)
	}

	s := &Store{q: q{db: db, driver: driver}, db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn inside one serializable transaction. fn's error aborts
// the transaction and is returned as-is; commit/begin failures are
// mapped through conflict detection.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	if s.driver == driverSQLite {
		// SQLite is serializable by default and the modernc driver
		// rejects explicit isolation levels.
		opts = nil
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(&Tx{q: q{db: tx, driver: s.driver}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// mapErr translates driver-level failures into the package taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure / deadlock_detected
		if pqErr.Code == "40001" || pqErr.Code == "40P01" {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// rebind rewrites `?` placeholders to `$N` for postgres.
func (c q) rebind(query string) string {
	if c.driver != driverPostgres {
		return query
	}
	var b strings.Builder
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

func (c q) exec(ctx context.Context, query string, args ...any) error {
	_, err := c.db.ExecContext(ctx, c.rebind(query), args...)
	return mapErr(err)
}

func (c q) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.db.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	return rows, nil
}

func (c q) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.rebind(query), args...)
}

// insertID inserts one row and returns its generated id, papering over
// the LastInsertId/RETURNING split between the drivers.
func (c q) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	if c.driver == driverPostgres {
		var id int64
		err := c.queryRow(ctx, query+" RETURNING id", args...).Scan(&id)
		return id, mapErr(err)
	}
	res, err := c.db.ExecContext(ctx, c.rebind(query), args...)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.LastInsertId()
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
