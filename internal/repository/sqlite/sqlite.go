// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// SQLite is an embedded database: it lives inside your Go binary as a single file.
// No separate database server to install, configure, or manage. Its JSON1 functions
// (json_extract, json_patch, json_remove) let us keep each preference section as a
// small JSON document and still merge and query it with a single statement.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which means you need a C compiler installed and
// cross-compilation becomes painful. modernc.org/sqlite is a pure Go translation
// of the SQLite C code.
//
// The pattern is always:
//  1. sql.Open(driverName, dataSourceName) → creates a pool
//  2. db.QueryContext / db.ExecContext     → runs queries
//  3. rows.Scan(&field1, &field2)          → reads results into Go variables
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/sakif/nowplaying/internal/model"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// TokenSealer encrypts OAuth tokens before they hit the accounts table.
// auth.TokenSealer satisfies it; tests use the passthrough default.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

type plainSealer struct{}

func (plainSealer) Seal(s string) (string, error) { return s, nil }
func (plainSealer) Open(s string) (string, error) { return s, nil }

// DB wraps a sql.DB connection pool and provides repository methods.
//
// WHY WRAP sql.DB IN A STRUCT?
// 1. We can attach methods to it (CreatePreference, GetAccount, etc.)
// 2. It implements every repository interface from repository.go
// 3. We control the lifecycle (New creates it, Close destroys it)
type DB struct {
	conn   *sql.DB
	sealer TokenSealer
}

// Option customises New.
type Option func(*DB)

// WithTokenSealer encrypts account tokens at rest.
func WithTokenSealer(s TokenSealer) Option {
	return func(db *DB) {
		if s != nil {
			db.sealer = s
		}
	}
}

// New creates a new SQLite database connection and runs migrations.
//
// dbPath examples:
//   - "data/nowplaying.db"  → file-based database (persistent)
//   - ":memory:"            → in-memory database (great for tests, lost on close)
//
// CONNECTION POOL:
// sql.Open() does NOT actually open a connection; it just creates a pool manager.
// We call db.Ping() to force an immediate connection and verify it works.
func New(dbPath string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate, empty database.
	// Pin the pool to one connection so all queries see the same tables.
	if isMemory(dbPath) {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL mode allows concurrent reads WHILE a write is happening.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	db := &DB{conn: conn, sealer: plainSealer{}}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping is used by the health endpoint.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrate applies the embedded migrations with golang-migrate, which records
// the applied version in schema_migrations so re-runs are no-ops.
//
// We deliberately never call m.Close(): it would close the driver, and the
// sqlite driver's Close closes the *sql.DB we still own.
func (db *DB) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// dsn pins the time format so DATETIME columns round-trip through time.Time.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_time_format=sqlite"
}

func isMemory(dbPath string) bool {
	return strings.HasPrefix(dbPath, ":memory:") || strings.Contains(dbPath, "mode=memory")
}

// ownerPadding is model.OwnerIDPadding as a SQLite char() call.
var ownerPadding = func() string {
	codes := make([]string, 0, len(model.OwnerIDPadding))
	for _, c := range model.OwnerIDPadding {
		codes = append(codes, strconv.Itoa(int(c)))
	}
	return "char(" + strings.Join(codes, ", ") + ")"
}()

// ownerMatch normalizes an owner_id column the same way model.ParseOwnerID
// does. SQLite's one-argument trim only strips spaces.
func ownerMatch(column string) string {
	return "trim(" + column + ", " + ownerPadding + ")"
}
