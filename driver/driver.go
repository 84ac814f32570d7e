// Package driver holds the capability interfaces the engine uses to talk to
// a target database, plus the registry that maps a connection URL scheme to
// a concrete backend.
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/edgardcham/nomad/migration"
	"github.com/edgardcham/nomad/nomaderr"
)

// Driver is the process-wide capability set for one backend. The engine
// knows only these operations; it never inspects backend-native types.
type Driver interface {
	// Name is the registered scheme, e.g. "postgres", "mysql", "sqlite3".
	Name() string

	// SupportsTransactionalDDL reports whether DDL statements participate in
	// transactions on this backend (true for PostgreSQL, false for MySQL
	// and SQLite).
	SupportsTransactionalDDL() bool

	// Connect checks out a Connection from the driver's pool.
	Connect(ctx context.Context) (Connection, error)

	// Close tears down the driver's pool. Safe to call once, at process exit.
	Close() error

	// QuoteIdent quotes name as a backend-correct identifier, doubling the
	// quote character for any embedded occurrence.
	QuoteIdent(name string) string

	// NowExpression is the SQL expression producing the current timestamp.
	NowExpression() string

	// MapError classifies a backend-native error into the nomaderr taxonomy.
	MapError(err error) *nomaderr.Error

	// Probe performs a cheap round-trip, used before any real work.
	Probe(ctx context.Context) error

	// LockScope returns the (connection target, schema, bookkeeping table)
	// triple the engine hashes together with the migrations directory to
	// derive the lock key. schema is "" for backends without namespacing.
	LockScope() (url, schema, table string)
}

// Connection is a single checked-out handle to the target database.
type Connection interface {
	// EnsureMigrationsTable idempotently creates the bookkeeping table.
	EnsureMigrationsTable(ctx context.Context) error

	// FetchAppliedMigrations returns applied records ascending by version,
	// restricted to rows with a non-null applied_at.
	FetchAppliedMigrations(ctx context.Context) (migration.AppliedRecords, error)

	// MarkApplied upserts a bookkeeping row: insert, or on conflict by
	// version, refresh applied_at/name/checksum and null rolled_back_at.
	MarkApplied(ctx context.Context, version migration.Version, name, checksum string) error

	// MarkRolledBack sets rolled_back_at for version.
	MarkRolledBack(ctx context.Context, version migration.Version) error

	// AcquireLock attempts the exclusive lock, never blocking longer than
	// perAttempt. Returns whether it was acquired.
	AcquireLock(ctx context.Context, key string, perAttempt time.Duration) (bool, error)

	// ReleaseLock releases the lock. Idempotent.
	ReleaseLock(ctx context.Context, key string) error

	BeginTx(ctx context.Context) error
	CommitTx(ctx context.Context) error
	RollbackTx(ctx context.Context) error

	// RunStatement executes one statement, inside the open transaction if
	// one was begun, propagating the backend's native error unchanged (the
	// engine calls Driver.MapError on it).
	RunStatement(ctx context.Context, sql string) error

	// Query is used by diagnostics and the store.
	Query(ctx context.Context, sqlText string, args ...interface{}) (*sql.Rows, error)

	// Dispose returns the connection to the pool.
	Dispose() error
}

// Factory opens a Driver from a connection URL. Backends register a Factory
// from an init() function.
type Factory func(url string) (Driver, error)

// New dispatches url's scheme to a registered Factory.
func New(url string) (Driver, error) {
	scheme := getScheme(url)
	if scheme == "" {
		return nil, fmt.Errorf("no scheme found in %q", url)
	}
	f := getFactory(scheme)
	if f == nil {
		return nil, fmt.Errorf("driver %q not registered", scheme)
	}
	return f(url)
}

var schemeRe = regexp.MustCompile(`(?m)^(\w+)://`)

// getScheme extracts the scheme of a URL-like connection string.
func getScheme(url string) string {
	m := schemeRe.FindStringSubmatch(url)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
