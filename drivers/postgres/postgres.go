// Package postgres implements driver.Driver and driver.Connection for
// PostgreSQL, using database/sql and github.com/lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/edgardcham/nomad/driver"
	"github.com/edgardcham/nomad/migration"
	"github.com/edgardcham/nomad/nomaderr"
)

// Config holds the bookkeeping-table placement. Open starts from
// DefaultConfig; WithConfig overrides it before the first Connect.
type Config struct {
	Schema string
	Table  string
}

// DefaultConfig matches the spec's default bookkeeping table name.
func DefaultConfig() Config {
	return Config{Schema: "public", Table: "nomad_migrations"}
}

// Driver is the process-wide PostgreSQL capability set.
type Driver struct {
	db  *sql.DB
	cfg Config
	url string
}

// Open opens the pool without connecting to the server; Probe performs the
// first round-trip.
func Open(url string) (driver.Driver, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	return &Driver{db: db, cfg: DefaultConfig(), url: url}, nil
}

// WithConfig overrides the bookkeeping schema/table on an already-open driver.
func (d *Driver) WithConfig(cfg Config) { d.cfg = cfg }

func (d *Driver) Name() string                   { return "postgres" }
func (d *Driver) SupportsTransactionalDDL() bool { return true }
func (d *Driver) Close() error                   { return d.db.Close() }
func (d *Driver) QuoteIdent(name string) string  { return pq.QuoteIdentifier(name) }
func (d *Driver) NowExpression() string          { return "now()" }

func (d *Driver) LockScope() (url, schema, table string) {
	return d.url, d.cfg.Schema, d.cfg.Table
}

func (d *Driver) Probe(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Driver) qualifiedTable() string {
	if d.cfg.Schema == "" {
		return d.QuoteIdent(d.cfg.Table)
	}
	return d.QuoteIdent(d.cfg.Schema) + "." + d.QuoteIdent(d.cfg.Table)
}

func (d *Driver) Connect(ctx context.Context) (driver.Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Connection{driver: d, conn: conn}, nil
}

// MapError classifies a *pq.Error into the nomaderr taxonomy. It attaches no
// file/line/column; the engine adds those, using StatementOffset for the
// backend-reported in-statement byte offset.
func (d *Driver) MapError(err error) *nomaderr.Error {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return nomaderr.Wrap(nomaderr.KindConnection, err, "%s", err.Error())
	}

	kind := nomaderr.KindSQL
	switch pqErr.Code {
	case pgerrcode.InvalidAuthorizationSpecification, pgerrcode.InvalidPassword:
		kind = nomaderr.KindConnection
	}

	e := nomaderr.Wrap(kind, err, "%s %s: %s", pqErr.Severity, pqErr.Code, pqErr.Message)
	return e
}

// StatementOffset returns the 0-based byte offset pq reported for err within
// its statement, or -1 if none was reported.
func StatementOffset(err error) int {
	pqErr, ok := err.(*pq.Error)
	if !ok || pqErr.Position == "" {
		return -1
	}
	n, convErr := strconv.Atoi(pqErr.Position)
	if convErr != nil {
		return -1
	}
	return n - 1
}

// Connection is one checked-out PostgreSQL handle.
type Connection struct {
	driver *Driver
	conn   *sql.Conn
	tx     *sql.Tx
}

func (c *Connection) table() string { return c.driver.qualifiedTable() }

func (c *Connection) EnsureMigrationsTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version BIGINT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMPTZ,
		rolled_back_at TIMESTAMPTZ
	)`, c.table())
	_, err := c.conn.ExecContext(ctx, stmt)
	return err
}

func (c *Connection) FetchAppliedMigrations(ctx context.Context) (migration.AppliedRecords, error) {
	rows, err := c.conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT version, name, checksum, applied_at, rolled_back_at FROM %s
		 WHERE applied_at IS NOT NULL ORDER BY version ASC`, c.table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out migration.AppliedRecords
	for rows.Next() {
		var rec migration.AppliedRecord
		var rolledBack sql.NullTime
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.Checksum, &rec.AppliedAt, &rolledBack); err != nil {
			return nil, err
		}
		if rolledBack.Valid {
			t := rolledBack.Time
			rec.RolledBackAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (c *Connection) MarkApplied(ctx context.Context, version migration.Version, name, checksum string) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (version, name, checksum, applied_at, rolled_back_at)
		VALUES ($1, $2, $3, now(), NULL)
		ON CONFLICT (version) DO UPDATE SET
			name = EXCLUDED.name,
			checksum = EXCLUDED.checksum,
			applied_at = now(),
			rolled_back_at = NULL`, c.table())
	return c.exec(ctx, stmt, version, name, checksum)
}

func (c *Connection) MarkRolledBack(ctx context.Context, version migration.Version) error {
	stmt := fmt.Sprintf(`UPDATE %s SET rolled_back_at = now() WHERE version = $1`, c.table())
	return c.exec(ctx, stmt, version)
}

func (c *Connection) exec(ctx context.Context, stmt string, args ...interface{}) error {
	if c.tx != nil {
		_, err := c.tx.ExecContext(ctx, stmt, args...)
		return err
	}
	_, err := c.conn.ExecContext(ctx, stmt, args...)
	return err
}

func (c *Connection) AcquireLock(ctx context.Context, key string, perAttempt time.Duration) (bool, error) {
	attemptCtx := ctx
	if perAttempt > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, perAttempt)
		defer cancel()
	}
	var acquired bool
	err := c.conn.QueryRowContext(attemptCtx, "SELECT pg_try_advisory_lock($1)", driver.NarrowInt32(key)).Scan(&acquired)
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (c *Connection) ReleaseLock(ctx context.Context, key string) error {
	_, err := c.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", driver.NarrowInt32(key))
	return err
}

func (c *Connection) BeginTx(ctx context.Context) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *Connection) CommitTx(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

func (c *Connection) RollbackTx(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

func (c *Connection) RunStatement(ctx context.Context, stmtSQL string) error {
	return c.exec(ctx, stmtSQL)
}

func (c *Connection) Query(ctx context.Context, sqlText string, args ...interface{}) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, sqlText, args...)
	}
	return c.conn.QueryContext(ctx, sqlText, args...)
}

func (c *Connection) Dispose() error {
	return c.conn.Close()
}

func init() {
	// PostgreSQL accepts both postgres:// and postgresql:// (section 32.1.1.2
	// of its connection-string documentation).
	driver.Register("postgres", Open)
	driver.Register("postgresql", Open)
}
