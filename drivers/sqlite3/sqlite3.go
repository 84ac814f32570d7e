// Package sqlite3 implements driver.Driver and driver.Connection for SQLite,
// using database/sql and github.com/mattn/go-sqlite3.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gosqlite3 "github.com/mattn/go-sqlite3"

	"github.com/edgardcham/nomad/driver"
	"github.com/edgardcham/nomad/migration"
	"github.com/edgardcham/nomad/nomaderr"
)

type Config struct {
	Table string
}

func DefaultConfig() Config { return Config{Table: "nomad_migrations"} }

// Driver is the process-wide SQLite capability set. SQLite has no
// session-scoped advisory lock primitive, so mutual exclusion uses a
// dedicated nomad_lock table instead (see Connection.AcquireLock).
type Driver struct {
	db  *sql.DB
	cfg Config
	url string
}

func Open(url string) (driver.Driver, error) {
	dsn := url
	const scheme = "sqlite3://"
	if len(dsn) < len(scheme) || dsn[:len(scheme)] != scheme {
		return nil, errors.New("invalid sqlite3:// scheme")
	}
	dsn = dsn[len(scheme):]

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return &Driver{db: db, cfg: DefaultConfig(), url: url}, nil
}

func (d *Driver) WithConfig(cfg Config) { d.cfg = cfg }

func (d *Driver) Name() string                   { return "sqlite3" }
func (d *Driver) SupportsTransactionalDDL() bool { return false }
func (d *Driver) Close() error                   { return d.db.Close() }
func (d *Driver) QuoteIdent(name string) string  { return `"` + strings.ReplaceAll(name, `"`, `""`) + `"` }
func (d *Driver) NowExpression() string          { return "CURRENT_TIMESTAMP" }

func (d *Driver) LockScope() (url, schema, table string) {
	return d.url, "", d.cfg.Table
}

func (d *Driver) Probe(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Driver) table() string     { return d.QuoteIdent(d.cfg.Table) }
func (d *Driver) lockTable() string { return d.QuoteIdent("nomad_lock") }

func (d *Driver) Connect(ctx context.Context) (driver.Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Connection{driver: d, conn: conn}, nil
}

// MapError classifies a gosqlite3.Error into the nomaderr taxonomy. SQLite
// only reports an error code, never a byte offset, so SQL errors carry no
// location beyond what the caller attributes from the parsed statement.
func (d *Driver) MapError(err error) *nomaderr.Error {
	sqliteErr, ok := err.(gosqlite3.Error)
	if !ok {
		return nomaderr.Wrap(nomaderr.KindConnection, err, "%s", err.Error())
	}
	return nomaderr.Wrap(nomaderr.KindSQL, err, "SQLite error %s (extended %s): %s",
		sqliteErr.Code.Error(), sqliteErr.ExtendedCode.Error(), sqliteErr.Error())
}

type Connection struct {
	driver *Driver
	conn   *sql.Conn
	tx     *sql.Tx
}

func (c *Connection) table() string { return c.driver.table() }

func (c *Connection) EnsureMigrationsTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version INTEGER NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at DATETIME,
		rolled_back_at DATETIME
	)`, c.table())
	if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
		return err
	}
	lockStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		lock_name TEXT NOT NULL PRIMARY KEY
	)`, c.driver.lockTable())
	_, err := c.conn.ExecContext(ctx, lockStmt)
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
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, NULL)
		ON CONFLICT(version) DO UPDATE SET
			name = excluded.name,
			checksum = excluded.checksum,
			applied_at = CURRENT_TIMESTAMP,
			rolled_back_at = NULL`, c.table())
	return c.exec(ctx, stmt, version, name, checksum)
}

func (c *Connection) MarkRolledBack(ctx context.Context, version migration.Version) error {
	stmt := fmt.Sprintf(`UPDATE %s SET rolled_back_at = CURRENT_TIMESTAMP WHERE version = ?`, c.table())
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

// AcquireLock inserts key into the dedicated lock table (creating the table
// first if it does not exist yet); the primary-key conflict this raises when
// another invocation holds the lock is the "acquire failed" signal.
// perAttempt bounds the busy-timeout wait for that insert, not a blocking
// lock wait.
func (c *Connection) AcquireLock(ctx context.Context, key string, perAttempt time.Duration) (bool, error) {
	if perAttempt > 0 {
		busyMs := int(perAttempt / time.Millisecond)
		if _, err := c.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyMs)); err != nil {
			return false, err
		}
	}
	lockStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		lock_name TEXT NOT NULL PRIMARY KEY
	)`, c.driver.lockTable())
	if _, err := c.conn.ExecContext(ctx, lockStmt); err != nil {
		return false, err
	}
	_, err := c.conn.ExecContext(ctx, fmt.Sprintf("INSERT OR FAIL INTO %s (lock_name) VALUES (?)", c.driver.lockTable()), key)
	if err != nil {
		sqliteErr, ok := err.(gosqlite3.Error)
		if ok && sqliteErr.Code == gosqlite3.ErrConstraint {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Connection) ReleaseLock(ctx context.Context, key string) error {
	_, err := c.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE lock_name = ?", c.driver.lockTable()), key)
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
	driver.Register("sqlite3", Open)
}
