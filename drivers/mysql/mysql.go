// Package mysql implements driver.Driver and driver.Connection for MySQL,
// using database/sql and github.com/go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/edgardcham/nomad/driver"
	"github.com/edgardcham/nomad/migration"
	"github.com/edgardcham/nomad/nomaderr"
)

// Config holds the bookkeeping-table placement. MySQL has no schema
// namespacing independent of the database selected in the DSN, so only the
// table name is configurable.
type Config struct {
	Table string
}

func DefaultConfig() Config { return Config{Table: "nomad_migrations"} }

// Driver is the process-wide MySQL capability set.
type Driver struct {
	db  *sql.DB
	cfg Config
	url string
}

// Open opens the pool without connecting to the server; Probe performs the
// first round-trip.
func Open(url string) (driver.Driver, error) {
	dsn := url
	// database/sql/driver DSNs for go-sql-driver/mysql drop the "mysql://"
	// scheme the registry dispatched on.
	const scheme = "mysql://"
	if len(dsn) >= len(scheme) && dsn[:len(scheme)] == scheme {
		dsn = dsn[len(scheme):]
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &Driver{db: db, cfg: DefaultConfig(), url: url}, nil
}

func (d *Driver) WithConfig(cfg Config) { d.cfg = cfg }

func (d *Driver) Name() string                   { return "mysql" }
func (d *Driver) SupportsTransactionalDDL() bool { return false }
func (d *Driver) Close() error                   { return d.db.Close() }
func (d *Driver) QuoteIdent(name string) string  { return "`" + strings.ReplaceAll(name, "`", "``") + "`" }
func (d *Driver) NowExpression() string          { return "UTC_TIMESTAMP()" }

func (d *Driver) LockScope() (url, schema, table string) {
	return d.url, "", d.cfg.Table
}

func (d *Driver) Probe(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Driver) table() string { return d.QuoteIdent(d.cfg.Table) }

func (d *Driver) Connect(ctx context.Context) (driver.Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Connection{driver: d, conn: conn}, nil
}

// MapError classifies a *mysql.MySQLError into the nomaderr taxonomy.
func (d *Driver) MapError(err error) *nomaderr.Error {
	myErr, ok := err.(*mysqldriver.MySQLError)
	if !ok {
		return nomaderr.Wrap(nomaderr.KindConnection, err, "%s", err.Error())
	}

	kind := nomaderr.KindSQL
	switch myErr.Number {
	case 1044, 1045, 1698:
		kind = nomaderr.KindConnection
	}
	return nomaderr.Wrap(kind, err, "MySQL error %d: %s", myErr.Number, myErr.Message)
}

// Connection is one checked-out MySQL handle. AcquireLock/ReleaseLock use
// GET_LOCK/RELEASE_LOCK, which are session-scoped in MySQL: the dedicated
// *sql.Conn this Connection wraps is the session that holds the lock, so it
// must never be returned to the pool while the lock is held.
type Connection struct {
	driver *Driver
	conn   *sql.Conn
	tx     *sql.Tx
}

func (c *Connection) table() string { return c.driver.table() }

func (c *Connection) EnsureMigrationsTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version BIGINT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMP NULL,
		rolled_back_at TIMESTAMP NULL
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
		VALUES (?, ?, ?, UTC_TIMESTAMP(), NULL)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			checksum = VALUES(checksum),
			applied_at = UTC_TIMESTAMP(),
			rolled_back_at = NULL`, c.table())
	return c.exec(ctx, stmt, version, name, checksum)
}

func (c *Connection) MarkRolledBack(ctx context.Context, version migration.Version) error {
	stmt := fmt.Sprintf(`UPDATE %s SET rolled_back_at = UTC_TIMESTAMP() WHERE version = ?`, c.table())
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
	timeoutSeconds := int(perAttempt / time.Second)
	if timeoutSeconds < 0 {
		timeoutSeconds = 0
	}
	var acquired int
	err := c.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName(key), timeoutSeconds).Scan(&acquired)
	if err != nil {
		return false, err
	}
	return acquired == 1, nil
}

func (c *Connection) ReleaseLock(ctx context.Context, key string) error {
	_, err := c.conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", lockName(key))
	return err
}

// lockName keeps MySQL's 64-character lock-name limit in mind by using only
// the narrowed key, not the full 64-hex-digit fingerprint plus a prefix.
func lockName(key string) string {
	return fmt.Sprintf("nomad:%d", driver.NarrowInt32(key))
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
	driver.Register("mysql", Open)
}
