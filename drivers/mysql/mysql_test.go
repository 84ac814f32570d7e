package mysql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgardcham/nomad/migration"
	"github.com/edgardcham/nomad/nomaderr"
)

// newMockConnection wires a Connection to a sqlmock-backed *sql.Conn so the
// query bodies these tests exercise never touch a live database.
func newMockConnection(t *testing.T) (*Connection, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	d := &Driver{cfg: DefaultConfig()}
	return &Connection{driver: d, conn: conn}, mock
}

func TestMapError_KnownAuthCodeIsConnectionKind(t *testing.T) {
	d := &Driver{cfg: DefaultConfig()}
	e := d.MapError(&mysqldriver.MySQLError{Number: 1045, Message: "Access denied"})
	assert.Equal(t, nomaderr.KindConnection, e.Kind)
	assert.Contains(t, e.Message, "Access denied")
}

func TestMapError_NonMySQLErrorIsConnectionKind(t *testing.T) {
	d := &Driver{cfg: DefaultConfig()}
	e := d.MapError(errors.New("dial tcp: connection refused"))
	assert.Equal(t, nomaderr.KindConnection, e.Kind)
	assert.Contains(t, e.Message, "connection refused")
}

func TestLockName_StableAndShort(t *testing.T) {
	name := lockName("deadbeef")
	assert.True(t, len(name) <= 64)
	assert.Equal(t, name, lockName("deadbeef"))
}

func TestTable_Quoted(t *testing.T) {
	d := &Driver{cfg: DefaultConfig()}
	assert.Equal(t, "`nomad_migrations`", d.table())
}

func TestEnsureMigrationsTable_CreatesBookkeepingTable(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS `nomad_migrations`").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, conn.EnsureMigrationsTable(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchAppliedMigrations_ScansRolledBackAsNull(t *testing.T) {
	conn, mock := newMockConnection(t)
	rows := sqlmock.NewRows([]string{"version", "name", "checksum", "applied_at", "rolled_back_at"}).
		AddRow(20240101000000, "create_users", "abc123", time.Now(), nil)
	mock.ExpectQuery("SELECT version, name, checksum, applied_at, rolled_back_at FROM `nomad_migrations`").
		WillReturnRows(rows)

	recs, err := conn.FetchAppliedMigrations(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, migration.Version(20240101000000), recs[0].Version)
	assert.Nil(t, recs[0].RolledBackAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkApplied_UpsertsOnDuplicateKey(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectExec("INSERT INTO `nomad_migrations`.*ON DUPLICATE KEY UPDATE").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := conn.MarkApplied(context.Background(), migration.Version(1), "create_users", "abc123")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRolledBack_UpdatesRolledBackAt(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectExec("UPDATE `nomad_migrations` SET rolled_back_at = UTC_TIMESTAMP\\(\\) WHERE version = \\?").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, conn.MarkRolledBack(context.Background(), migration.Version(1)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLock_ReturnsAcquiredFlag(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectQuery("SELECT GET_LOCK\\(\\?, \\?\\)").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))

	ok, err := conn.AcquireLock(context.Background(), "some-key", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLock_ExecutesUnlock(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectExec("SELECT RELEASE_LOCK\\(\\?\\)").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, conn.ReleaseLock(context.Background(), "some-key"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockName_NomadPrefixed(t *testing.T) {
	assert.Regexp(t, `^nomad:-?\d+$`, lockName("deadbeef"))
}

func TestRunStatement_ExecutesGivenSQL(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectExec("CREATE TABLE users").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, conn.RunStatement(context.Background(), "CREATE TABLE users (id int)"))
	require.NoError(t, mock.ExpectationsWereMet())
}
