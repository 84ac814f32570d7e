package hazard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgardcham/nomad/migration"
)

func stmt(sql string) migration.Statement { return migration.Statement{SQL: sql, Line: 1, Column: 1} }

func TestDetectPostgres_CreateIndexConcurrently(t *testing.T) {
	hazards := DetectPostgres([]migration.Statement{stmt("CREATE INDEX CONCURRENTLY idx ON t(a)")})
	require.Len(t, hazards, 1)
	assert.Equal(t, CreateIndexConcurrently, hazards[0].Class)
}

func TestDetectPostgres_NoHazardForOrdinaryDDL(t *testing.T) {
	hazards := DetectPostgres([]migration.Statement{stmt("CREATE TABLE t(id int)")})
	assert.Empty(t, hazards)
}

func TestDetectPostgres_MultipleClasses(t *testing.T) {
	hazards := DetectPostgres([]migration.Statement{
		stmt("VACUUM ANALYZE t"),
		stmt("CREATE TABLE t(id int)"),
		stmt("ALTER SYSTEM SET foo = 'bar'"),
	})
	require.Len(t, hazards, 2)
	assert.Equal(t, Vacuum, hazards[0].Class)
	assert.Equal(t, AlterSystem, hazards[1].Class)
}

func TestDetectPostgres_SkipsLeadingLineComment(t *testing.T) {
	hazards := DetectPostgres([]migration.Statement{
		stmt("-- rebuild without locking writers\nCREATE INDEX CONCURRENTLY idx ON t(a)"),
	})
	require.Len(t, hazards, 1)
	assert.Equal(t, CreateIndexConcurrently, hazards[0].Class)
}

func TestDetectPostgres_SkipsLeadingBlockComment(t *testing.T) {
	hazards := DetectPostgres([]migration.Statement{
		stmt("/* see runbook */ VACUUM ANALYZE t"),
	})
	require.Len(t, hazards, 1)
	assert.Equal(t, Vacuum, hazards[0].Class)
}

func TestDetectNone_AlwaysEmpty(t *testing.T) {
	assert.Empty(t, DetectNone([]migration.Statement{stmt("VACUUM")}))
}

func TestValidate_SectionNoTxSkipsSilently(t *testing.T) {
	hazards := []Hazard{{Class: Vacuum}}
	d, err := Validate(hazards, true, Options{})
	require.NoError(t, err)
	assert.True(t, d.ShouldSkipTransaction)
	assert.Empty(t, d.Warning)
}

func TestValidate_NoHazardsUsesTransaction(t *testing.T) {
	d, err := Validate(nil, false, Options{})
	require.NoError(t, err)
	assert.False(t, d.ShouldSkipTransaction)
}

func TestValidate_HazardsWithoutAutoNoTxFails(t *testing.T) {
	hazards := []Hazard{{Class: Vacuum}}
	_, err := Validate(hazards, false, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notx")
}

func TestValidate_HazardsWithAutoNoTxWarns(t *testing.T) {
	hazards := []Hazard{{Class: Vacuum}}
	d, err := Validate(hazards, false, Options{AutoNoTx: true})
	require.NoError(t, err)
	assert.True(t, d.ShouldSkipTransaction)
	assert.Contains(t, d.Warning, "VACUUM")
}
