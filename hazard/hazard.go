// Package hazard classifies SQL statements that cannot run inside a
// transaction on PostgreSQL. For MySQL and SQLite targets the engine uses
// DetectNone, which classifies nothing.
package hazard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edgardcham/nomad/migration"
)

// Class names a hazard category.
type Class string

const (
	CreateIndexConcurrently            Class = "CREATE_INDEX_CONCURRENTLY"
	DropIndexConcurrently               Class = "DROP_INDEX_CONCURRENTLY"
	Reindex                             Class = "REINDEX"
	Vacuum                              Class = "VACUUM"
	Cluster                             Class = "CLUSTER"
	RefreshMaterializedViewConcurrently Class = "REFRESH_MATERIALIZED_VIEW_CONCURRENTLY"
	AlterType                           Class = "ALTER_TYPE"
	AlterSystem                         Class = "ALTER_SYSTEM"
	CreateDatabase                      Class = "CREATE_DATABASE"
	DropDatabase                        Class = "DROP_DATABASE"
	AlterTablespace                     Class = "ALTER_TABLESPACE"
	CreateTablespace                    Class = "CREATE_TABLESPACE"
	DropTablespace                      Class = "DROP_TABLESPACE"
)

// Hazard is one detected occurrence of a hazard class within a statement.
type Hazard struct {
	Class     Class
	Line      int
	Column    int
	Statement string
}

type rule struct {
	class Class
	re    *regexp.Regexp
}

// postgresRules is ordered; the first matching rule wins for a statement.
var postgresRules = []rule{
	{CreateIndexConcurrently, regexp.MustCompile(`(?is)^\s*create\s+(unique\s+)?index\s+concurrently\b`)},
	{DropIndexConcurrently, regexp.MustCompile(`(?is)^\s*drop\s+index\s+concurrently\b`)},
	{Reindex, regexp.MustCompile(`(?is)^\s*reindex\b`)},
	{Vacuum, regexp.MustCompile(`(?is)^\s*vacuum\b`)},
	{Cluster, regexp.MustCompile(`(?is)^\s*cluster\b`)},
	{RefreshMaterializedViewConcurrently, regexp.MustCompile(`(?is)^\s*refresh\s+materialized\s+view\s+concurrently\b`)},
	{AlterType, regexp.MustCompile(`(?is)^\s*alter\s+type\b`)},
	{AlterSystem, regexp.MustCompile(`(?is)^\s*alter\s+system\b`)},
	{CreateDatabase, regexp.MustCompile(`(?is)^\s*create\s+database\b`)},
	{DropDatabase, regexp.MustCompile(`(?is)^\s*drop\s+database\b`)},
	{AlterTablespace, regexp.MustCompile(`(?is)^\s*alter\s+tablespace\b`)},
	{CreateTablespace, regexp.MustCompile(`(?is)^\s*create\s+tablespace\b`)},
	{DropTablespace, regexp.MustCompile(`(?is)^\s*drop\s+tablespace\b`)},
}

// DetectPostgres classifies the hazards present across stmts, for a
// PostgreSQL target.
func DetectPostgres(stmts []migration.Statement) []Hazard {
	var out []Hazard
	for _, s := range stmts {
		meaningful := stripLeadingComments(s.SQL)
		for _, r := range postgresRules {
			if r.re.MatchString(meaningful) {
				out = append(out, Hazard{Class: r.class, Line: s.Line, Column: s.Column, Statement: s.SQL})
				break
			}
		}
	}
	return out
}

// stripLeadingComments skips leading whitespace and "--"/"/* */" comments so
// a hazardous statement preceded by an explanatory comment in the same
// section is still classified correctly; the rules are anchored at the
// statement's start and would otherwise never match past the comment text.
func stripLeadingComments(sql string) string {
	i := 0
	n := len(sql)
	for i < n {
		switch {
		case sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n' || sql[i] == '\r':
			i++
		case sql[i] == '-' && i+1 < n && sql[i+1] == '-':
			i += 2
			for i < n && sql[i] != '\n' {
				i++
			}
		case sql[i] == '/' && i+1 < n && sql[i+1] == '*':
			if end := strings.Index(sql[i+2:], "*/"); end >= 0 {
				i += 2 + end + 2
			} else {
				return ""
			}
		default:
			return sql[i:]
		}
	}
	return sql[i:]
}

// DetectNone is the empty classifier used by drivers with no non-transactional
// statement classes (MySQL, SQLite).
func DetectNone([]migration.Statement) []Hazard { return nil }

// Decision is the outcome of validating a section's hazards against its
// options.
type Decision struct {
	ShouldSkipTransaction bool
	HazardsDetected       []Hazard
	Warning               string
}

// Options controls how hazards influence the transactional decision.
type Options struct {
	AutoNoTx bool
	Warn     bool
}

// Validate implements the decision table from the spec:
//   - section already marked notx: skip transaction, no warning.
//   - auto-notx enabled and hazards present: skip transaction, warn.
//   - hazards present (no auto-notx): fail, instructing the user to add notx.
//   - otherwise: use a transaction.
func Validate(hazards []Hazard, sectionNoTx bool, opts Options) (Decision, error) {
	if sectionNoTx {
		return Decision{ShouldSkipTransaction: true, HazardsDetected: hazards}, nil
	}
	if len(hazards) == 0 {
		return Decision{ShouldSkipTransaction: false}, nil
	}
	if opts.AutoNoTx {
		return Decision{
			ShouldSkipTransaction: true,
			HazardsDetected:       hazards,
			Warning:               warningFor(hazards),
		}, nil
	}
	return Decision{}, fmt.Errorf(
		"statement requires a non-transactional section (%s); add \"-- + nomad notx\" to this migration's section",
		classList(hazards),
	)
}

func warningFor(hazards []Hazard) string {
	return fmt.Sprintf("running without a transaction due to hazard(s): %s", classList(hazards))
}

func classList(hazards []Hazard) string {
	seen := map[Class]bool{}
	var names []string
	for _, h := range hazards {
		if !seen[h.Class] {
			seen[h.Class] = true
			names = append(names, string(h.Class))
		}
	}
	return strings.Join(names, ", ")
}
