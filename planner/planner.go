// Package planner turns an on-disk migration.Files set and the database's
// current migration.AppliedRecords into an ordered, annotated migration.Plan.
// It performs no I/O: every function here is pure over its arguments.
package planner

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/edgardcham/nomad/direction"
	"github.com/edgardcham/nomad/hazard"
	"github.com/edgardcham/nomad/migration"
)

// Options controls filtering and truncation of a plan. Limit and Count are
// mutually scoped to plan_up and plan_down respectively, both meaning "take
// at most N from the front of the computed output."
type Options struct {
	Filter           migration.TagFilter
	IncludeAncestors bool
	Limit            int
	Count            int

	// AutoNoTx configures hazard.Validate for each section.
	AutoNoTx bool
}

// DetectHazards classifies the non-transactional hazards present in a
// section's statements for the given backend. PostgreSQL targets pass
// hazard.DetectPostgres; other backends pass hazard.DetectNone.
type DetectHazards func([]migration.Statement) []hazard.Hazard

// PlanUp plans an ascending application of pending migrations.
func PlanUp(files migration.Files, applied migration.AppliedRecords, opts Options, detect DetectHazards, supportsTx bool) migration.Plan {
	pending := pendingFiles(files, applied)

	selected := pending
	var warnings []string
	if !opts.Filter.Empty() {
		selected = filterFiles(pending, opts.Filter)
		if opts.IncludeAncestors && len(selected) > 0 {
			minVersion := selected[0].Version
			for _, f := range selected {
				if f.Version < minVersion {
					minVersion = f.Version
				}
			}
			selected = unionAncestors(pending, selected, minVersion)
		} else if len(selected) > 0 {
			earliestSelected := selected[0].Version
			for _, f := range pending {
				if f.Version < earliestSelected {
					warnings = append(warnings, "Tag filter excludes earlier pending migrations; use include-ancestors to include prerequisites.")
					break
				}
			}
		}
	}

	if opts.Limit > 0 && len(selected) > opts.Limit {
		selected = selected[:opts.Limit]
	}

	return buildPlan(direction.Up, selected, opts, detect, supportsTx, warnings)
}

// PlanDown plans a descending rollback of applied migrations.
func PlanDown(files migration.Files, applied migration.AppliedRecords, opts Options, detect DetectHazards, supportsTx bool) migration.Plan {
	descending := descendingApplied(applied)

	var selected migration.Files
	for _, rec := range descending {
		f, ok := files.ByVersion(rec.Version)
		if !ok {
			break
		}
		if !opts.Filter.Empty() && !opts.Filter.Matches(f) {
			break
		}
		selected = append(selected, f)
	}

	if opts.Count > 0 && len(selected) > opts.Count {
		selected = selected[:opts.Count]
	}

	return buildPlan(direction.Down, selected, opts, detect, supportsTx, nil)
}

// PlanTo plans the shortest path from the current applied state to target:
// empty if already there, down if target is below the current max, up if
// above.
func PlanTo(files migration.Files, applied migration.AppliedRecords, target migration.Version, opts Options, detect DetectHazards, supportsTx bool) migration.Plan {
	currentMax := currentMaxApplied(applied)

	if target == currentMax {
		return migration.Plan{Direction: direction.Up}
	}

	if target < currentMax {
		descending := descendingApplied(applied)
		var selected migration.Files
		for _, rec := range descending {
			if rec.Version <= target {
				break
			}
			if f, ok := files.ByVersion(rec.Version); ok {
				selected = append(selected, f)
			}
		}
		return buildPlan(direction.Down, selected, opts, detect, supportsTx, nil)
	}

	pending := pendingFiles(files, applied)
	var selected migration.Files
	for _, f := range pending {
		if f.Version <= target {
			selected = append(selected, f)
		}
	}
	return buildPlan(direction.Up, selected, opts, detect, supportsTx, nil)
}

func currentMaxApplied(applied migration.AppliedRecords) migration.Version {
	var max migration.Version
	for _, r := range applied {
		if r.IsActive() && r.Version > max {
			max = r.Version
		}
	}
	return max
}

func pendingFiles(files migration.Files, applied migration.AppliedRecords) migration.Files {
	appliedSet := make(map[migration.Version]bool, len(applied))
	for _, r := range applied {
		if r.IsActive() {
			appliedSet[r.Version] = true
		}
	}
	var pending migration.Files
	for _, f := range files {
		if !appliedSet[f.Version] {
			pending = append(pending, f)
		}
	}
	return pending // files is already version-ascending from the store.
}

func descendingApplied(applied migration.AppliedRecords) migration.AppliedRecords {
	var active migration.AppliedRecords
	for _, r := range applied {
		if r.IsActive() {
			active = append(active, r)
		}
	}
	for i, j := 0, len(active)-1; i < j; i, j = i+1, j-1 {
		active[i], active[j] = active[j], active[i]
	}
	return active
}

func filterFiles(files migration.Files, filter migration.TagFilter) migration.Files {
	var out migration.Files
	for _, f := range files {
		if filter.Matches(f) {
			out = append(out, f)
		}
	}
	return out
}

// unionAncestors returns every file in pending with version <= minVersion,
// unioned with selected, deduplicated and kept ascending.
func unionAncestors(pending, selected migration.Files, minVersion migration.Version) migration.Files {
	include := make(map[migration.Version]bool, len(selected))
	for _, f := range selected {
		include[f.Version] = true
	}
	var out migration.Files
	for _, f := range pending {
		if f.Version <= minVersion || include[f.Version] {
			out = append(out, f)
		}
	}
	return out
}

func buildPlan(d direction.Direction, files migration.Files, opts Options, detect DetectHazards, supportsTx bool, warnings []string) migration.Plan {
	plan := migration.Plan{Direction: d, Warnings: warnings}

	var errs *multierror.Error
	for _, f := range files {
		section := f.Parsed.Section(d)
		hazards := detect(section.Statements)

		decision, err := hazard.Validate(hazards, section.NoTx, hazard.Options{AutoNoTx: opts.AutoNoTx})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s/%d_%s: %w", directionName(d), f.Version, f.Name, err))
			continue
		}

		pm := migration.PlannedMigration{
			Version:     f.Version,
			Name:        f.Name,
			Direction:   d,
			Transaction: !decision.ShouldSkipTransaction && supportsTx,
			Statements:  section.Statements,
		}
		if decision.Warning != "" {
			plan.Warnings = append(plan.Warnings, decision.Warning)
		}
		for _, h := range decision.HazardsDetected {
			pm.Hazards = append(pm.Hazards, string(h.Class))
		}
		if !pm.Transaction {
			switch {
			case section.NoTx:
				pm.Reason = "notx directive"
			case len(decision.HazardsDetected) > 0:
				pm.Reason = fmt.Sprintf("hazard: %s", decision.HazardsDetected[0].Class)
			case !supportsTx:
				pm.Reason = "driver does not support transactional DDL"
			}
		}

		plan.Migrations = append(plan.Migrations, pm)
		plan.Summary.Total++
		if pm.Transaction {
			plan.Summary.Transactional++
		} else {
			plan.Summary.NonTransactional++
		}
		plan.Summary.HazardCount += len(pm.Hazards)
	}

	if errs != nil {
		plan.Errors = errs.Errors
	}
	return plan
}

func directionName(d direction.Direction) string {
	if d == direction.Up {
		return "up"
	}
	return "down"
}
