// Package engine orchestrates the migration lifecycle: acquire the exclusive
// lock, verify integrity, walk planner output, drive the driver, emit
// events, release the lock. It is the seam the out-of-scope CLI would call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/edgardcham/nomad/checksum"
	"github.com/edgardcham/nomad/direction"
	"github.com/edgardcham/nomad/driver"
	"github.com/edgardcham/nomad/drivers/postgres"
	"github.com/edgardcham/nomad/event"
	"github.com/edgardcham/nomad/hazard"
	"github.com/edgardcham/nomad/migration"
	"github.com/edgardcham/nomad/nomaderr"
	"github.com/edgardcham/nomad/planner"
	"github.com/edgardcham/nomad/store"
)

const (
	defaultPerAttempt  = 5 * time.Second
	defaultLockTimeout = 30 * time.Second
)

// Option configures an Engine at construction, in the teacher's
// functional-option style.
type Option func(e *Engine) error

// WithLockTimeout sets the overall budget the lock-acquisition loop retries
// within before raising a lock-timeout error. Default 30s.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) error { e.lockTimeout = d; return nil }
}

// WithLockPerAttempt sets how long a single acquire_lock call may block.
// Default 5s.
func WithLockPerAttempt(d time.Duration) Option {
	return func(e *Engine) error { e.lockPerAttempt = d; return nil }
}

// WithAutoNoTx enables the engine to run a hazardous section without a
// transaction instead of failing, logging a warning.
func WithAutoNoTx(enabled bool) Option {
	return func(e *Engine) error { e.autoNoTx = enabled; return nil }
}

// WithAllowDrift disables the drift/missing-file preconditions on Status,
// Up, Down and To, and the checksum check on Redo. Verify reports drift
// either way.
func WithAllowDrift(enabled bool) Option {
	return func(e *Engine) error { e.allowDrift = enabled; return nil }
}

// WithEventSink overrides the default (disabled) event sink.
func WithEventSink(sink *event.Sink) Option {
	return func(e *Engine) error { e.events = sink; return nil }
}

// WithLogger overrides the default structured logger.
func WithLogger(log *logrus.Logger) Option {
	return func(e *Engine) error { e.log = log; return nil }
}

// WithTagFilter scopes planning operations to files matching filter.
func WithTagFilter(filter migration.TagFilter) Option {
	return func(e *Engine) error { e.tagFilter = filter; return nil }
}

// WithRehash toggles the store's cache-hit re-hash safety mode.
func WithRehash(enabled bool) Option {
	return func(e *Engine) error { e.rehash = enabled; return nil }
}

// Engine is one migrations session against one target database.
type Engine struct {
	drv   driver.Driver
	store *store.Store
	dir   string

	lockTimeout    time.Duration
	lockPerAttempt time.Duration
	autoNoTx       bool
	allowDrift     bool
	rehash         bool
	tagFilter      migration.TagFilter

	events *event.Sink
	log    *logrus.Logger
}

// New builds an Engine around an already-open driver and a migrations
// directory.
func New(drv driver.Driver, dir string, opts ...Option) (*Engine, error) {
	if drv == nil {
		return nil, errors.New("engine: driver can't be nil")
	}
	e := &Engine{
		drv:            drv,
		dir:            dir,
		lockTimeout:    defaultLockTimeout,
		lockPerAttempt: defaultPerAttempt,
		events:         event.New(os.Stdout, false),
		log:            logrus.New(),
	}
	for _, configure := range opts {
		if err := configure(e); err != nil {
			return nil, err
		}
	}
	e.store = store.New(dir)
	e.store.Rehash = e.rehash
	return e, nil
}

// Close tears down the driver's pool.
func (e *Engine) Close() error {
	return e.drv.Close()
}

func (e *Engine) hazardDetector() planner.DetectHazards {
	if e.drv.Name() == "postgres" || e.drv.Name() == "postgresql" {
		return hazard.DetectPostgres
	}
	return hazard.DetectNone
}

func (e *Engine) lockKey() string {
	url, schema, table := e.drv.LockScope()
	return driver.LockKey(url, e.dir, schema, table)
}

// withLock acquires the exclusive lock with retry/backoff, installs a
// scoped interrupt handler that releases it and then exits the process with
// status 1 (the signal itself is not re-raised), runs fn, and guarantees
// release and connection disposal on every path that returns.
func (e *Engine) withLock(ctx context.Context, fn func(ctx context.Context, conn driver.Connection) error) error {
	conn, err := e.drv.Connect(ctx)
	if err != nil {
		return e.drv.MapError(err)
	}
	defer conn.Dispose()

	key := e.lockKey()
	if err := e.acquireWithBackoff(ctx, conn, key); err != nil {
		return err
	}
	e.log.WithField("key", key).Info("lock acquired")
	e.events.Emit(event.LockAcquiredEvent())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			conn.ReleaseLock(context.Background(), key)
			e.events.Emit(event.LockReleasedEvent())
			signal.Stop(sigCh)
			os.Exit(1)
		case <-done:
		}
	}()

	defer func() {
		close(done)
		signal.Stop(sigCh)
		conn.ReleaseLock(context.Background(), key)
		e.events.Emit(event.LockReleasedEvent())
	}()

	return fn(ctx, conn)
}

func (e *Engine) acquireWithBackoff(ctx context.Context, conn driver.Connection, key string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = e.lockTimeout

	bo := backoff.WithContext(b, ctx)

	var connErr error
	operation := func() error {
		ok, err := conn.AcquireLock(ctx, key, e.lockPerAttempt)
		if err != nil {
			connErr = err
			return backoff.Permanent(err)
		}
		if !ok {
			return fmt.Errorf("lock %q not yet acquired", key)
		}
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		if connErr != nil {
			return e.drv.MapError(connErr)
		}
		return nomaderr.New(nomaderr.KindLockTimeout, "could not acquire lock %q within %s", key, e.lockTimeout)
	}
	return nil
}

// ensureMigrationsTable idempotently creates the bookkeeping table. The
// "already exists" race is not possible here since EnsureMigrationsTable
// itself is idempotent (CREATE TABLE IF NOT EXISTS); any other error
// propagates.
func (e *Engine) ensureMigrationsTable(ctx context.Context, conn driver.Connection) error {
	if err := conn.EnsureMigrationsTable(ctx); err != nil {
		return e.drv.MapError(err)
	}
	return nil
}

func (e *Engine) loadState(ctx context.Context, conn driver.Connection) (migration.Files, migration.AppliedRecords, error) {
	files, err := e.store.Load()
	if err != nil {
		return nil, nil, err
	}
	applied, err := conn.FetchAppliedMigrations(ctx)
	if err != nil {
		return nil, nil, e.drv.MapError(err)
	}
	return files, applied, nil
}

func (e *Engine) plannerOptions() planner.Options {
	return planner.Options{
		Filter:   e.tagFilter,
		AutoNoTx: e.autoNoTx,
	}
}

// PlanUp computes the ascending-pending plan without executing it.
func (e *Engine) PlanUp(ctx context.Context) (migration.Plan, error) {
	var plan migration.Plan
	err := e.withLock(ctx, func(ctx context.Context, conn driver.Connection) error {
		files, applied, err := e.loadState(ctx, conn)
		if err != nil {
			return err
		}
		plan = planner.PlanUp(files, applied, e.plannerOptions(), e.hazardDetector(), e.drv.SupportsTransactionalDDL())
		return nil
	})
	return plan, err
}

// PlanDown computes the descending-applied plan without executing it.
func (e *Engine) PlanDown(ctx context.Context) (migration.Plan, error) {
	var plan migration.Plan
	err := e.withLock(ctx, func(ctx context.Context, conn driver.Connection) error {
		files, applied, err := e.loadState(ctx, conn)
		if err != nil {
			return err
		}
		plan = planner.PlanDown(files, applied, e.plannerOptions(), e.hazardDetector(), e.drv.SupportsTransactionalDDL())
		return nil
	})
	return plan, err
}

// PlanTo computes the plan to reach target without executing it.
func (e *Engine) PlanTo(ctx context.Context, target migration.Version) (migration.Plan, error) {
	var plan migration.Plan
	err := e.withLock(ctx, func(ctx context.Context, conn driver.Connection) error {
		files, applied, err := e.loadState(ctx, conn)
		if err != nil {
			return err
		}
		plan = planner.PlanTo(files, applied, target, e.plannerOptions(), e.hazardDetector(), e.drv.SupportsTransactionalDDL())
		return nil
	})
	return plan, err
}

// Up applies every pending migration in ascending order.
func (e *Engine) Up(ctx context.Context) error {
	return e.run(ctx, func(files migration.Files, applied migration.AppliedRecords) migration.Plan {
		return planner.PlanUp(files, applied, e.plannerOptions(), e.hazardDetector(), e.drv.SupportsTransactionalDDL())
	})
}

// Down rolls back every currently-applied migration in descending order.
func (e *Engine) Down(ctx context.Context) error {
	return e.run(ctx, func(files migration.Files, applied migration.AppliedRecords) migration.Plan {
		return planner.PlanDown(files, applied, e.plannerOptions(), e.hazardDetector(), e.drv.SupportsTransactionalDDL())
	})
}

// To migrates (up or down, as needed) to target.
func (e *Engine) To(ctx context.Context, target migration.Version) error {
	return e.run(ctx, func(files migration.Files, applied migration.AppliedRecords) migration.Plan {
		return planner.PlanTo(files, applied, target, e.plannerOptions(), e.hazardDetector(), e.drv.SupportsTransactionalDDL())
	})
}

// Redo rolls back the last applied migration, then reapplies it, under one
// lock acquisition.
func (e *Engine) Redo(ctx context.Context) error {
	return e.withLock(ctx, func(ctx context.Context, conn driver.Connection) error {
		if err := e.ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		files, applied, err := e.loadState(ctx, conn)
		if err != nil {
			return err
		}
		var last migration.Version
		for _, r := range applied {
			if r.IsActive() && r.Version > last {
				last = r.Version
			}
		}
		if last == 0 {
			return errors.New("engine: no applied migration to redo")
		}
		f, ok := files.ByVersion(last)
		if !ok {
			return fmt.Errorf("engine: no migration file for applied version %d", last)
		}
		if !e.allowDrift && f.Checksum != mustChecksum(applied, last) {
			return nomaderr.New(nomaderr.KindChecksumMismatch, "checksum mismatch for version %d", last)
		}

		if err := e.applySection(ctx, conn, f, direction.Down); err != nil {
			return err
		}
		return e.applySection(ctx, conn, f, direction.Up)
	})
}

func mustChecksum(applied migration.AppliedRecords, v migration.Version) string {
	for _, r := range applied {
		if r.Version == v {
			return r.Checksum
		}
	}
	return ""
}

// run is the shared shape of Up/Down/To: lock, ensure table, load state,
// compute a plan, apply every planned migration in order.
func (e *Engine) run(ctx context.Context, computePlan func(migration.Files, migration.AppliedRecords) migration.Plan) error {
	return e.withLock(ctx, func(ctx context.Context, conn driver.Connection) error {
		if err := e.ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		files, applied, err := e.loadState(ctx, conn)
		if err != nil {
			return err
		}
		if !e.allowDrift {
			if err := checkDrift(files, applied); err != nil {
				return err
			}
		}

		plan := computePlan(files, applied)
		if len(plan.Errors) > 0 {
			return plan.Errors[0]
		}

		for _, pm := range plan.Migrations {
			f, ok := files.ByVersion(pm.Version)
			if !ok {
				return nomaderr.New(nomaderr.KindMissingFile, "no migration file for version %d", pm.Version)
			}
			if err := e.applySection(ctx, conn, f, pm.Direction); err != nil {
				return err
			}
		}
		return nil
	})
}

// applySection runs one migration's section (up or down), wrapped in a
// transaction unless the section was planned non-transactional, updating
// bookkeeping as the final step of the same scope.
func (e *Engine) applySection(ctx context.Context, conn driver.Connection, f migration.File, d direction.Direction) error {
	start := time.Now()
	e.events.Emit(event.ApplyStartEvent(f.Version, f.Name, d))
	e.log.WithFields(logrus.Fields{"version": f.Version, "name": f.Name, "direction": d.String()}).Info("apply start")

	section := f.Parsed.Section(d)
	detect := e.hazardDetector()
	hazards := detect(section.Statements)
	decision, err := hazard.Validate(hazards, section.NoTx, hazard.Options{AutoNoTx: e.autoNoTx})
	if err != nil {
		return err
	}
	useTx := !decision.ShouldSkipTransaction && e.drv.SupportsTransactionalDDL()
	if decision.Warning != "" {
		e.log.Warn(decision.Warning)
	}

	if len(section.Statements) == 0 {
		if err := e.updateBookkeeping(ctx, conn, f, d); err != nil {
			return err
		}
		e.events.Emit(event.ApplyEndEvent(f.Version, f.Name, d, time.Since(start)))
		return nil
	}

	if useTx {
		if err := conn.BeginTx(ctx); err != nil {
			return e.drv.MapError(err)
		}
	}

	for _, stmt := range section.Statements {
		stmtStart := time.Now()
		if err := conn.RunStatement(ctx, stmt.SQL); err != nil {
			if useTx {
				conn.RollbackTx(ctx)
			}
			mapped := e.drv.MapError(err)
			line, column := stmt.Line, stmt.Column
			if offset := postgres.StatementOffset(err); offset >= 0 {
				dy, dx := lineColDelta(stmt.SQL, offset)
				line += dy
				if dy == 0 {
					column += dx
				} else {
					column = dx + 1
				}
			}
			return nomaderr.WithLocation(mapped, f.Path, line, column, stmt.SQL)
		}
		e.events.Emit(event.StmtRunEvent(f.Version, f.Name, d, stmt.SQL, time.Since(stmtStart)))
	}

	if err := e.updateBookkeeping(ctx, conn, f, d); err != nil {
		if useTx {
			conn.RollbackTx(ctx)
		}
		return err
	}

	if useTx {
		if err := conn.CommitTx(ctx); err != nil {
			return e.drv.MapError(err)
		}
	}

	e.events.Emit(event.ApplyEndEvent(f.Version, f.Name, d, time.Since(start)))
	e.log.WithFields(logrus.Fields{"version": f.Version, "name": f.Name}).Info("apply end")
	return nil
}

func (e *Engine) updateBookkeeping(ctx context.Context, conn driver.Connection, f migration.File, d direction.Direction) error {
	if d == direction.Up {
		return conn.MarkApplied(ctx, f.Version, f.Name, f.Checksum)
	}
	return conn.MarkRolledBack(ctx, f.Version)
}

// Status classifies every on-disk file as applied/pending/drifted/
// legacy-no-checksum, and every applied-without-file record as missing.
type StatusRow struct {
	Version migration.Version
	Name    string
	State   string
}

// classify loads files and applied records and produces one StatusRow per
// file (pending/legacy-no-checksum/drifted/applied) plus one per
// applied-without-file record (missing, suppressed while a tag filter is
// active), sorted ascending by version. It never fails on drift or a missing
// file; callers that need that precondition check it themselves.
func (e *Engine) classify(ctx context.Context, conn driver.Connection) ([]StatusRow, error) {
	if err := e.ensureMigrationsTable(ctx, conn); err != nil {
		return nil, err
	}
	files, applied, err := e.loadState(ctx, conn)
	if err != nil {
		return nil, err
	}

	appliedByVersion := make(map[migration.Version]migration.AppliedRecord, len(applied))
	for _, r := range applied {
		if r.IsActive() {
			appliedByVersion[r.Version] = r
		}
	}

	var rows []StatusRow
	for _, f := range files {
		rec, ok := appliedByVersion[f.Version]
		delete(appliedByVersion, f.Version)
		switch {
		case !ok:
			rows = append(rows, StatusRow{f.Version, f.Name, "pending"})
		case rec.Checksum == "":
			rows = append(rows, StatusRow{f.Version, f.Name, "legacy-no-checksum"})
		case rec.Checksum != f.Checksum:
			rows = append(rows, StatusRow{f.Version, f.Name, "drifted"})
		default:
			rows = append(rows, StatusRow{f.Version, f.Name, "applied"})
		}
	}

	if e.tagFilter.Empty() {
		for _, rec := range appliedByVersion {
			rows = append(rows, StatusRow{rec.Version, rec.Name, "missing"})
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Version < rows[j].Version })
	return rows, nil
}

// Status loads files and applied records and classifies each, sorted by
// version, failing if any row has drifted or is missing its file (unless
// allowDrift is set or a tag filter is active).
func (e *Engine) Status(ctx context.Context) ([]StatusRow, error) {
	var rows []StatusRow
	err := e.withLock(ctx, func(ctx context.Context, conn driver.Connection) error {
		classified, err := e.classify(ctx, conn)
		if err != nil {
			return err
		}
		rows = classified

		if !e.allowDrift && e.tagFilter.Empty() {
			for _, r := range rows {
				if r.State == "drifted" {
					return nomaderr.New(nomaderr.KindDrift, "migration %d has drifted from its recorded checksum", r.Version)
				}
				if r.State == "missing" {
					return nomaderr.New(nomaderr.KindMissingFile, "applied migration %d has no corresponding file", r.Version)
				}
			}
		}
		return nil
	})
	return rows, err
}

// VerifyResult is the structured outcome of a verify pass.
type VerifyResult struct {
	Valid        bool
	DriftCount   int
	MissingCount int
	Drifted      []StatusRow
	Missing      []StatusRow
}

// Verify re-checks integrity without mutating anything, surfacing the full
// classification instead of failing fast like Status does.
func (e *Engine) Verify(ctx context.Context) (VerifyResult, error) {
	e.events.Emit(event.VerifyStartEvent())
	defer e.events.Emit(event.VerifyEndEvent())

	var result VerifyResult
	err := e.withLock(ctx, func(ctx context.Context, conn driver.Connection) error {
		rows, err := e.classify(ctx, conn)
		if err != nil {
			return err
		}
		for _, r := range rows {
			switch r.State {
			case "drifted":
				result.Drifted = append(result.Drifted, r)
			case "missing":
				result.Missing = append(result.Missing, r)
			}
		}
		result.DriftCount = len(result.Drifted)
		result.MissingCount = len(result.Missing)
		result.Valid = result.DriftCount == 0 && result.MissingCount == 0
		return nil
	})
	return result, err
}

// lineColDelta translates a 0-based byte offset into text into a (line,
// column) delta relative to text's start, for adding onto a statement's
// already-known starting line/column.
func lineColDelta(text string, offset int) (dy, dx int) {
	if offset < 0 || offset > len(text) {
		return 0, 0
	}
	segment := text[:offset]
	dy = strings.Count(segment, "\n")
	if idx := strings.LastIndexByte(segment, '\n'); idx >= 0 {
		dx = len(segment) - idx - 1
	} else {
		dx = len(segment)
	}
	return dy, dx
}

func checkDrift(files migration.Files, applied migration.AppliedRecords) error {
	byVersion := make(map[migration.Version]migration.File, len(files))
	for _, f := range files {
		byVersion[f.Version] = f
	}
	for _, r := range applied {
		if !r.IsActive() {
			continue
		}
		f, ok := byVersion[r.Version]
		if !ok {
			return nomaderr.New(nomaderr.KindMissingFile, "applied migration %d has no corresponding file", r.Version)
		}
		if !checksum.Verify(f.Raw, r.Checksum) {
			return nomaderr.New(nomaderr.KindDrift, "migration %d has drifted from its recorded checksum", r.Version)
		}
	}
	return nil
}
