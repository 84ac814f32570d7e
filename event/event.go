// Package event emits the engine's structured progress stream: one JSON
// object per line, written atomically so concurrent emitters never
// interleave a partial record.
package event

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgardcham/nomad/direction"
	"github.com/edgardcham/nomad/migration"
)

// Name identifies an event kind.
type Name string

const (
	LockAcquired Name = "lock-acquired"
	LockReleased Name = "lock-released"
	ApplyStart   Name = "apply-start"
	ApplyEnd     Name = "apply-end"
	StmtRun      Name = "stmt-run"
	VerifyStart  Name = "verify-start"
	VerifyEnd    Name = "verify-end"
)

// Record is one emitted event. Fields not relevant to Name are left zero and
// omitted from the serialized form.
type Record struct {
	Name      Name      `json:"name"`
	Time      time.Time `json:"time"`
	Invocation string   `json:"invocation"`

	Version   migration.Version `json:"version,omitempty"`
	MigrationName string        `json:"migration_name,omitempty"`
	Direction string            `json:"direction,omitempty"`

	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	SQLPreview string `json:"sql_preview,omitempty"`
}

const sqlPreviewLimit = 120

// Sink is a process-wide, whole-line JSON event writer. The zero Sink writes
// nothing; use New or Default to get one backed by an io.Writer.
type Sink struct {
	mu         sync.Mutex
	w          io.Writer
	enabled    bool
	invocation string
}

// New creates a Sink writing to w, enabled or not per the enabled flag.
func New(w io.Writer, enabled bool) *Sink {
	return &Sink{w: w, enabled: enabled, invocation: uuid.NewString()}
}

// Default creates an enabled Sink writing to os.Stdout.
func Default() *Sink {
	return New(os.Stdout, true)
}

// Emit serializes rec as one JSON line, stamping Time and Invocation.
// A disabled sink is a silent no-op.
func (s *Sink) Emit(rec Record) error {
	if s == nil || !s.enabled {
		return nil
	}
	rec.Time = time.Now()
	rec.Invocation = s.invocation

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

// LockAcquiredEvent builds the lock-acquired record.
func LockAcquiredEvent() Record { return Record{Name: LockAcquired} }

// LockReleasedEvent builds the lock-released record.
func LockReleasedEvent() Record { return Record{Name: LockReleased} }

// ApplyStartEvent builds the apply-start record for one migration.
func ApplyStartEvent(version migration.Version, name string, d direction.Direction) Record {
	return Record{Name: ApplyStart, Version: version, MigrationName: name, Direction: d.String()}
}

// ApplyEndEvent builds the apply-end record, including elapsed wall-clock time.
func ApplyEndEvent(version migration.Version, name string, d direction.Direction, elapsed time.Duration) Record {
	return Record{
		Name: ApplyEnd, Version: version, MigrationName: name, Direction: d.String(),
		ElapsedMS: elapsed.Milliseconds(),
	}
}

// StmtRunEvent builds the stmt-run record, truncating sql to a preview.
func StmtRunEvent(version migration.Version, name string, d direction.Direction, sql string, elapsed time.Duration) Record {
	return Record{
		Name: StmtRun, Version: version, MigrationName: name, Direction: d.String(),
		ElapsedMS: elapsed.Milliseconds(), SQLPreview: truncate(sql, sqlPreviewLimit),
	}
}

// VerifyStartEvent builds the verify-start record.
func VerifyStartEvent() Record { return Record{Name: VerifyStart} }

// VerifyEndEvent builds the verify-end record.
func VerifyEndEvent() Record { return Record{Name: VerifyEnd} }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
