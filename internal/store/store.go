// Package store provides explicit snapshot persistence for task records.
// The engine never writes state on its own; callers invoke Snapshot and
// Restore when they want task state to survive a process restart.
package store

import (
	"context"
	"encoding/json"

	"github.com/cmjester6421/neo-refined/internal/model"
)

// TaskRecord pairs a task with the payload construction data needed to
// rebuild its payload after a restart. PayloadType is empty for tasks created
// with opaque caller-supplied payloads; those cannot be re-executed from a
// snapshot.
type TaskRecord struct {
	Task         model.Task
	PayloadType  string
	PayloadInput json.RawMessage
}

// SnapshotStore defines the persistence operations for task snapshots.
type SnapshotStore interface {
	// SaveTasks replaces the persisted snapshot with the given records.
	SaveTasks(ctx context.Context, records []TaskRecord) error

	// LoadTasks returns all records from the persisted snapshot.
	LoadTasks(ctx context.Context) ([]TaskRecord, error)

	Close() error
}
