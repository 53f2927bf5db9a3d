package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cmjester6421/neo-refined/internal/model"
	"github.com/cmjester6421/neo-refined/internal/payload"
)

// record pairs a task with its payload and in-flight execution state. The
// registry exclusively owns task records; the queue and scheduler hold only
// task ids.
type record struct {
	task    *model.Task
	payload payload.Payload

	// payloadType and payloadInput are set for tasks built through the
	// payload registry and make the task reconstructible from a snapshot.
	payloadType  string
	payloadInput json.RawMessage

	// queued is set while an entry for the task sits in the ready queue
	// and cleared when a worker consumes it. At most one live queue entry
	// exists per task.
	queued bool

	// cancelRequested marks a cooperative cancel of a dispatched task.
	// It suppresses retry dispatch after the in-flight attempt returns.
	cancelRequested bool

	// cancelRun aborts the context of the in-flight attempt, if any.
	cancelRun context.CancelFunc
}

// registry is the authoritative store of task records and their lifecycle
// state. All state transitions are validated against the model state machine
// and applied atomically with respect to concurrent readers.
type registry struct {
	mu      sync.RWMutex
	records map[string]*record
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*record)}
}

// add registers a new task record. The id must be unique for the process lifetime.
func (r *registry) add(t *model.Task, p payload.Payload, payloadType string, payloadInput json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[t.ID]; exists {
		return fmt.Errorf("task id %s already registered", t.ID)
	}
	r.records[t.ID] = &record{
		task:         t,
		payload:      p,
		payloadType:  payloadType,
		payloadInput: payloadInput,
	}
	return nil
}

// task returns a defensive copy of the task, so callers never share memory
// with the record owned by the registry.
func (r *registry) task(id string) (model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return *rec.task, nil
}

// tasks returns copies of all tasks, optionally filtered by status, ordered
// by id (ULIDs sort by creation time).
func (r *registry) tasks(status string) []model.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Task, 0, len(r.records))
	for _, rec := range r.records {
		if status != "" && rec.task.Status != status {
			continue
		}
		out = append(out, *rec.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// status returns the current status of a task.
func (r *registry) status(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return rec.task.Status, nil
}

// transition validates and applies a single status change.
func (r *registry) transition(id, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return rec.task.Transition(to)
}

// markScheduled transitions a pending task to scheduled and records its first
// planned run time.
func (r *registry) markScheduled(id string, nextRun time.Time) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := rec.task.Transition(model.StatusScheduled); err != nil {
		return model.Task{}, err
	}
	at := nextRun
	rec.task.ScheduledAt = &at
	return *rec.task, nil
}

// beginRun atomically transitions a dequeued task to running, increments its
// attempt counter, and hands the worker the payload together with a
// cancellable context for the attempt. Tasks whose entry went stale (for
// example cancelled after enqueue) fail the transition and are skipped by
// the caller without invoking the payload.
func (r *registry) beginRun(ctx context.Context, id string) (payload.Payload, context.Context, model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, nil, model.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := rec.task.Transition(model.StatusRunning); err != nil {
		return nil, nil, model.Task{}, err
	}

	rec.queued = false
	rec.task.Attempts++
	now := time.Now().UTC()
	rec.task.StartedAt = &now
	rec.task.FinishedAt = nil

	runCtx, cancel := context.WithCancel(ctx)
	rec.cancelRun = cancel
	if rec.cancelRequested {
		// Cancel was requested between enqueue and dispatch of a retry
		// attempt; surface it to the payload immediately.
		cancel()
	}
	return rec.payload, runCtx, *rec.task, nil
}

// recordSuccess marks an attempt as completed and stores its result.
func (r *registry) recordSuccess(id string, result any) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := rec.task.Transition(model.StatusCompleted); err != nil {
		return model.Task{}, err
	}
	now := time.Now().UTC()
	rec.task.FinishedAt = &now
	rec.task.Result = result
	rec.task.Error = ""
	rec.cancelRun = nil
	return *rec.task, nil
}

// recordRetry marks a failed attempt that will be re-dispatched after backoff.
func (r *registry) recordRetry(id string, execErr error) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := rec.task.Transition(model.StatusRetrying); err != nil {
		return model.Task{}, err
	}
	rec.task.Error = execErr.Error()
	rec.cancelRun = nil
	return *rec.task, nil
}

// recordFailure marks a task as terminally failed.
func (r *registry) recordFailure(id string, execErr error) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := rec.task.Transition(model.StatusFailed); err != nil {
		return model.Task{}, err
	}
	now := time.Now().UTC()
	rec.task.FinishedAt = &now
	rec.task.Error = execErr.Error()
	rec.cancelRun = nil
	return *rec.task, nil
}

// cancel applies cancellation semantics by current status:
//   - pending/scheduled: transitions to cancelled, payload is never invoked
//   - running: requests cooperative cancellation of the in-flight attempt and
//     suppresses any further dispatch; the status is unchanged until the
//     attempt returns
//   - retrying or terminal: no-op
//
// It returns the task after the operation and whether a terminal cancel was
// applied.
func (r *registry) cancel(id string) (model.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return model.Task{}, false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	switch rec.task.Status {
	case model.StatusPending, model.StatusScheduled:
		if err := rec.task.Transition(model.StatusCancelled); err != nil {
			return model.Task{}, false, err
		}
		now := time.Now().UTC()
		rec.task.FinishedAt = &now
		return *rec.task, true, nil
	case model.StatusRunning:
		rec.cancelRequested = true
		if rec.cancelRun != nil {
			rec.cancelRun()
		}
		return *rec.task, false, nil
	default:
		return *rec.task, false, nil
	}
}

// cancelInFlight requests cooperative cancellation of every running attempt
// and suppresses their re-dispatch. Used by the discard shutdown policy.
func (r *registry) cancelInFlight() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.task.Status == model.StatusRunning && rec.cancelRun != nil {
			rec.cancelRequested = true
			rec.cancelRun()
		}
	}
}

// cancelWasRequested reports whether a cooperative cancel was requested for
// the task.
func (r *registry) cancelWasRequested(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	return ok && rec.cancelRequested
}

// resetForRerun re-arms a task owned by a repeating schedule entry for its
// next firing. This deliberately steps outside the transition table: only the
// scheduler calls it, and only for tasks in a terminal state whose repeating
// schedule is still active.
func (r *registry) resetForRerun(id string) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !model.Terminal(rec.task.Status) {
		return model.Task{}, fmt.Errorf("task %s is %s, not terminal", id, rec.task.Status)
	}

	rec.task.Status = model.StatusScheduled
	rec.task.Attempts = 0
	rec.task.Result = nil
	rec.task.Error = ""
	rec.task.StartedAt = nil
	rec.task.FinishedAt = nil
	rec.queued = false
	rec.cancelRequested = false
	return *rec.task, nil
}

// markQueued flags a task as having a live entry in the ready queue and
// returns a copy for rank lookup. It refuses tasks that are already queued
// or terminal, so enqueueing the same task twice is a no-op for the queue.
func (r *registry) markQueued(id string) (model.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.queued || model.Terminal(rec.task.Status) {
		return model.Task{}, false
	}
	rec.queued = true
	return *rec.task, true
}

// snapshotRecords returns a copy of every record's persistable state.
func (r *registry) snapshotRecords() []snapshotRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]snapshotRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, snapshotRecord{
			task:         *rec.task,
			payloadType:  rec.payloadType,
			payloadInput: rec.payloadInput,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].task.ID < out[j].task.ID })
	return out
}

// snapshotRecord is the persistable slice of a registry record.
type snapshotRecord struct {
	task         model.Task
	payloadType  string
	payloadInput json.RawMessage
}
