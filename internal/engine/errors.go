package engine

import "errors"

// Control-plane errors returned synchronously to callers. Execution-plane
// failures are never returned from these APIs; they are recorded on the
// task's Error field and drive the retry policy.
var (
	// ErrInvalidConfiguration is returned when task or engine configuration
	// values are out of allowed ranges.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrUnknownTask is returned for operations on an unregistered task id.
	ErrUnknownTask = errors.New("unknown task")

	// ErrAlreadyScheduled is returned when scheduling a task that already
	// has an active schedule entry.
	ErrAlreadyScheduled = errors.New("task already scheduled")

	// ErrAlreadyQueued is returned when submitting a task that is already
	// sitting in the ready queue.
	ErrAlreadyQueued = errors.New("task already queued")

	// ErrEngineClosed is returned for submissions after shutdown has begun.
	ErrEngineClosed = errors.New("engine is shut down")

	// ErrUnknownWorkflow is returned for operations on an unregistered workflow id.
	ErrUnknownWorkflow = errors.New("unknown workflow")
)
