package model

import (
	"errors"
	"fmt"
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Priority levels, ordered low to critical.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// priorityRank maps each priority to its dispatch rank. Higher ranks dequeue first.
var priorityRank = map[string]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// PriorityRank returns the numeric dispatch rank for a priority, with higher
// values dequeued first. Unknown priorities rank as zero.
func PriorityRank(p string) int {
	return priorityRank[p]
}

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p string) bool {
	_, ok := priorityRank[p]
	return ok
}

// validTransitions maps each status to the set of statuses it may transition to.
// Completed, failed, and cancelled are terminal. Running tasks cannot be
// cancelled through the state machine; in-flight cancellation is cooperative.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusScheduled: true,
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusScheduled: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusRetrying:  true,
		StatusFailed:    true,
	},
	StatusRetrying: {
		StatusRunning: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status is terminal.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task represents a unit of work with identity, priority, and lifecycle state.
// The payload itself is held by the engine's registry; Task carries only data.
type Task struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Priority    string        `json:"priority"`
	Status      string        `json:"status"`
	MaxRetries  int           `json:"max_retries"`
	BaseDelay   time.Duration `json:"base_delay"`
	BackoffCap  time.Duration `json:"backoff_cap"`
	Attempts    int           `json:"attempts"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Transition validates and applies a status change, returning
// ErrInvalidTransition for any edge not in the state machine.
func (t *Task) Transition(to string) error {
	if !ValidTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return nil
}
