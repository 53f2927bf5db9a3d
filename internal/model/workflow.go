package model

import "time"

// Workflow status constants. A workflow's status is derived from the states
// of its member tasks.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowCancelled = "cancelled"
)

// Workflow represents a set of tasks with a declared dependency graph.
// Deps maps a task id to the ids that must complete before it is submitted;
// tasks with no entry are roots and are submitted immediately.
type Workflow struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	TaskIDs        []string            `json:"task_ids"`
	Deps           map[string][]string `json:"deps,omitempty"`
	AbortOnFailure bool                `json:"abort_on_failure"`
	Status         string              `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
}
