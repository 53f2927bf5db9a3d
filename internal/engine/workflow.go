package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/cmjester6421/neo-refined/internal/model"
)

// WorkflowSpec declares a set of registered tasks with execution ordering.
// When Deps is nil, tasks are chained sequentially in TaskIDs order. When
// Deps is set, it is an explicit dependency graph: Deps[id] lists the member
// tasks that must complete before id is submitted.
type WorkflowSpec struct {
	Name           string
	TaskIDs        []string
	Deps           map[string][]string
	AbortOnFailure bool
}

// workflowState tracks a workflow's dependency bookkeeping. All fields are
// guarded by the manager's mutex.
type workflowState struct {
	wf         *model.Workflow
	dependents map[string][]string // task id -> tasks waiting on it
	unmet      map[string]int      // task id -> unmet dependency count
	submitted  map[string]bool
	terminal   map[string]string // task id -> terminal status
}

// workflowManager sequences workflow members through the engine's regular
// submission path, honoring declared dependencies. It reacts to terminal
// task transitions reported by the workers.
type workflowManager struct {
	mu        sync.Mutex
	workflows map[string]*workflowState
	byTask    map[string]*workflowState
}

func newWorkflowManager() *workflowManager {
	return &workflowManager{
		workflows: make(map[string]*workflowState),
		byTask:    make(map[string]*workflowState),
	}
}

// resolveDeps normalizes a spec into an explicit dependency map, chaining
// sequentially when none is declared, and rejects graphs that are cyclic or
// reference non-member tasks.
func resolveDeps(spec WorkflowSpec) (map[string][]string, error) {
	members := make(map[string]bool, len(spec.TaskIDs))
	for _, id := range spec.TaskIDs {
		if members[id] {
			return nil, fmt.Errorf("%w: duplicate task %s in workflow", ErrInvalidConfiguration, id)
		}
		members[id] = true
	}

	deps := spec.Deps
	if deps == nil {
		deps = make(map[string][]string, len(spec.TaskIDs))
		for i := 1; i < len(spec.TaskIDs); i++ {
			deps[spec.TaskIDs[i]] = []string{spec.TaskIDs[i-1]}
		}
	}

	for id, reqs := range deps {
		if !members[id] {
			return nil, fmt.Errorf("%w: dependency declared for non-member task %s", ErrInvalidConfiguration, id)
		}
		for _, req := range reqs {
			if !members[req] {
				return nil, fmt.Errorf("%w: task %s depends on non-member task %s", ErrInvalidConfiguration, id, req)
			}
			if req == id {
				return nil, fmt.Errorf("%w: task %s depends on itself", ErrInvalidConfiguration, id)
			}
		}
	}

	// Kahn's algorithm: every member must be reachable or the graph is cyclic.
	unmet := make(map[string]int, len(spec.TaskIDs))
	dependents := make(map[string][]string)
	for _, id := range spec.TaskIDs {
		unmet[id] = len(deps[id])
		for _, req := range deps[id] {
			dependents[req] = append(dependents[req], id)
		}
	}

	queue := make([]string, 0, len(spec.TaskIDs))
	for _, id := range spec.TaskIDs {
		if unmet[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	remaining := make(map[string]int, len(unmet))
	for id, n := range unmet {
		remaining[id] = n
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			remaining[dep]--
			if remaining[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(spec.TaskIDs) {
		return nil, fmt.Errorf("%w: workflow dependency graph has a cycle", ErrInvalidConfiguration)
	}

	return deps, nil
}

// add registers a validated workflow and returns the task ids that are ready
// for immediate submission (those with no dependencies).
func (m *workflowManager) add(wf *model.Workflow, deps map[string][]string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range wf.TaskIDs {
		if other, taken := m.byTask[id]; taken {
			return nil, fmt.Errorf("%w: task %s already belongs to workflow %s",
				ErrInvalidConfiguration, id, other.wf.ID)
		}
	}

	st := &workflowState{
		wf:         wf,
		dependents: make(map[string][]string),
		unmet:      make(map[string]int, len(wf.TaskIDs)),
		submitted:  make(map[string]bool),
		terminal:   make(map[string]string),
	}
	var roots []string
	for _, id := range wf.TaskIDs {
		st.unmet[id] = len(deps[id])
		for _, req := range deps[id] {
			st.dependents[req] = append(st.dependents[req], id)
		}
		if len(deps[id]) == 0 {
			roots = append(roots, id)
			st.submitted[id] = true
		}
		m.byTask[id] = st
	}
	m.workflows[wf.ID] = st
	return roots, nil
}

// workflow returns a defensive copy of the workflow.
func (m *workflowManager) workflow(id string) (model.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.workflows[id]
	if !ok {
		return model.Workflow{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return *st.wf, nil
}

// workflowAction describes what the engine must do after a member task
// reached a terminal state: submit newly-ready tasks and cancel tasks that
// can no longer run.
type workflowAction struct {
	submit []string
	cancel []string
}

// onTerminal records a member task's terminal status and computes the
// follow-up action. Dependents of a failed or cancelled member can never
// become ready and are cancelled transitively; with AbortOnFailure a failure
// additionally cancels every not-yet-submitted member.
func (m *workflowManager) onTerminal(taskID, status string) (workflowAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.byTask[taskID]
	if !ok {
		return workflowAction{}, false
	}
	if _, seen := st.terminal[taskID]; seen {
		return workflowAction{}, false
	}
	st.terminal[taskID] = status

	var action workflowAction
	switch status {
	case model.StatusCompleted:
		for _, dep := range st.dependents[taskID] {
			st.unmet[dep]--
			if st.unmet[dep] == 0 && !st.submitted[dep] {
				st.submitted[dep] = true
				action.submit = append(action.submit, dep)
			}
		}
	case model.StatusFailed:
		if st.wf.AbortOnFailure {
			for _, id := range st.wf.TaskIDs {
				if !st.submitted[id] {
					st.submitted[id] = true
					action.cancel = append(action.cancel, id)
				}
			}
		} else {
			action.cancel = m.cancelDependentsLocked(st, taskID)
		}
	case model.StatusCancelled:
		action.cancel = m.cancelDependentsLocked(st, taskID)
	}

	m.finalizeLocked(st)
	return action, true
}

// cancelDependentsLocked marks the transitive dependents of a task as
// submitted (so they are never dispatched) and returns them for cancellation.
func (m *workflowManager) cancelDependentsLocked(st *workflowState, taskID string) []string {
	var out []string
	stack := append([]string(nil), st.dependents[taskID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if st.submitted[id] {
			continue
		}
		st.submitted[id] = true
		out = append(out, id)
		stack = append(stack, st.dependents[id]...)
	}
	return out
}

// finalizeLocked derives the workflow status from its members' states.
func (m *workflowManager) finalizeLocked(st *workflowState) {
	if len(st.terminal) < len(st.wf.TaskIDs) {
		st.wf.Status = model.WorkflowRunning
		return
	}

	status := model.WorkflowCompleted
	anyCancelled := false
	for _, ts := range st.terminal {
		switch ts {
		case model.StatusFailed:
			status = model.WorkflowFailed
		case model.StatusCancelled:
			anyCancelled = true
		}
	}
	if status == model.WorkflowCompleted && anyCancelled {
		status = model.WorkflowCancelled
	}

	st.wf.Status = status
	now := time.Now().UTC()
	st.wf.FinishedAt = &now
}
