// Package engine implements a concurrent, priority-aware task scheduler with
// retry semantics, time and interval triggering, and multi-step workflow
// chaining. It is an in-process component: collaborators supply payloads,
// the engine drives them through the task lifecycle and exposes results.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cmjester6421/neo-refined/internal/model"
	"github.com/cmjester6421/neo-refined/internal/payload"
	"github.com/cmjester6421/neo-refined/internal/store"
)

// Shutdown policy constants.
const (
	// ShutdownDrain runs all already-queued tasks to completion before
	// workers exit.
	ShutdownDrain = "drain"
	// ShutdownDiscard cancels queued tasks and stops workers after the
	// in-flight attempts return.
	ShutdownDiscard = "discard"
)

// Config holds engine-wide settings. Zero values fall back to defaults.
type Config struct {
	// MaxWorkers bounds true execution parallelism.
	MaxWorkers int

	// TickInterval is the scheduler's firing cadence.
	TickInterval time.Duration

	// MaxRetries, BaseDelay, and BackoffCap are the retry defaults applied
	// to tasks that do not override them.
	MaxRetries int
	BaseDelay  time.Duration
	BackoffCap time.Duration

	// ShutdownPolicy is ShutdownDrain or ShutdownDiscard.
	ShutdownPolicy string

	// Metrics optionally receives the engine's prometheus series.
	Metrics prometheus.Registerer
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     4,
		TickInterval:   time.Second,
		MaxRetries:     3,
		BaseDelay:      time.Second,
		BackoffCap:     5 * time.Minute,
		ShutdownPolicy: ShutdownDrain,
	}
}

// withDefaults fills zero-valued fields and validates the rest.
func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()
	if c.MaxWorkers == 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.TickInterval == 0 {
		c.TickInterval = def.TickInterval
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = def.BackoffCap
	}
	if c.ShutdownPolicy == "" {
		c.ShutdownPolicy = def.ShutdownPolicy
	}

	switch {
	case c.MaxWorkers < 0:
		return c, fmt.Errorf("%w: max workers %d", ErrInvalidConfiguration, c.MaxWorkers)
	case c.TickInterval < 0:
		return c, fmt.Errorf("%w: tick interval %s", ErrInvalidConfiguration, c.TickInterval)
	case c.MaxRetries < 0:
		return c, fmt.Errorf("%w: max retries %d", ErrInvalidConfiguration, c.MaxRetries)
	case c.BaseDelay < 0 || c.BackoffCap < 0:
		return c, fmt.Errorf("%w: negative retry delay", ErrInvalidConfiguration)
	case c.ShutdownPolicy != ShutdownDrain && c.ShutdownPolicy != ShutdownDiscard:
		return c, fmt.Errorf("%w: shutdown policy %q", ErrInvalidConfiguration, c.ShutdownPolicy)
	}
	return c, nil
}

// TaskOptions configures a task at creation. Zero values fall back to the
// engine defaults; Priority defaults to medium.
type TaskOptions struct {
	Priority   string
	MaxRetries *int
	BaseDelay  time.Duration
	BackoffCap time.Duration
}

// Engine orchestrates task execution: it owns the registry, ready queue,
// scheduler, workflow manager, stats collector, and event broker, and runs
// the worker pool.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	payloads *payload.Registry

	registry  *registry
	queue     *readyQueue
	sched     *scheduler
	workflows *workflowManager
	stats     *collector
	broker    *Broker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates an engine. The payload registry is used to build tasks by type
// name (and to rebuild them from snapshots); pass payload.NewRegistry() for
// the builtins. The logger must not be nil.
func New(cfg Config, payloads *payload.Registry, logger *slog.Logger) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if payloads == nil {
		payloads = payload.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		payloads:  payloads,
		registry:  newRegistry(),
		queue:     newReadyQueue(),
		sched:     newScheduler(),
		workflows: newWorkflowManager(),
		stats:     newCollector(cfg.Metrics),
		broker:    NewBroker(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Broker returns the engine's lifecycle event broker.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// PayloadTypes returns the payload type names buildable through the engine.
func (e *Engine) PayloadTypes() []string {
	return e.payloads.Types()
}

// Start launches the worker pool and the scheduler tick loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return nil
	}
	e.started = true

	for i := 0; i < e.cfg.MaxWorkers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.wg.Add(1)
	go e.tickLoop()

	e.logger.Info("engine started",
		"max_workers", e.cfg.MaxWorkers,
		"tick_interval", e.cfg.TickInterval,
		"shutdown_policy", e.cfg.ShutdownPolicy)
	return nil
}

// Shutdown stops accepting submissions, applies the configured drain or
// discard policy to the ready queue, and joins all workers. The context
// bounds how long to wait for in-flight work.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.cfg.ShutdownPolicy == ShutdownDiscard {
		for _, id := range e.queue.Drain() {
			if task, terminal, err := e.registry.cancel(id); err == nil && terminal {
				e.finishCancelled(task)
			}
		}
		e.registry.cancelInFlight()
	}
	e.queue.Close()
	e.cancel() // stops the scheduler tick loop
	e.stats.setQueueDepth(0)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// CreateTask registers a task with an opaque payload supplied by the caller.
// It returns the new task id; the task stays pending until submitted or
// scheduled.
func (e *Engine) CreateTask(name string, p payload.Payload, opts TaskOptions) (string, error) {
	return e.createTask(name, p, "", nil, opts)
}

// CreateTaskByType registers a task whose payload is built from the payload
// registry by type name. Such tasks survive snapshot and restore because the
// type and input document are persisted alongside the task record.
func (e *Engine) CreateTaskByType(name, payloadType string, input json.RawMessage, opts TaskOptions) (string, error) {
	p, err := e.payloads.Build(payloadType, input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return e.createTask(name, p, payloadType, input, opts)
}

func (e *Engine) createTask(name string, p payload.Payload, payloadType string, input json.RawMessage, opts TaskOptions) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil payload", ErrInvalidConfiguration)
	}

	priority := opts.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !model.ValidPriority(priority) {
		return "", fmt.Errorf("%w: priority %q", ErrInvalidConfiguration, priority)
	}

	maxRetries := e.cfg.MaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	if maxRetries < 0 {
		return "", fmt.Errorf("%w: max retries %d", ErrInvalidConfiguration, maxRetries)
	}

	baseDelay := opts.BaseDelay
	if baseDelay == 0 {
		baseDelay = e.cfg.BaseDelay
	}
	backoffCap := opts.BackoffCap
	if backoffCap == 0 {
		backoffCap = e.cfg.BackoffCap
	}
	if baseDelay < 0 || backoffCap < 0 {
		return "", fmt.Errorf("%w: negative retry delay", ErrInvalidConfiguration)
	}

	t := &model.Task{
		ID:         model.NewID(),
		Name:       name,
		Priority:   priority,
		Status:     model.StatusPending,
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		BackoffCap: backoffCap,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.registry.add(t, p, payloadType, input); err != nil {
		return "", err
	}

	e.logger.Info("task created", "task_id", t.ID, "name", name, "priority", priority)
	return t.ID, nil
}

// Submit enqueues a pending task for immediate execution. Submission never
// blocks the caller.
func (e *Engine) Submit(id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.mu.Unlock()

	st, err := e.registry.status(id)
	if err != nil {
		return err
	}
	if st != model.StatusPending {
		if active, _ := e.sched.scheduled(id); active {
			return fmt.Errorf("%w: %s", ErrAlreadyScheduled, id)
		}
		return fmt.Errorf("submit task %s: %w: %s -> queued", id, model.ErrInvalidTransition, st)
	}

	if !e.enqueue(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}
	e.logger.Debug("task submitted", "task_id", id)
	return nil
}

// ScheduleAt registers a one-shot trigger firing at the given time.
func (e *Engine) ScheduleAt(id string, at time.Time) error {
	return e.schedule(id, trigger{at: at})
}

// ScheduleEvery registers a repeating trigger firing every interval.
func (e *Engine) ScheduleEvery(id string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval %s", ErrInvalidConfiguration, interval)
	}
	return e.schedule(id, trigger{interval: interval})
}

// ScheduleCron registers a repeating trigger driven by a standard 5-field
// cron expression.
func (e *Engine) ScheduleCron(id, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return err
	}
	return e.schedule(id, trigger{cronSched: sched})
}

func (e *Engine) schedule(id string, tr trigger) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.mu.Unlock()

	st, err := e.registry.status(id)
	if err != nil {
		return err
	}
	if active, _ := e.sched.scheduled(id); active {
		return fmt.Errorf("%w: %s", ErrAlreadyScheduled, id)
	}
	if st != model.StatusPending {
		return fmt.Errorf("schedule task %s: %w: %s -> %s", id, model.ErrInvalidTransition, st, model.StatusScheduled)
	}

	nextRun, err := e.sched.add(id, tr, time.Now().UTC())
	if err != nil {
		return err
	}
	task, err := e.registry.markScheduled(id, nextRun)
	if err != nil {
		e.sched.remove(id)
		return err
	}

	e.publish(task)
	e.logger.Info("task scheduled", "task_id", id, "next_run_at", nextRun)
	return nil
}

// Cancel cancels a task. Pending and scheduled tasks are removed from the
// ready set or schedule before dispatch and their payload is never invoked.
// Cancelling a running task only requests cooperative cancellation. For a
// repeating task caught between runs, the schedule entry is dropped so it
// never re-arms. Otherwise terminal tasks are a no-op. The task's status
// after the call is returned.
func (e *Engine) Cancel(id string) (string, error) {
	removed := e.sched.remove(id)
	task, terminal, err := e.registry.cancel(id)
	if err != nil {
		return "", err
	}
	switch {
	case terminal:
		e.finishCancelled(task)
		e.logger.Info("task cancelled", "task_id", id)
	case removed && model.Terminal(task.Status):
		// Repeating entry stopped between runs; no further events will be
		// published for this task.
		e.broker.Close(id)
		e.logger.Info("schedule removed", "task_id", id)
	}
	return task.Status, nil
}

// Task returns a copy of the task record.
func (e *Engine) Task(id string) (model.Task, error) {
	return e.registry.task(id)
}

// Tasks returns copies of all task records, optionally filtered by status
// (empty string matches all).
func (e *Engine) Tasks(status string) []model.Task {
	return e.registry.tasks(status)
}

// SubmitWorkflow validates a workflow spec, registers it, and submits its
// root tasks. All member tasks must be registered, pending, unscheduled, and
// not part of another workflow.
func (e *Engine) SubmitWorkflow(spec WorkflowSpec) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	e.mu.Unlock()

	if len(spec.TaskIDs) == 0 {
		return "", fmt.Errorf("%w: workflow has no tasks", ErrInvalidConfiguration)
	}
	deps, err := resolveDeps(spec)
	if err != nil {
		return "", err
	}
	for _, id := range spec.TaskIDs {
		st, err := e.registry.status(id)
		if err != nil {
			return "", err
		}
		if st != model.StatusPending {
			return "", fmt.Errorf("%w: workflow task %s is %s, want pending", ErrInvalidConfiguration, id, st)
		}
		if active, _ := e.sched.scheduled(id); active {
			return "", fmt.Errorf("%w: workflow task %s", ErrAlreadyScheduled, id)
		}
	}

	wf := &model.Workflow{
		ID:             model.NewID(),
		Name:           spec.Name,
		TaskIDs:        append([]string(nil), spec.TaskIDs...),
		Deps:           deps,
		AbortOnFailure: spec.AbortOnFailure,
		Status:         model.WorkflowRunning,
		CreatedAt:      time.Now().UTC(),
	}
	roots, err := e.workflows.add(wf, deps)
	if err != nil {
		return "", err
	}

	for _, id := range roots {
		e.enqueue(id)
	}

	// A member cancelled between the pending check above and registration
	// published its terminal event before the workflow could observe it.
	// Replay those members so the workflow does not wait on them forever.
	for _, id := range wf.TaskIDs {
		task, err := e.registry.task(id)
		if err != nil || !model.Terminal(task.Status) {
			continue
		}
		if action, ok := e.workflows.onTerminal(task.ID, task.Status); ok {
			e.applyWorkflowAction(action)
		}
	}

	e.logger.Info("workflow submitted",
		"workflow_id", wf.ID, "name", wf.Name, "tasks", len(wf.TaskIDs), "roots", len(roots))
	return wf.ID, nil
}

// Workflow returns a copy of the workflow record.
func (e *Engine) Workflow(id string) (model.Workflow, error) {
	return e.workflows.workflow(id)
}

// MaxWorkers returns the size of the worker pool.
func (e *Engine) MaxWorkers() int {
	return e.cfg.MaxWorkers
}

// Stats returns a snapshot of counters, durations, and per-status task counts.
func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	s.QueueDepth = e.queue.Len()

	byStatus := make(map[string]int)
	tasks := e.registry.tasks("")
	for _, t := range tasks {
		byStatus[t.Status]++
	}
	s.Total = len(tasks)
	s.CountByStatus = byStatus
	return s
}

// Snapshot persists every task record to the store. Persistence is explicit:
// the engine never writes state unless a caller asks for it.
func (e *Engine) Snapshot(ctx context.Context, st store.SnapshotStore) error {
	recs := e.registry.snapshotRecords()
	out := make([]store.TaskRecord, len(recs))
	for i, r := range recs {
		out[i] = store.TaskRecord{
			Task:         r.task,
			PayloadType:  r.payloadType,
			PayloadInput: r.payloadInput,
		}
	}
	if err := st.SaveTasks(ctx, out); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	e.logger.Info("snapshot saved", "tasks", len(out))
	return nil
}

// Restore loads task records from the store into a fresh engine, before any
// submissions. Tasks captured mid-flight (running or retrying) are reset to
// pending; mid-flight tasks whose payloads cannot be rebuilt (opaque payloads
// with no registered type) are marked failed since their work is
// unrecoverable after a restart. Terminal tasks are restored as history.
func (e *Engine) Restore(ctx context.Context, st store.SnapshotStore) error {
	recs, err := st.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		task := rec.Task

		var p payload.Payload
		if rec.PayloadType != "" {
			p, err = e.payloads.Build(rec.PayloadType, rec.PayloadInput)
			if err != nil {
				e.logger.Error("restore: rebuild payload",
					"task_id", task.ID, "payload_type", rec.PayloadType, "error", err)
				p = nil
			}
		}

		if !model.Terminal(task.Status) {
			switch {
			case p != nil:
				task.Status = model.StatusPending
				task.Attempts = 0
				task.ScheduledAt = nil
				task.StartedAt = nil
				task.FinishedAt = nil
				task.Result = nil
				task.Error = ""
			default:
				task.Status = model.StatusFailed
				task.Error = "payload not recoverable after restart"
				now := time.Now().UTC()
				task.FinishedAt = &now
			}
		}
		if p == nil {
			p = unrecoverablePayload{}
		}

		if err := e.registry.add(&task, p, rec.PayloadType, rec.PayloadInput); err != nil {
			return fmt.Errorf("restore task %s: %w", task.ID, err)
		}
		restored++
	}

	e.logger.Info("snapshot restored", "tasks", restored)
	return nil
}

// unrecoverablePayload stands in for payloads that could not be rebuilt from
// a snapshot. It fails on execution.
type unrecoverablePayload struct{}

func (unrecoverablePayload) Execute(context.Context) (any, error) {
	return nil, errors.New("payload not recoverable after restart")
}

// enqueue places a task id into the ready queue with its priority rank
// captured from the registry. It reports whether an entry was added; tasks
// that already have a live queue entry are not enqueued again.
func (e *Engine) enqueue(id string) bool {
	task, ok := e.registry.markQueued(id)
	if !ok {
		return false
	}
	e.queue.Enqueue(id, model.PriorityRank(task.Priority))
	e.stats.setQueueDepth(e.queue.Len())
	return true
}

// tickLoop drives the scheduler at the configured cadence.
func (e *Engine) tickLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			for _, f := range e.sched.due(now.UTC()) {
				e.fireScheduled(f)
			}
		}
	}
}

// fireScheduled promotes a due schedule entry into the ready queue. Repeating
// entries whose task is still in flight skip the firing; repeating entries
// whose task finished re-arm it for another run.
func (e *Engine) fireScheduled(f firing) {
	st, err := e.registry.status(f.taskID)
	if err != nil {
		e.sched.remove(f.taskID)
		return
	}

	switch {
	case st == model.StatusScheduled:
		e.enqueue(f.taskID)
	case f.repeating && model.Terminal(st):
		if st == model.StatusCancelled {
			e.sched.remove(f.taskID)
			return
		}
		task, err := e.registry.resetForRerun(f.taskID)
		if err != nil {
			e.logger.Error("re-arm scheduled task", "task_id", f.taskID, "error", err)
			return
		}
		e.publish(task)
		e.enqueue(f.taskID)
	case f.repeating:
		// Previous run still in flight or queued; skip this firing.
		e.logger.Debug("skipping overlapping firing", "task_id", f.taskID, "status", st)
	default:
		// One-shot entry raced with cancellation; nothing to dispatch.
	}
}

// worker repeatedly pulls the highest-priority ready task and executes it.
// Execution failures never propagate out of the worker; they are recorded on
// the task and drive the retry policy.
func (e *Engine) worker(workerID int) {
	defer e.wg.Done()

	for {
		id, ok := e.queue.Dequeue()
		if !ok {
			return
		}
		e.stats.setQueueDepth(e.queue.Len())
		e.runTask(id, workerID)
	}
}

// runTask executes one attempt of a task.
func (e *Engine) runTask(id string, workerID int) {
	p, runCtx, task, err := e.registry.beginRun(context.Background(), id)
	if err != nil {
		// Stale queue entry: the task was cancelled after enqueue. The
		// payload is never invoked for it.
		e.logger.Debug("skipping stale queue entry", "task_id", id, "error", err)
		return
	}
	e.stats.workerBusy()
	defer e.stats.workerIdle()
	e.publish(task)

	logger := e.logger.With("task_id", id, "worker_id", workerID, "attempt", task.Attempts)
	logger.Info("executing task", "name", task.Name)

	start := time.Now()
	result, execErr := invoke(runCtx, p)
	duration := time.Since(start)

	if execErr == nil {
		done, err := e.registry.recordSuccess(id, result)
		if err != nil {
			logger.Error("record success", "error", err)
			return
		}
		logger.Info("task completed", "duration_ms", duration.Milliseconds())
		e.stats.taskCompleted(duration)
		e.finishTask(done)
		return
	}

	logger.Error("task attempt failed", "error", execErr)

	decision := decideRetry(task.Attempts, task.MaxRetries, task.BaseDelay, task.BackoffCap)
	if decision.retry && !e.registry.cancelWasRequested(id) {
		retrying, err := e.registry.recordRetry(id, execErr)
		if err != nil {
			logger.Error("record retry", "error", err)
			return
		}
		e.stats.taskRetried()
		e.publish(retrying)
		logger.Info("task will retry", "delay", decision.delay, "max_retries", task.MaxRetries)

		time.AfterFunc(decision.delay, func() {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			e.enqueue(id)
		})
		return
	}

	done, err := e.registry.recordFailure(id, execErr)
	if err != nil {
		logger.Error("record failure", "error", err)
		return
	}
	logger.Info("task failed terminally", "attempts", done.Attempts)
	e.stats.taskFailed(duration)
	e.finishTask(done)
}

// invoke runs a payload, converting panics into execution errors so a single
// misbehaving payload cannot take down the worker pool.
func invoke(ctx context.Context, p payload.Payload) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("payload panicked: %v", r)
		}
	}()
	return p.Execute(ctx)
}

// finishTask publishes a terminal transition, informs the workflow manager,
// and closes the task's event topic unless a repeating schedule will re-arm it.
func (e *Engine) finishTask(task model.Task) {
	e.publish(task)

	if action, ok := e.workflows.onTerminal(task.ID, task.Status); ok {
		e.applyWorkflowAction(action)
	}

	if active, repeating := e.sched.scheduled(task.ID); !active || !repeating {
		e.broker.Close(task.ID)
	}
}

// finishCancelled records a pre-dispatch cancellation.
func (e *Engine) finishCancelled(task model.Task) {
	e.stats.taskCancelled()
	e.finishTask(task)
}

// applyWorkflowAction submits newly-ready workflow members and cancels the
// ones that can no longer run.
func (e *Engine) applyWorkflowAction(action workflowAction) {
	for _, id := range action.submit {
		e.enqueue(id)
	}
	for _, id := range action.cancel {
		if task, terminal, err := e.registry.cancel(id); err == nil && terminal {
			e.finishCancelled(task)
		}
	}
}

// publish emits a lifecycle event for the task's current state.
func (e *Engine) publish(task model.Task) {
	e.broker.Publish(Event{
		TaskID:   task.ID,
		Status:   task.Status,
		Attempts: task.Attempts,
		Error:    task.Error,
		At:       time.Now().UTC(),
	})
}
