package engine

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// trigger describes when a schedule entry fires. Exactly one of the fields
// is set: at for one-shot entries, interval or cronSched for repeating ones.
type trigger struct {
	at        time.Time
	interval  time.Duration
	cronSched cron.Schedule
}

// repeating reports whether the trigger fires more than once.
func (tr trigger) repeating() bool {
	return tr.interval > 0 || tr.cronSched != nil
}

// next computes the firing time after now. Repeating triggers are always
// computed relative to now, never to a missed firing, so a delayed tick can
// never produce a burst of catch-up dispatches.
func (tr trigger) next(now time.Time) time.Time {
	switch {
	case tr.interval > 0:
		return now.Add(tr.interval)
	case tr.cronSched != nil:
		return tr.cronSched.Next(now)
	default:
		return tr.at
	}
}

// scheduleEntry binds a trigger to a task. One entry exists per scheduled
// task; it is deleted when a one-shot trigger fires or the task is cancelled.
type scheduleEntry struct {
	taskID  string
	trigger trigger
	nextRun time.Time
	index   int // heap index, -1 when removed
}

// scheduleHeap orders entries by nextRun ascending.
type scheduleHeap []*scheduleEntry

func (h scheduleHeap) Len() int           { return len(h) }
func (h scheduleHeap) Less(i, j int) bool { return h[i].nextRun.Before(h[j].nextRun) }
func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduleHeap) Push(x any) {
	e := x.(*scheduleEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// scheduler tracks time-triggered and interval-triggered tasks. The engine
// polls due entries on a fixed tick cadence and promotes them into the ready
// queue.
type scheduler struct {
	mu      sync.Mutex
	entries scheduleHeap
	byTask  map[string]*scheduleEntry
}

func newScheduler() *scheduler {
	return &scheduler{byTask: make(map[string]*scheduleEntry)}
}

// add registers a schedule entry for the task. A task can hold at most one
// active entry.
func (s *scheduler) add(taskID string, tr trigger, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTask[taskID]; exists {
		return time.Time{}, fmt.Errorf("%w: %s", ErrAlreadyScheduled, taskID)
	}

	e := &scheduleEntry{taskID: taskID, trigger: tr, nextRun: tr.next(now)}
	heap.Push(&s.entries, e)
	s.byTask[taskID] = e
	return e.nextRun, nil
}

// remove deletes the entry for the task, if any, reporting whether one existed.
func (s *scheduler) remove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byTask[taskID]
	if !ok {
		return false
	}
	delete(s.byTask, taskID)
	if e.index >= 0 {
		heap.Remove(&s.entries, e.index)
	}
	return true
}

// scheduled reports whether the task has an active entry, and whether that
// entry repeats.
func (s *scheduler) scheduled(taskID string) (active, repeating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byTask[taskID]
	if !ok {
		return false, false
	}
	return true, e.trigger.repeating()
}

// due pops every entry with nextRun <= now. Entries with a nextRun
// arbitrarily far in the past fire exactly once; repeating entries are
// reinserted with their next run computed relative to now, so no backlog
// accumulates. The returned firings are processed outside the lock.
func (s *scheduler) due(now time.Time) []firing {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []firing
	for len(s.entries) > 0 && !s.entries[0].nextRun.After(now) {
		e := heap.Pop(&s.entries).(*scheduleEntry)
		fired = append(fired, firing{taskID: e.taskID, repeating: e.trigger.repeating()})

		if e.trigger.repeating() {
			e.nextRun = e.trigger.next(now)
			heap.Push(&s.entries, e)
		} else {
			delete(s.byTask, e.taskID)
		}
	}
	return fired
}

// firing is one due schedule entry popped on a tick.
type firing struct {
	taskID    string
	repeating bool
}

// parseCron parses a standard 5-field cron expression.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidConfiguration, expr, err)
	}
	return sched, nil
}
