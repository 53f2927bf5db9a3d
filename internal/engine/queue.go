package engine

import (
	"container/heap"
	"sync"
)

// queueEntry is one ready task in the queue. Rank and sequence are captured
// at enqueue time so dequeue order stays stable even if the task record is
// mutated afterwards.
type queueEntry struct {
	taskID string
	rank   int
	seq    uint64
}

// entryHeap orders entries by rank descending, then arrival sequence ascending.
type entryHeap []queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank > h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(queueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// readyQueue is the single shared ready set between submitters, the scheduler,
// and workers. Enqueue never blocks; Dequeue blocks until an entry is
// available or the queue is closed and drained. Access is serialized through
// a mutex/condition-variable pair.
type readyQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries entryHeap
	nextSeq uint64
	closed  bool
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a task id with the given priority rank. Entries enqueued with
// equal rank dequeue in arrival order.
func (q *readyQueue) Enqueue(taskID string, rank int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.entries, queueEntry{taskID: taskID, rank: rank, seq: q.nextSeq})
	q.nextSeq++
	q.cond.Signal()
}

// Dequeue removes and returns the highest-priority, earliest-arrived task id,
// blocking while the queue is empty. It returns false once the queue has been
// closed and fully drained.
func (q *readyQueue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.entries) == 0 {
		return "", false
	}
	e := heap.Pop(&q.entries).(queueEntry)
	return e.taskID, true
}

// Len returns the number of queued entries.
func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops accepting the blocking wait: workers drain the remaining
// entries and then exit. Enqueue after Close is prevented by the engine.
func (q *readyQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Drain removes and returns all queued entries in dequeue order without
// blocking. Used by the discard shutdown policy to cancel queued tasks.
func (q *readyQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.entries))
	for len(q.entries) > 0 {
		e := heap.Pop(&q.entries).(queueEntry)
		ids = append(ids, e.taskID)
	}
	return ids
}
