package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// maxDurationSamples bounds the in-memory sample window used for percentile
// reporting. Older samples are evicted FIFO.
const maxDurationSamples = 4096

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	Completed     int64          `json:"completed"`
	Failed        int64          `json:"failed"`
	Cancelled     int64          `json:"cancelled"`
	Retries       int64          `json:"retries"`
	QueueDepth    int            `json:"queue_depth"`
	ActiveWorkers int            `json:"active_workers"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	P50DurationMS float64        `json:"p50_duration_ms"`
	P95DurationMS float64        `json:"p95_duration_ms"`
}

// collector aggregates counters and execution durations from task lifecycle
// events. Workers only take a short mutex to record an observation, so the
// collector never blocks execution.
type collector struct {
	mu        sync.Mutex
	completed int64
	failed    int64
	cancelled int64
	retries   int64
	busy      int
	durations []time.Duration

	promOutcomes  *prometheus.CounterVec
	promRetries   prometheus.Counter
	promDurations prometheus.Histogram
	promQueue     prometheus.Gauge
	promBusy      prometheus.Gauge
}

// newCollector creates a collector. If reg is non-nil, prometheus series for
// task outcomes, retries, durations, and queue depth are registered on it.
func newCollector(reg prometheus.Registerer) *collector {
	c := &collector{
		promOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neo_tasks_total",
				Help: "Total number of tasks by terminal outcome.",
			},
			[]string{"outcome"},
		),
		promRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "neo_task_retries_total",
			Help: "Total number of task retry attempts.",
		}),
		promDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "neo_task_duration_seconds",
			Help:    "Task execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		promQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "neo_ready_queue_depth",
			Help: "Number of tasks waiting in the ready queue.",
		}),
		promBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "neo_busy_workers",
			Help: "Number of workers currently executing a task.",
		}),
	}

	if reg != nil {
		reg.MustRegister(c.promOutcomes, c.promRetries, c.promDurations, c.promQueue, c.promBusy)
	}
	return c
}

func (c *collector) observeDuration(d time.Duration) {
	if len(c.durations) >= maxDurationSamples {
		c.durations = c.durations[1:]
	}
	c.durations = append(c.durations, d)
	c.promDurations.Observe(d.Seconds())
}

// taskCompleted records a successful terminal transition with its duration.
func (c *collector) taskCompleted(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	c.observeDuration(d)
	c.promOutcomes.WithLabelValues("completed").Inc()
}

// taskFailed records a terminal failure with its last attempt's duration.
func (c *collector) taskFailed(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
	c.observeDuration(d)
	c.promOutcomes.WithLabelValues("failed").Inc()
}

// taskCancelled records a pre-dispatch cancellation.
func (c *collector) taskCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled++
	c.promOutcomes.WithLabelValues("cancelled").Inc()
}

// taskRetried records a failed attempt that will be re-dispatched.
func (c *collector) taskRetried() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	c.promRetries.Inc()
}

// setQueueDepth publishes the current ready-queue depth.
func (c *collector) setQueueDepth(n int) {
	c.promQueue.Set(float64(n))
}

// workerBusy records a worker entering task execution.
func (c *collector) workerBusy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy++
	c.promBusy.Inc()
}

// workerIdle records a worker returning to the dequeue loop.
func (c *collector) workerIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy--
	c.promBusy.Dec()
}

// snapshot returns counters plus average and percentile durations over the
// sample window.
func (c *collector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Completed:     c.completed,
		Failed:        c.failed,
		Cancelled:     c.cancelled,
		Retries:       c.retries,
		ActiveWorkers: c.busy,
	}

	if len(c.durations) > 0 {
		sorted := make([]time.Duration, len(c.durations))
		copy(sorted, c.durations)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		s.AvgDurationMS = float64(sum.Microseconds()) / float64(len(sorted)) / 1000
		s.P50DurationMS = float64(percentile(sorted, 50).Microseconds()) / 1000
		s.P95DurationMS = float64(percentile(sorted, 95).Microseconds()) / 1000
	}
	return s
}

// percentile returns the nearest-rank percentile of a sorted sample set.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
