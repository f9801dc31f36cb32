// Package queue implements C7: a priority-ordered task queue bounded by a
// fixed worker pool.
//
// Grounded on original_source/app/llm/queue_manager.py's LLMQueueManager
// and PriorityTask (heapq-ordered by (priority, timestamp), an
// asyncio.Semaphore bounding concurrency, a worker loop that checks
// queue-wait against a per-task timeout before executing, rolling
// per-backend stats, and a capped task history). The lifecycle follows
// the done-channel/WaitGroup idiom of internal/httpserver's HealthChecker
// (see healthchecker.go) rather than the Python source's module-level
// singleton — the manager is always explicitly constructed and passed
// to its dependents.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/pkg/dispatcherr"
)

// Status is a task's terminal or in-flight state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const maxHistory = 1000

// minExecBudget is the floor applied to the remaining deadline handed to a
// worker once a task clears the admission check, so a task admitted with
// almost no time left still gets a minimal chance to run.
const minExecBudget = 50 * time.Millisecond

// Work is the closure a queued task runs once a worker slot is free.
type Work func(ctx context.Context) (any, error)

// Result is delivered on a task's result channel exactly once.
type Result struct {
	Value         any
	Err           error
	Status        Status
	QueueWaitTime time.Duration
	ExecutionTime time.Duration
}

// task is one heap-ordered unit of work. Lower Priority values are served
// first; ties break on EnqueuedAt (FIFO within a priority band) — a
// direct port of PriorityTask.__lt__.
type task struct {
	id          string
	backend     string
	kind        string
	metadata    map[string]any
	priority    int
	enqueuedAt  time.Time
	execTimeout time.Duration
	work        Work
	resultCh    chan Result
	index       int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// modelStat is a per-backend rolling counter, mirroring model_stats in
// queue_manager.py.
type modelStat struct {
	Requests      int64
	Successes     int64
	Failures      int64
	Timeouts      int64
	TotalQueueSec float64
	TotalExecSec  float64
}

// HistoryEntry is one completed task's summary, capped at maxHistory
// entries (oldest evicted first) — mirrors task_history.
type HistoryEntry struct {
	TaskID        string
	Backend       string
	Kind          string
	Status        Status
	QueueWaitTime time.Duration
	ExecutionTime time.Duration
	CompletedAt   time.Time
}

// Snapshot is the point-in-time view returned by Status().
type Snapshot struct {
	Depth         int
	RunningCount  int
	MaxConcurrent int
	ModelStats    map[string]modelStat
	RecentHistory []HistoryEntry
}

// Manager is the C7 priority queue and worker pool.
type Manager struct {
	log *slog.Logger

	maxConcurrent int
	defaultExec   time.Duration
	statsInterval time.Duration

	mu     sync.Mutex
	h      taskHeap
	notify chan struct{}

	sem     chan struct{}
	running int

	statsMu    sync.Mutex
	modelStats map[string]*modelStat
	history    []HistoryEntry

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// Config holds the tunables queue_manager.py exposes via environment
// variables (MAX_CONCURRENT_REQUESTS, default task timeout, stats log
// interval).
type Config struct {
	MaxConcurrent    int
	DefaultExecTimeo time.Duration
	StatsInterval    time.Duration
}

// New builds a Manager. Enqueue auto-starts it if Start has not been
// called yet, matching queue_manager.py's "auto-start on first enqueue".
func New(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.DefaultExecTimeo <= 0 {
		cfg.DefaultExecTimeo = 500 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	return &Manager{
		log:           log,
		maxConcurrent: cfg.MaxConcurrent,
		defaultExec:   cfg.DefaultExecTimeo,
		statsInterval: cfg.StatsInterval,
		notify:        make(chan struct{}, 1),
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		modelStats:    make(map[string]*modelStat),
		done:          make(chan struct{}),
	}
}

// Start launches the dispatch loop and the periodic stats logger.
// Idempotent — a second call is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.dispatchLoop(ctx)
	go m.statsLoop(ctx)
}

// Stop halts dispatching and waits for in-flight work to drain.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Enqueue admits a task into the priority heap and returns its id
// immediately — the caller awaits the result on the returned channel.
// execTimeout is the total wall-clock budget from enqueue to completion:
// if the task is still sitting in the heap once execTimeout has elapsed
// it is discarded as queue-expired without ever running; otherwise the
// worker's deadline is whatever of execTimeout remains once a slot frees
// up. Zero uses the manager's configured default.
func (m *Manager) Enqueue(backend, kind string, priority int, execTimeout time.Duration, metadata map[string]any, work Work) (string, <-chan Result) {
	if execTimeout <= 0 {
		execTimeout = m.defaultExec
	}

	t := &task{
		id:          uuid.NewString(),
		backend:     backend,
		kind:        kind,
		metadata:    metadata,
		priority:    priority,
		enqueuedAt:  time.Now(),
		execTimeout: execTimeout,
		work:        work,
		resultCh:    make(chan Result, 1),
	}

	m.mu.Lock()
	heap.Push(&m.h, t)
	started := m.started
	m.mu.Unlock()

	if !started {
		m.Start(context.Background())
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return t.id, t.resultCh
}

// Status returns a snapshot of queue depth, running count, and recent
// per-backend stats.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	depth := m.h.Len()
	running := m.running
	m.mu.Unlock()

	m.statsMu.Lock()
	stats := make(map[string]modelStat, len(m.modelStats))
	for k, v := range m.modelStats {
		stats[k] = *v
	}
	hist := make([]HistoryEntry, len(m.history))
	copy(hist, m.history)
	m.statsMu.Unlock()

	return Snapshot{
		Depth:         depth,
		RunningCount:  running,
		MaxConcurrent: m.maxConcurrent,
		ModelStats:    stats,
		RecentHistory: hist,
	}
}

// dispatchLoop pops the highest-priority admissible task and hands it to
// a worker goroutine once a concurrency slot is free — the Go analogue
// of _worker_loop's semaphore-gated heapq pop.
func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-m.notify:
			m.drain(ctx)
		case <-ticker.C:
			// Periodic sweep catches tasks whose budget expired while
			// sitting at the head of the heap with no slot free.
			m.drain(ctx)
		}
	}
}

func (m *Manager) drain(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.h.Len() == 0 {
			m.mu.Unlock()
			return
		}
		next := m.h[0]

		// Queue-expired: the task's whole budget elapsed before a slot
		// ever freed up. Discard without invoking work.
		if time.Since(next.enqueuedAt) > next.execTimeout {
			heap.Pop(&m.h)
			m.mu.Unlock()
			waited := time.Since(next.enqueuedAt)
			m.recordCompletion(next.backend, next.kind, StatusTimeout, waited, 0)
			next.resultCh <- Result{
				Err:           &dispatcherr.QueueTimeoutError{TaskID: next.id, Waited: waited},
				Status:        StatusTimeout,
				QueueWaitTime: waited,
			}
			close(next.resultCh)
			continue
		}

		select {
		case m.sem <- struct{}{}:
			heap.Pop(&m.h)
			m.running++
			m.mu.Unlock()
			m.wg.Add(1)
			go m.execute(ctx, next)
		default:
			// No free slot — stop draining until the next notify/tick.
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) execute(ctx context.Context, t *task) {
	defer m.wg.Done()
	defer func() {
		<-m.sem
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	queueWait := time.Since(t.enqueuedAt)

	remaining := t.execTimeout - queueWait
	if remaining < minExecBudget {
		remaining = minExecBudget
	}

	execCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	resCh := make(chan outcome, 1)
	start := time.Now()
	go func() {
		v, err := t.work(execCtx)
		resCh <- outcome{v, err}
	}()

	select {
	case out := <-resCh:
		execTime := time.Since(start)
		status := StatusCompleted
		if out.err != nil {
			status = StatusFailed
		}
		m.recordCompletion(t.backend, t.kind, status, queueWait, execTime)
		t.resultCh <- Result{Value: out.val, Err: out.err, Status: status, QueueWaitTime: queueWait, ExecutionTime: execTime}
		close(t.resultCh)

	case <-execCtx.Done():
		execTime := time.Since(start)
		m.recordCompletion(t.backend, t.kind, StatusTimeout, queueWait, execTime)
		t.resultCh <- Result{
			Err:           &dispatcherr.ExecutionTimeoutError{TaskID: t.id, Budget: remaining},
			Status:        StatusTimeout,
			QueueWaitTime: queueWait,
			ExecutionTime: execTime,
		}
		close(t.resultCh)
	}
}

func (m *Manager) recordCompletion(backend, kind string, status Status, queueWait, execTime time.Duration) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	st, ok := m.modelStats[backend]
	if !ok {
		st = &modelStat{}
		m.modelStats[backend] = st
	}
	st.Requests++
	switch status {
	case StatusCompleted:
		st.Successes++
	case StatusTimeout:
		st.Timeouts++
	default:
		st.Failures++
	}
	st.TotalQueueSec += queueWait.Seconds()
	st.TotalExecSec += execTime.Seconds()

	m.history = append(m.history, HistoryEntry{
		Backend:       backend,
		Kind:          kind,
		Status:        status,
		QueueWaitTime: queueWait,
		ExecutionTime: execTime,
		CompletedAt:   time.Now(),
	})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// statsLoop periodically logs queue depth and per-backend throughput —
// the Go analogue of _stats_loop's log_interval logging.
func (m *Manager) statsLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Status()
			m.log.Info("queue_stats",
				slog.Int("depth", snap.Depth),
				slog.Int("running", snap.RunningCount),
				slog.Int("max_concurrent", snap.MaxConcurrent),
			)
		}
	}
}
