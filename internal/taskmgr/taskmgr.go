// Package taskmgr implements the bounded task queue and dispatcher that
// sit between task submission and the Analysis Engine, grounded on
// original_source's SimpleTaskManager.
package taskmgr

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/observability"
)

// Runner executes one Task end to end (VM selection, sub-analysis
// fan-out, dedup, result assembly) and mutates it in place. The Analysis
// Engine implements this; taskmgr only knows about the boundary.
type Runner interface {
	Run(ctx context.Context, task *domain.Task) error
}

// Config tunes Manager's queue and concurrency.
type Config struct {
	MaxQueueSize      int
	ConcurrentTasks   int
	SaturationBackoff time.Duration // delay before retrying a dequeued task when the fleet is saturated
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.ConcurrentTasks <= 0 {
		c.ConcurrentTasks = 4
	}
	if c.SaturationBackoff <= 0 {
		c.SaturationBackoff = time.Second
	}
	return c
}

// Manager is the central task queue and dispatcher. The zero value is not
// usable; construct via New.
type Manager struct {
	cfg    Config
	runner Runner

	mu    sync.RWMutex
	tasks map[string]*domain.Task

	runningMu sync.Mutex
	running   map[string]context.CancelFunc

	queue chan *domain.Task
	sem   *semaphore.Weighted

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	started atomic.Bool
}

// New constructs a Manager. It does not start the dispatcher; call Start.
func New(runner Runner, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		runner:  runner,
		tasks:   make(map[string]*domain.Task),
		running: make(map[string]context.CancelFunc),
		queue:   make(chan *domain.Task, cfg.MaxQueueSize),
		sem:     semaphore.NewWeighted(int64(cfg.ConcurrentTasks)),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the dispatcher loop.
func (m *Manager) Start() {
	m.started.Store(true)
	m.wg.Add(1)
	go m.dispatch()
	logging.Op().Info("task manager started", "max_queue_size", m.cfg.MaxQueueSize, "concurrent_tasks", m.cfg.ConcurrentTasks)
}

// Stop signals the dispatcher to exit, cancels every in-flight task's
// context, and waits for their goroutines to unwind, mirroring
// SimpleTaskManager.stop's "for task_id, task in self.running_tasks:
// task.cancel()".
func (m *Manager) Stop() {
	m.started.Store(false)
	m.once.Do(func() { close(m.stopCh) })

	m.runningMu.Lock()
	for taskID, cancel := range m.running {
		cancel()
		logging.Op().Info("cancelling running task for shutdown", "task_id", taskID)
	}
	m.runningMu.Unlock()

	m.wg.Wait()
	logging.Op().Info("task manager stopped")
}

// Submit enqueues a task for later dispatch. It never blocks: if the
// queue is full, it returns false and the caller decides what to do
// (reject the request, retry later).
func (m *Manager) Submit(task *domain.Task) bool {
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	m.mu.Lock()
	m.tasks[task.TaskID] = task
	m.mu.Unlock()

	select {
	case m.queue <- task:
		return true
	default:
		logging.Op().Warn("task queue full, rejecting submission", "task_id", task.TaskID)
		return false
	}
}

// dispatch is the single loop draining the queue: it checks concurrency
// before committing to a task, exactly like SimpleTaskManager._process_tasks.
// A task that can't get a semaphore slot is re-enqueued and the loop
// waits SaturationBackoff before trying again.
func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case task := <-m.queue:
			if !m.sem.TryAcquire(1) {
				m.requeue(task)
				select {
				case <-time.After(m.cfg.SaturationBackoff):
				case <-m.stopCh:
					return
				}
				continue
			}
			m.wg.Add(1)
			go m.runTask(task)
		}
	}
}

func (m *Manager) requeue(task *domain.Task) {
	select {
	case m.queue <- task:
	default:
		logging.Op().Error("task dropped: queue full on requeue", "task_id", task.TaskID)
	}
}

func (m *Manager) runTask(task *domain.Task) {
	defer m.wg.Done()
	defer m.sem.Release(1)

	ctx, cancel := m.taskContext(task)
	defer cancel()

	m.runningMu.Lock()
	m.running[task.TaskID] = cancel
	m.runningMu.Unlock()
	defer func() {
		m.runningMu.Lock()
		delete(m.running, task.TaskID)
		m.runningMu.Unlock()
	}()

	now := time.Now()
	m.mutate(task.TaskID, func(t *domain.Task) {
		t.Status = domain.TaskRunning
		t.StartedAt = &now
	})

	err := m.runner.Run(ctx, task)

	completed := time.Now()
	m.mutate(task.TaskID, func(t *domain.Task) {
		t.CompletedAt = &completed
		if err != nil {
			if ctx.Err() == context.Canceled {
				t.Status = domain.TaskCancelled
			} else {
				t.Status = domain.TaskFailed
				t.ErrorMessage = err.Error()
			}
			logging.Op().Error("task failed", "task_id", t.TaskID, "error", err)
			return
		}
		t.Status = domain.TaskCompleted
	})
}

func (m *Manager) taskContext(task *domain.Task) (context.Context, context.CancelFunc) {
	timeout := task.Timeout
	if timeout < domain.MinTaskTimeout {
		timeout = domain.MinTaskTimeout
	}
	if timeout > domain.MaxTaskTimeout {
		timeout = domain.MaxTaskTimeout
	}
	ctx := observability.InjectTraceContext(context.Background(), observability.TraceContext{
		TraceParent: task.TraceParent,
		TraceState:  task.TraceState,
	})
	return context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
}

func (m *Manager) mutate(taskID string, fn func(*domain.Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		fn(t)
	}
}

// Get returns the task by ID, or false if unknown.
func (m *Manager) Get(taskID string) (*domain.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// List returns every tracked task sorted by CreatedAt descending (newest
// first), mirroring SimpleTaskManager.list_tasks's
// "tasks.sort(key=lambda x: x.created_at, reverse=True)".
func (m *Manager) List() []*domain.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel cancels a running task's context and marks it Cancelled. It
// returns false if the task is unknown or already terminal.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.RLock()
	t, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok || t.Status.Terminal() {
		return false
	}

	m.runningMu.Lock()
	cancel, running := m.running[taskID]
	m.runningMu.Unlock()
	if running {
		cancel()
		return true
	}

	now := time.Now()
	m.mutate(taskID, func(t *domain.Task) {
		t.Status = domain.TaskCancelled
		t.CompletedAt = &now
	})
	return true
}

// QueueStatus summarizes the dispatcher's current load, matching
// SimpleTaskManager.get_queue_status's field set exactly.
type QueueStatus struct {
	Pending   int  `json:"pending"`
	Running   int  `json:"running"`
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Capacity  int  `json:"capacity"`
	IsRunning bool `json:"is_running"`
}

// QueueStatus reports the dispatcher's current load: queue depth,
// in-flight count, and per-terminal-status tallies across every
// tracked task.
func (m *Manager) QueueStatus() QueueStatus {
	m.runningMu.Lock()
	running := len(m.running)
	m.runningMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var completed, failed int
	for _, t := range m.tasks {
		switch t.Status {
		case domain.TaskCompleted:
			completed++
		case domain.TaskFailed:
			failed++
		}
	}

	return QueueStatus{
		Pending:   len(m.queue),
		Running:   running,
		Total:     len(m.tasks),
		Completed: completed,
		Failed:    failed,
		Capacity:  cap(m.queue),
		IsRunning: m.started.Load(),
	}
}

// CleanupOld removes terminal tasks older than maxAge, mirroring
// SimpleTaskManager.cleanup_old_tasks(days=7). It returns the count removed.
func (m *Manager) CleanupOld(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tasks {
		if !t.Status.Terminal() {
			continue
		}
		ref := t.CompletedAt
		if ref == nil {
			ref = &t.CreatedAt
		}
		if ref.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		logging.Op().Info("cleaned up old tasks", "removed", removed)
	}
	return removed
}
