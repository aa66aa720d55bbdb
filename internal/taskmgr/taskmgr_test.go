package taskmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
)

type fakeRunner struct {
	mu       sync.Mutex
	delay    time.Duration
	err      error
	ran      []string
	blockCh  chan struct{}
	released int32
}

func (f *fakeRunner) Run(ctx context.Context, task *domain.Task) error {
	f.mu.Lock()
	f.ran = append(f.ran, task.TaskID)
	f.mu.Unlock()

	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		atomic.AddInt32(&f.released, 1)
		return nil
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeRunner) ranCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ran)
}

func newTestTask(id string) *domain.Task {
	return &domain.Task{TaskID: id, FileName: "sample.exe", Timeout: 60}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSubmitAndRun_MarksCompleted(t *testing.T) {
	runner := &fakeRunner{}
	m := New(runner, Config{MaxQueueSize: 4, ConcurrentTasks: 2})
	m.Start()
	defer m.Stop()

	task := newTestTask("t1")
	if !m.Submit(task) {
		t.Fatalf("expected submit to succeed")
	}

	waitFor(t, time.Second, func() bool {
		got, ok := m.Get("t1")
		return ok && got.Status == domain.TaskCompleted
	})
}

func TestSubmitAndRun_MarksFailedOnError(t *testing.T) {
	runner := &fakeRunner{err: context.DeadlineExceeded}
	m := New(runner, Config{MaxQueueSize: 4, ConcurrentTasks: 2})
	m.Start()
	defer m.Stop()

	m.Submit(newTestTask("t1"))

	waitFor(t, time.Second, func() bool {
		got, ok := m.Get("t1")
		return ok && got.Status == domain.TaskFailed
	})

	got, _ := m.Get("t1")
	if got.ErrorMessage == "" {
		t.Fatalf("expected error message to be recorded")
	}
}

func TestSubmit_RejectsWhenQueueFull(t *testing.T) {
	runner := &fakeRunner{blockCh: make(chan struct{})}
	m := New(runner, Config{MaxQueueSize: 1, ConcurrentTasks: 1})
	m.Start()
	defer func() {
		close(runner.blockCh)
		m.Stop()
	}()

	if !m.Submit(newTestTask("t1")) {
		t.Fatalf("expected first submit to succeed")
	}
	waitFor(t, time.Second, func() bool { return runner.ranCount() >= 1 })

	if !m.Submit(newTestTask("t2")) {
		t.Fatalf("expected second submit to fill the queue")
	}
	if m.Submit(newTestTask("t3")) {
		t.Fatalf("expected third submit to be rejected: queue and the one in-flight slot are both taken")
	}
}

func TestSaturation_RequeuesUntilSlotFrees(t *testing.T) {
	runner := &fakeRunner{blockCh: make(chan struct{})}
	m := New(runner, Config{MaxQueueSize: 4, ConcurrentTasks: 1, SaturationBackoff: 10 * time.Millisecond})
	m.Start()
	defer m.Stop()

	m.Submit(newTestTask("t1"))
	waitFor(t, time.Second, func() bool { return runner.ranCount() >= 1 })

	m.Submit(newTestTask("t2"))
	// t2 can't acquire a slot while t1 holds it; give the saturation loop a
	// few cycles to prove it doesn't get stuck or dropped.
	time.Sleep(50 * time.Millisecond)
	if runner.ranCount() != 1 {
		t.Fatalf("expected only t1 to have started, got %d runs", runner.ranCount())
	}

	close(runner.blockCh)
	waitFor(t, time.Second, func() bool { return runner.ranCount() == 2 })
}

func TestCancel_RunningTaskCancelsContext(t *testing.T) {
	runner := &fakeRunner{blockCh: make(chan struct{})}
	m := New(runner, Config{MaxQueueSize: 4, ConcurrentTasks: 2})
	m.Start()
	defer func() {
		close(runner.blockCh)
		m.Stop()
	}()

	m.Submit(newTestTask("t1"))
	waitFor(t, time.Second, func() bool { return runner.ranCount() >= 1 })

	if !m.Cancel("t1") {
		t.Fatalf("expected cancel to succeed for a running task")
	}

	waitFor(t, time.Second, func() bool {
		got, ok := m.Get("t1")
		return ok && got.Status == domain.TaskCancelled
	})
}

func TestCancel_UnknownTaskReturnsFalse(t *testing.T) {
	m := New(&fakeRunner{}, Config{})
	if m.Cancel("missing") {
		t.Fatalf("expected cancel of unknown task to return false")
	}
}

func TestCancel_NotYetRunningTaskSetsCompletedAt(t *testing.T) {
	m := New(&fakeRunner{}, Config{})
	pending := newTestTask("queued")
	pending.Status = domain.TaskPending
	m.tasks["queued"] = pending

	if !m.Cancel("queued") {
		t.Fatalf("expected cancel to succeed for a pending task")
	}

	got, _ := m.Get("queued")
	if got.Status != domain.TaskCancelled {
		t.Fatalf("expected status cancelled, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set on cancel")
	}
}

func TestList_SortedByCreatedAtDescending(t *testing.T) {
	m := New(&fakeRunner{}, Config{})

	base := time.Now()
	oldest := newTestTask("oldest")
	oldest.CreatedAt = base.Add(-2 * time.Hour)
	middle := newTestTask("middle")
	middle.CreatedAt = base.Add(-1 * time.Hour)
	newest := newTestTask("newest")
	newest.CreatedAt = base

	m.tasks["oldest"] = oldest
	m.tasks["middle"] = middle
	m.tasks["newest"] = newest

	list := m.List()
	if list[0].TaskID != "newest" || list[1].TaskID != "middle" || list[2].TaskID != "oldest" {
		t.Fatalf("expected newest-first order, got %v", []string{list[0].TaskID, list[1].TaskID, list[2].TaskID})
	}
}

func TestQueueStatus_ReflectsRunningAndTracked(t *testing.T) {
	runner := &fakeRunner{blockCh: make(chan struct{})}
	m := New(runner, Config{MaxQueueSize: 4, ConcurrentTasks: 2})
	m.Start()
	defer func() {
		close(runner.blockCh)
		m.Stop()
	}()

	m.Submit(newTestTask("t1"))
	waitFor(t, time.Second, func() bool { return runner.ranCount() >= 1 })

	status := m.QueueStatus()
	if status.Running != 1 {
		t.Fatalf("expected 1 running task, got %d", status.Running)
	}
	if status.Total != 1 {
		t.Fatalf("expected 1 tracked task, got %d", status.Total)
	}
	if status.Capacity != 4 {
		t.Fatalf("expected queue capacity 4, got %d", status.Capacity)
	}
	if !status.IsRunning {
		t.Fatalf("expected is_running true while dispatcher is started")
	}
}

func TestQueueStatus_IsRunningFalseAfterStop(t *testing.T) {
	m := New(&fakeRunner{}, Config{})
	m.Start()
	m.Stop()

	if m.QueueStatus().IsRunning {
		t.Fatalf("expected is_running false after Stop")
	}
}

func TestStop_CancelsRunningTasks(t *testing.T) {
	runner := &fakeRunner{blockCh: make(chan struct{})}
	m := New(runner, Config{MaxQueueSize: 4, ConcurrentTasks: 2})
	m.Start()

	m.Submit(newTestTask("t1"))
	waitFor(t, time.Second, func() bool { return runner.ranCount() >= 1 })

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return: in-flight task was not cancelled")
	}

	got, ok := m.Get("t1")
	if !ok || got.Status != domain.TaskCancelled {
		t.Fatalf("expected t1 to be cancelled by Stop, got %+v", got)
	}
}

func TestCleanupOld_RemovesOnlyTerminalPastCutoff(t *testing.T) {
	m := New(&fakeRunner{}, Config{})

	old := newTestTask("old")
	old.Status = domain.TaskCompleted
	oldCompleted := time.Now().Add(-10 * 24 * time.Hour)
	old.CompletedAt = &oldCompleted

	recent := newTestTask("recent")
	recent.Status = domain.TaskCompleted
	recentCompleted := time.Now().Add(-time.Hour)
	recent.CompletedAt = &recentCompleted

	running := newTestTask("running")
	running.Status = domain.TaskRunning

	m.tasks["old"] = old
	m.tasks["recent"] = recent
	m.tasks["running"] = running

	removed := m.CleanupOld(7 * 24 * time.Hour)
	if removed != 1 {
		t.Fatalf("expected 1 task removed, got %d", removed)
	}
	if _, ok := m.Get("old"); ok {
		t.Fatalf("expected old completed task to be removed")
	}
	if _, ok := m.Get("recent"); !ok {
		t.Fatalf("expected recent completed task to survive")
	}
	if _, ok := m.Get("running"); !ok {
		t.Fatalf("expected running task to survive regardless of age")
	}
}
