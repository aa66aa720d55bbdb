package engine

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zcyberseclab/vmm/internal/collector"
	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/pool"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

// fakeDriver implements vmdriver.Driver with overridable hooks; every hook
// defaults to an instant success so a test only wires what it needs.
type fakeDriver struct {
	mu sync.Mutex

	powerOnCalls int
	powerOnErr   error

	statusSeq []vmdriver.Status // consumed in order by GetStatus; last entry repeats
	statusIdx int

	execCommandFn func(cmdline string) (bool, string, error)

	revertErr     error
	cleanupErr    error
	copyToErr     error
	copyFromErr   error
}

func (f *fakeDriver) PowerOn(ctx context.Context, vmName string, mode vmdriver.StartupMode) error {
	f.mu.Lock()
	f.powerOnCalls++
	f.mu.Unlock()
	return f.powerOnErr
}

func (f *fakeDriver) PowerOff(ctx context.Context, vmName string) error { return nil }

func (f *fakeDriver) GetStatus(ctx context.Context, vmName string) (vmdriver.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusSeq) == 0 {
		return vmdriver.Status{PowerState: vmdriver.PowerRunning}, nil
	}
	idx := f.statusIdx
	if idx >= len(f.statusSeq) {
		idx = len(f.statusSeq) - 1
	} else {
		f.statusIdx++
	}
	return f.statusSeq[idx], nil
}

func (f *fakeDriver) RevertSnapshot(ctx context.Context, vmName, snapshotName string) error {
	return f.revertErr
}

func (f *fakeDriver) CopyToVM(ctx context.Context, vmName, localPath, remotePath string, creds vmdriver.Credentials) error {
	return f.copyToErr
}

func (f *fakeDriver) CopyFromVM(ctx context.Context, vmName, remotePath, localPath string, creds vmdriver.Credentials) error {
	return f.copyFromErr
}

func (f *fakeDriver) ExecCommand(ctx context.Context, vmName, cmdline string, creds vmdriver.Credentials, timeout int) (bool, string, error) {
	if f.execCommandFn != nil {
		return f.execCommandFn(cmdline)
	}
	if strings.Contains(cmdline, "vmm-ready") {
		return true, "vmm-ready", nil
	}
	if strings.Contains(cmdline, "Test-Path") {
		return true, "True", nil
	}
	return true, "", nil
}

func (f *fakeDriver) ExecProgram(ctx context.Context, vmName, programPath string, args []string, creds vmdriver.Credentials, timeout int) (bool, string, error) {
	return true, "", nil
}

func (f *fakeDriver) CleanupResources(ctx context.Context, vmName string) error { return f.cleanupErr }

// TestMain shrinks the pipeline's real-world wait durations to
// milliseconds so the suite runs in a fraction of a second instead of
// the minutes the production schedule would take. The waitReady/execute
// unit tests in pipeline_test.go run under the same shrunk schedule.
func TestMain(m *testing.M) {
	readinessBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	waitReadyPollEvery = time.Millisecond
	guestSettleDelay = time.Millisecond
	avPrescanDelay = time.Millisecond
	maxWaitWindow = 10 * time.Millisecond
	os.Exit(m.Run())
}

func testTask(id string, vms ...string) *domain.Task {
	return &domain.Task{
		TaskID:   id,
		FileName: "sample.exe",
		FilePath: "/tmp/sample.exe",
		FileHash: "deadbeef",
		Timeout:  60,
		VMNames:  vms,
	}
}

func testPool(names ...string) *pool.Pool {
	configs := make([]domain.VMConfig, len(names))
	for i, n := range names {
		configs[i] = domain.VMConfig{
			Name:             n,
			Antivirus:        "defender",
			Username:         "vboxuser",
			Password:         "pw",
			BaselineSnapshot: "clean",
			DesktopPath:      `C:\Users\vboxuser\Desktop`,
		}
	}
	return pool.New(configs)
}

func TestRun_SuccessfulSubAnalysisReturnsVMToIdle(t *testing.T) {
	driver := &fakeDriver{}
	p := testPool("win-defender")
	e := New(driver, p, collector.Timeouts{}, SysmonConfig{}, "")

	task := testTask("t1", "win-defender")
	if err := e.Run(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(task.VMResults) != 1 {
		t.Fatalf("expected 1 vm result, got %d", len(task.VMResults))
	}
	result := task.VMResults[0]
	if result.State != domain.VMCompleted {
		t.Fatalf("expected completed, got %v (%s)", result.State, result.ErrorMessage)
	}

	res, ok := p.Get("win-defender")
	if !ok || res.State != domain.VMIdle {
		t.Fatalf("expected vm back to idle, got %+v", res)
	}
}

func TestRun_PowerOnFailureMarksFailedAndAttemptsRecovery(t *testing.T) {
	driver := &fakeDriver{powerOnErr: vmdriver.ErrHostError}
	p := testPool("win-defender")
	e := New(driver, p, collector.Timeouts{}, SysmonConfig{}, "")

	task := testTask("t1", "win-defender")
	if err := e.Run(context.Background(), task); err != nil {
		t.Fatalf("unexpected orchestrator-level error: %v", err)
	}

	if len(task.VMResults) != 1 || task.VMResults[0].State != domain.VMFailed {
		t.Fatalf("expected failed vm result, got %+v", task.VMResults)
	}
	if task.VMResults[0].ErrorMessage == "" {
		t.Fatalf("expected an error message on the failed result")
	}

	// revert+cleanup succeed by default in fakeDriver, so recovery succeeds
	// and the vm should be reset to idle, not left in error.
	res, ok := p.Get("win-defender")
	if !ok || res.State != domain.VMIdle {
		t.Fatalf("expected vm reset to idle after successful recovery, got %+v", res)
	}
}

func TestRun_RecoveryFailureLeavesVMInError(t *testing.T) {
	driver := &fakeDriver{powerOnErr: vmdriver.ErrHostError, revertErr: vmdriver.ErrHostError}
	p := testPool("win-defender")
	e := New(driver, p, collector.Timeouts{}, SysmonConfig{}, "")

	task := testTask("t1", "win-defender")
	e.Run(context.Background(), task)

	res, ok := p.Get("win-defender")
	if !ok || res.State != domain.VMError {
		t.Fatalf("expected vm left in error after failed recovery, got %+v", res)
	}
	if res.ErrorCount != 1 {
		t.Fatalf("expected error_count 1, got %d", res.ErrorCount)
	}
}

func TestRun_NoTargetVMsAndSysmonDisabledIsANoop(t *testing.T) {
	driver := &fakeDriver{}
	p := testPool()
	e := New(driver, p, collector.Timeouts{}, SysmonConfig{}, "")

	task := testTask("t1")
	if err := e.Run(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(task.VMResults) != 0 {
		t.Fatalf("expected no vm results, got %+v", task.VMResults)
	}
}

func TestRun_FileDeletedByEDRSkipsExecutionButStillCollects(t *testing.T) {
	driver := &fakeDriver{
		execCommandFn: func(cmdline string) (bool, string, error) {
			if strings.Contains(cmdline, "vmm-ready") {
				return true, "vmm-ready", nil
			}
			if strings.Contains(cmdline, "Test-Path") {
				return true, "False", nil
			}
			return true, "", nil
		},
	}
	p := testPool("win-defender")
	e := New(driver, p, collector.Timeouts{}, SysmonConfig{}, "")

	start := time.Now()
	task := testTask("t1", "win-defender")
	if err := e.Run(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 0 {
		t.Fatalf("sanity check failed")
	}
	if len(task.VMResults) != 1 || task.VMResults[0].State != domain.VMCompleted {
		t.Fatalf("expected a completed result even when the file was deleted, got %+v", task.VMResults)
	}
}

func TestRun_MultipleVMsFanOutIndependently(t *testing.T) {
	driver := &fakeDriver{}
	p := testPool("win-defender", "win-kaspersky")
	e := New(driver, p, collector.Timeouts{}, SysmonConfig{}, "")

	task := testTask("t1", "win-defender", "win-kaspersky")
	if err := e.Run(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(task.VMResults) != 2 {
		t.Fatalf("expected 2 vm results, got %d", len(task.VMResults))
	}
	for _, r := range task.VMResults {
		if r.State != domain.VMCompleted {
			t.Fatalf("expected both sub-analyses to complete, got %+v", r)
		}
	}
}
