// Package engine runs the per-VM analysis pipeline: prepare, upload,
// execute, collect, restore, for every VM a task targets, plus the
// optional Sysmon behavioral branch, grounded on the teacher's
// internal/executor.Executor.Invoke pipeline shape.
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zcyberseclab/vmm/internal/collector"
	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/metrics"
	"github.com/zcyberseclab/vmm/internal/observability"
	"github.com/zcyberseclab/vmm/internal/pool"
	"github.com/zcyberseclab/vmm/internal/sysmon"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

// maxSubAnalysesPerTask caps the per-task semaphore regardless of how many
// VMs a task targets (spec.md §5 tier 2).
const maxSubAnalysesPerTask = 8

// SysmonConfig is the fleet-level behavioral-branch configuration
// (spec.md §6 windows.sysmon_analysis).
type SysmonConfig struct {
	Enabled            bool
	VMName             string
	ConfigType         sysmon.ConfigType
	SysmonBinaryPath   string
	SysmonConfigPath   string
	PostExecutionDelay time.Duration
	MaxEvents          int
}

// Engine drives every sub-analysis for a task. The zero value is not
// usable; construct via New.
type Engine struct {
	driver      vmdriver.Driver
	pool        *pool.Pool
	sysmon      *sysmon.Manager
	timeouts    collector.Timeouts
	sysmonCfg   SysmonConfig
	startupMode vmdriver.StartupMode
}

// New constructs an Engine bound to one driver and one VM pool. An empty
// startupMode defaults to StartupHeadless (spec.md §6
// virtualization.virtualbox.vm_startup_mode).
func New(driver vmdriver.Driver, p *pool.Pool, timeouts collector.Timeouts, sysmonCfg SysmonConfig, startupMode vmdriver.StartupMode) *Engine {
	if startupMode == "" {
		startupMode = vmdriver.StartupHeadless
	}
	return &Engine{
		driver:      driver,
		pool:        p,
		sysmon:      sysmon.New(driver),
		timeouts:    timeouts,
		sysmonCfg:   sysmonCfg,
		startupMode: startupMode,
	}
}

// Run implements taskmgr.Runner: it fans out one sub-analysis per VM in
// task.VMNames (already resolved by the Router before submission), plus
// one more for the Sysmon branch if enabled, under a per-task semaphore
// of size min(N,8). It returns an error only if the orchestrator itself
// crashed; individual sub-analysis failures are captured into
// task.VMResults / task.BehaviorResult instead.
func (e *Engine) Run(ctx context.Context, task *domain.Task) error {
	ctx, span := observability.StartSpan(ctx, "vmm.task",
		observability.AttrTaskID.String(task.TaskID),
		observability.AttrFileName.String(task.FileName),
	)
	defer span.End()

	n := len(task.VMNames)
	if e.sysmonCfg.Enabled {
		n++
	}
	if n == 0 {
		return nil
	}
	semSize := n
	if semSize > maxSubAnalysesPerTask {
		semSize = maxSubAnalysesPerTask
	}
	sem := semaphore.NewWeighted(int64(semSize))

	g, gctx := errgroup.WithContext(ctx)
	var resultsMu sync.Mutex

	for _, vmName := range task.VMNames {
		vmName := vmName
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil // context cancelled before a slot freed; treat as a non-crash exit
			}
			defer sem.Release(1)
			e.runSubAnalysis(gctx, task, vmName, &resultsMu)
			return nil
		})
	}

	if e.sysmonCfg.Enabled {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			e.runSysmonBranch(gctx, task)
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	return err
}

func (e *Engine) appendResult(task *domain.Task, mu *sync.Mutex, result *domain.VMResult) {
	mu.Lock()
	defer mu.Unlock()
	task.VMResults = append(task.VMResults, result)
}

func (e *Engine) runSubAnalysis(ctx context.Context, task *domain.Task, vmName string, mu *sync.Mutex) {
	if !e.pool.Acquire(vmName, task.TaskID) {
		e.appendResult(task, mu, &domain.VMResult{
			VMName:       vmName,
			State:        domain.VMFailed,
			StartTime:    time.Now(),
			ErrorMessage: "resource_busy",
		})
		return
	}

	start := time.Now()
	result := &domain.VMResult{VMName: vmName, State: domain.VMPreparing, StartTime: start, Alerts: []domain.Alert{}}

	metrics.Global().RecordTaskStarted(vmName)

	res, _ := e.pool.Get(vmName)
	cfg := res.Config

	err := e.runEDRPipeline(ctx, task, vmName, cfg, result)

	end := time.Now()
	result.EndTime = &end
	ok := err == nil

	if err != nil {
		result.State = domain.VMFailed
		result.ErrorMessage = err.Error()
		e.bestEffortRecover(vmName, cfg.BaselineSnapshot)
	} else {
		result.State = domain.VMCompleted
	}

	for _, alert := range result.Alerts {
		metrics.Global().RecordAlert(alert.Severity)
	}

	durationMs := end.Sub(start).Milliseconds()
	metrics.Global().RecordTaskCompleted(vmName, durationMs, ok)
	logging.Default().Log(&logging.TaskLog{
		TaskID:     task.TaskID,
		TraceID:    observability.GetTraceID(ctx),
		SpanID:     observability.GetSpanID(ctx),
		VMName:     vmName,
		FileName:   task.FileName,
		FileSize:   task.FileSize,
		DurationMs: durationMs,
		Success:    ok,
		AlertCount: len(result.Alerts),
		Error:      result.ErrorMessage,
	})

	e.pool.Release(vmName)
	e.pool.UpdateStats(ok, end.Sub(start))
	busy, idle := e.fleetBusyIdle()
	metrics.Global().SetPoolStatus(busy, idle)
	e.appendResult(task, mu, result)
}

// fleetBusyIdle reports the current busy/idle VM split for the pool
// metrics gauge.
func (e *Engine) fleetBusyIdle() (busy, idle int) {
	status := e.pool.Status()
	return status.Busy, status.Idle
}

// bestEffortRecover runs revert+cleanup on a detached context (the
// sub-analysis's own ctx may already be cancelled/expired) and leaves the
// pool in a known state: ResetError on success, MarkError on failure.
func (e *Engine) bestEffortRecover(vmName, baseline string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	revertErr := e.driver.RevertSnapshot(ctx, vmName, baseline)
	cleanupErr := e.driver.CleanupResources(ctx, vmName)

	if revertErr == nil && cleanupErr == nil {
		e.pool.ResetError(vmName)
		return
	}
	logging.Op().Error("sub-analysis recovery failed", "vm", vmName, "revert_error", revertErr, "cleanup_error", cleanupErr)
	e.pool.MarkError(vmName, "recovery failed after sub-analysis error")
}
