package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/metrics"
	"github.com/zcyberseclab/vmm/internal/observability"
	"github.com/zcyberseclab/vmm/internal/sysmon"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

const sysmonClearLogCmd = `wevtutil cl Microsoft-Windows-Sysmon/Operational`

// runSysmonBranch runs the behavioral sub-analysis: prepare, ensure
// Sysmon is installed, clear its event log, upload and execute the
// sample, wait, harvest events, compute statistics, restore. It attaches
// its outcome to task.BehaviorResult, never to VMResults.
func (e *Engine) runSysmonBranch(ctx context.Context, task *domain.Task) {
	vmName := e.sysmonCfg.VMName
	if !e.pool.Acquire(vmName, task.TaskID) {
		task.BehaviorResult = &domain.BehaviorResult{
			AnalysisEngine: "sysmon",
			Status:         domain.VMFailed,
			StartTime:      time.Now(),
			ErrorMessage:   "resource_busy",
		}
		return
	}

	start := time.Now()
	behavior := &domain.BehaviorResult{AnalysisEngine: "sysmon", Status: domain.VMPreparing, StartTime: start}

	metrics.Global().RecordTaskStarted(vmName)

	res, _ := e.pool.Get(vmName)
	cfg := res.Config

	err := e.runSysmonPipeline(ctx, task, vmName, cfg, behavior)

	end := time.Now()
	behavior.EndTime = &end
	ok := err == nil

	if err != nil {
		behavior.Status = domain.VMFailed
		behavior.ErrorMessage = err.Error()
		e.bestEffortRecover(vmName, cfg.BaselineSnapshot)
	} else {
		behavior.Status = domain.VMCompleted
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
		Error:      behavior.ErrorMessage,
	})

	e.pool.Release(vmName)
	e.pool.UpdateStats(ok, end.Sub(start))
	busy, idle := e.fleetBusyIdle()
	metrics.Global().SetPoolStatus(busy, idle)
	task.BehaviorResult = behavior
}

func (e *Engine) runSysmonPipeline(ctx context.Context, task *domain.Task, vmName string, cfg domain.VMConfig, behavior *domain.BehaviorResult) error {
	creds := vmdriver.Credentials{Username: cfg.Username, Password: cfg.Password}

	behavior.Status = domain.VMPreparing
	if err := e.stage(ctx, task.TaskID, vmName, "prepare", func(ctx context.Context) error {
		return e.prepare(ctx, vmName, cfg.BaselineSnapshot, creds)
	}); err != nil {
		return fmt.Errorf("prepare sysmon vm %s: %w", vmName, err)
	}

	if err := e.stage(ctx, task.TaskID, vmName, "sysmon_install", func(ctx context.Context) error {
		installed, details, err := e.sysmon.EnsureInstalled(ctx, vmName, creds, e.sysmonCfg.SysmonBinaryPath, e.sysmonCfg.SysmonConfigPath, false)
		if err != nil {
			return fmt.Errorf("ensure sysmon installed on %s: %w", vmName, err)
		}
		if !installed {
			return fmt.Errorf("sysmon not installed on %s: %s", vmName, details)
		}
		if ok, out, err := e.driver.ExecCommand(ctx, vmName, sysmonClearLogCmd, creds, 30); err != nil {
			return fmt.Errorf("clear sysmon log on %s: %w", vmName, err)
		} else if !ok {
			logging.Op().Warn("clearing sysmon log returned non-zero", "vm", vmName, "output", out)
		}
		return nil
	}); err != nil {
		return err
	}

	behavior.Status = domain.VMUploading
	destPath := guestDestPath(cfg.DesktopPath, task.FileName)
	if err := e.stage(ctx, task.TaskID, vmName, "upload", func(ctx context.Context) error {
		return e.driver.CopyToVM(ctx, vmName, task.FilePath, destPath, creds)
	}); err != nil {
		return fmt.Errorf("upload sysmon vm %s: %w", vmName, err)
	}

	behavior.Status = domain.VMAnalyzing
	if err := e.stage(ctx, task.TaskID, vmName, "execute", func(ctx context.Context) error {
		_, _, err := e.execute(ctx, task.TaskID, vmName, destPath, creds)
		return err
	}); err != nil {
		return fmt.Errorf("execute sysmon vm %s: %w", vmName, err)
	}

	delay := e.sysmonCfg.PostExecutionDelay
	if delay <= 0 {
		delay = 15 * time.Second
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return fmt.Errorf("sysmon post-execution wait %s: %w", vmName, err)
	}

	behavior.Status = domain.VMCollecting
	var events []domain.Event
	if err := e.stage(ctx, task.TaskID, vmName, "collect", func(ctx context.Context) error {
		ev, err := e.sysmon.GetEvents(ctx, vmName, creds, e.sysmonCfg.MaxEvents)
		events = ev
		return err
	}); err != nil {
		return fmt.Errorf("collect sysmon events %s: %w", vmName, err)
	}
	behavior.Events = events
	behavior.Statistics = sysmon.ComputeStats(events)

	behavior.Status = domain.VMRestoring
	if err := e.stage(ctx, task.TaskID, vmName, "restore", func(ctx context.Context) error {
		return e.restore(ctx, vmName, cfg.BaselineSnapshot)
	}); err != nil {
		return fmt.Errorf("restore sysmon vm %s: %w", vmName, err)
	}

	return nil
}
