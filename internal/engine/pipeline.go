package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/zcyberseclab/vmm/internal/collector"
	"github.com/zcyberseclab/vmm/internal/dedup"
	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/observability"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

// readinessBackoff is the increasing back-off between readiness probes
// after a VM reports Running, a named table so the schedule can be
// retuned without touching waitReady's call sites. These are package
// vars rather than consts so tests can shrink the whole pipeline's real
// wall-clock time without changing any production default.
var readinessBackoff = []time.Duration{
	10 * time.Second,
	15 * time.Second,
	20 * time.Second,
	25 * time.Second,
	30 * time.Second,
}

var (
	waitReadyDeadline  = 600 * time.Second
	waitReadyPollEvery = 10 * time.Second
	guestSettleDelay   = 30 * time.Second
	avPrescanDelay     = 3 * time.Second
	maxWaitWindow      = 25 * time.Second
)

// runEDRPipeline executes stages 2-7 of the per-VM pipeline against one
// already-acquired VM. Stage 1 (Acquire) and stage 8 (Finalize) live in
// runSubAnalysis, which owns the pool resource and VMResult lifetime.
func (e *Engine) runEDRPipeline(ctx context.Context, task *domain.Task, vmName string, cfg domain.VMConfig, result *domain.VMResult) error {
	creds := vmdriver.Credentials{Username: cfg.Username, Password: cfg.Password}

	result.State = domain.VMPreparing
	if err := e.stage(ctx, task.TaskID, vmName, "prepare", func(ctx context.Context) error {
		return e.prepare(ctx, vmName, cfg.BaselineSnapshot, creds)
	}); err != nil {
		return fmt.Errorf("prepare vm %s: %w", vmName, err)
	}

	result.State = domain.VMUploading
	destPath := guestDestPath(cfg.DesktopPath, task.FileName)
	if err := e.stage(ctx, task.TaskID, vmName, "upload", func(ctx context.Context) error {
		return e.driver.CopyToVM(ctx, vmName, task.FilePath, destPath, creds)
	}); err != nil {
		return fmt.Errorf("upload vm %s: %w", vmName, err)
	}

	result.State = domain.VMAnalyzing
	analysisStart := time.Now()
	var fileDeleted, executionFailed bool
	if err := e.stage(ctx, task.TaskID, vmName, "execute", func(ctx context.Context) error {
		var err error
		fileDeleted, executionFailed, err = e.execute(ctx, task.TaskID, vmName, destPath, creds)
		return err
	}); err != nil {
		return fmt.Errorf("execute vm %s: %w", vmName, err)
	}

	var waitWindow time.Duration
	switch {
	case fileDeleted:
		waitWindow = 10 * time.Second
	case executionFailed:
		waitWindow = 15 * time.Second
	default:
		waitWindow = time.Duration(task.Timeout) * time.Second
		if waitWindow > maxWaitWindow {
			waitWindow = maxWaitWindow
		}
	}
	if err := sleepCtx(ctx, waitWindow); err != nil {
		return fmt.Errorf("wait window vm %s: %w", vmName, err)
	}

	result.State = domain.VMCollecting
	var alerts []domain.Alert
	if err := e.stage(ctx, task.TaskID, vmName, "collect", func(ctx context.Context) error {
		c := collector.New(cfg.Antivirus, vmName, e.driver, creds, e.timeouts)
		a, err := c.GetAlerts(ctx, analysisStart, time.Now(), task.FileHash, task.FileName)
		alerts = a
		return err
	}); err != nil {
		return fmt.Errorf("collect vm %s: %w", vmName, err)
	}
	result.Alerts = dedup.Dedup(alerts)

	result.State = domain.VMRestoring
	if err := e.stage(ctx, task.TaskID, vmName, "restore", func(ctx context.Context) error {
		return e.restore(ctx, vmName, cfg.BaselineSnapshot)
	}); err != nil {
		return fmt.Errorf("restore vm %s: %w", vmName, err)
	}

	return nil
}

// stage runs fn under a child span named vmm.stage.<name>, tagged with
// the task and VM it belongs to, so a trace backend can show the five
// wrapped EDR stages (prepare, upload, execute, collect, restore; the
// wait window has no span) nested under one task's parent span.
func (e *Engine) stage(ctx context.Context, taskID, vmName, name string, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "vmm.stage."+name,
		observability.AttrTaskID.String(taskID),
		observability.AttrVMName.String(vmName),
		observability.AttrStage.String(name),
	)
	err := fn(ctx)
	observability.EndSpan(span, err)
	return err
}

// prepare brings a VM from whatever state it's in to a ready-for-exec
// state: stop, revert to baseline, power on, wait for readiness.
func (e *Engine) prepare(ctx context.Context, vmName, baseline string, creds vmdriver.Credentials) error {
	if err := e.driver.CleanupResources(ctx, vmName); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	if err := e.driver.RevertSnapshot(ctx, vmName, baseline); err != nil {
		return fmt.Errorf("revert snapshot: %w", err)
	}
	if err := e.driver.PowerOn(ctx, vmName, e.startupMode); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	if err := e.waitReady(ctx, vmName, creds); err != nil {
		return fmt.Errorf("wait ready: %w", err)
	}
	return nil
}

// waitReady polls power state at 10s intervals until Running (or the
// overall 600s deadline expires), then sleeps 30s for the guest to
// settle, then probes guest readiness with an echo command up to 5
// times with increasing back-off, accepting on stdout match.
func (e *Engine) waitReady(ctx context.Context, vmName string, creds vmdriver.Credentials) error {
	deadline := time.Now().Add(waitReadyDeadline)
	for {
		if time.Now().After(deadline) {
			return vmdriver.ErrTimeout
		}
		status, err := e.driver.GetStatus(ctx, vmName)
		if err == nil && status.PowerState == vmdriver.PowerRunning {
			break
		}
		if err := sleepCtx(ctx, waitReadyPollEvery); err != nil {
			return err
		}
	}

	if err := sleepCtx(ctx, guestSettleDelay); err != nil {
		return err
	}

	const probeMarker = "vmm-ready"
	for i, backoff := range readinessBackoff {
		ok, out, _ := e.driver.ExecCommand(ctx, vmName, "echo "+probeMarker, creds, 30)
		if ok && strings.Contains(out, probeMarker) {
			return nil
		}
		if i == len(readinessBackoff)-1 {
			break
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
	}
	return vmdriver.ErrTimeout
}

// execute dispatches the sample by file extension. It reports
// fileDeleted (the sample vanished before execution, presumably
// quarantined by AV pre-scan) and executionFailed (the dispatch command
// exited non-zero) as booleans rather than errors, since neither aborts
// the sub-analysis.
func (e *Engine) execute(ctx context.Context, taskID, vmName, destPath string, creds vmdriver.Credentials) (fileDeleted, executionFailed bool, err error) {
	if err := sleepCtx(ctx, avPrescanDelay); err != nil {
		return false, false, err
	}

	existsCmd := fmt.Sprintf(`Test-Path -Path "%s"`, destPath)
	ok, out, execErr := e.driver.ExecCommand(ctx, vmName, existsCmd, creds, 30)
	if execErr != nil {
		return false, false, execErr
	}
	if !ok || !strings.Contains(strings.ToLower(out), "true") {
		return true, false, nil
	}

	cmd := dispatchCommand(destPath)
	ok, dispatchOut, execErr := e.driver.ExecCommand(ctx, vmName, cmd, creds, 30)
	if execErr != nil {
		return false, false, execErr
	}
	logging.GetOutputStore().Store(taskID, vmName, dispatchOut, "")
	return false, !ok, nil
}

// restore tears the VM back down after collection: cleanup then revert,
// the mirror image of prepare's revert-then-power-on.
func (e *Engine) restore(ctx context.Context, vmName, baseline string) error {
	if err := e.driver.CleanupResources(ctx, vmName); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	if err := e.driver.RevertSnapshot(ctx, vmName, baseline); err != nil {
		return fmt.Errorf("revert snapshot: %w", err)
	}
	return nil
}

// guestDestPath computes the in-guest destination path for an uploaded
// sample: desktopPath\basename(fileName), appending .bin if the
// basename has no extension.
func guestDestPath(desktopPath, fileName string) string {
	normalized := strings.ReplaceAll(fileName, `\`, "/")
	base := path.Base(normalized)
	if path.Ext(base) == "" {
		base += ".bin"
	}
	sep := `\`
	if strings.HasSuffix(desktopPath, sep) {
		return desktopPath + base
	}
	return desktopPath + sep + base
}

// dispatchCommand picks the in-guest command that triggers AV/Sysmon
// observation for a sample, based on its extension.
func dispatchCommand(destPath string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(destPath), "."))
	switch ext {
	case "exe", "com", "scr", "bat", "cmd":
		return fmt.Sprintf(`Start-Process -FilePath "%s"`, destPath)
	case "ps1":
		return fmt.Sprintf(`powershell -ExecutionPolicy Bypass -File "%s"`, destPath)
	case "vbs", "js":
		return fmt.Sprintf(`cscript "%s"`, destPath)
	default:
		return fmt.Sprintf(`Get-Content "%s" -TotalCount 1`, destPath)
	}
}

// sleepCtx sleeps for d or returns ctx.Err() early if ctx is cancelled
// first, the cancellation-point idiom every suspension point in the
// pipeline uses (spec.md §5).
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
