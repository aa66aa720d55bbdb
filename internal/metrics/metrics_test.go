package metrics

import (
	"testing"

	"github.com/zcyberseclab/vmm/internal/domain"
)

func freshMetrics() *Metrics {
	m := &Metrics{startTime: global.startTime}
	m.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	m.tsChan = make(chan timeSeriesEvent, 8)
	m.initTimeSeries()
	return m
}

func TestRecordTaskCompleted_UpdatesTotalsAndPerVMStats(t *testing.T) {
	m := freshMetrics()

	m.RecordTaskStarted("win-edr-1")
	m.RecordTaskCompleted("win-edr-1", 1500, true)
	m.RecordTaskStarted("win-edr-1")
	m.RecordTaskCompleted("win-edr-1", 2500, false)

	if got := m.TotalTasks.Load(); got != 2 {
		t.Fatalf("TotalTasks = %d, want 2", got)
	}
	if got := m.SuccessfulTasks.Load(); got != 1 {
		t.Fatalf("SuccessfulTasks = %d, want 1", got)
	}
	if got := m.FailedTasks.Load(); got != 1 {
		t.Fatalf("FailedTasks = %d, want 1", got)
	}
	if got := m.TasksRunning.Load(); got != 0 {
		t.Fatalf("TasksRunning = %d, want 0 after both tasks completed", got)
	}

	vm := m.GetVMMetrics("win-edr-1")
	if vm == nil {
		t.Fatalf("expected per-VM metrics for win-edr-1")
	}
	if got := vm.Tasks.Load(); got != 2 {
		t.Fatalf("vm.Tasks = %d, want 2", got)
	}
	if got := vm.MaxMs.Load(); got != 2500 {
		t.Fatalf("vm.MaxMs = %d, want 2500", got)
	}
	if got := vm.MinMs.Load(); got != 1500 {
		t.Fatalf("vm.MinMs = %d, want 1500", got)
	}
}

func TestGetVMMetrics_ReturnsNilForUnknownVM(t *testing.T) {
	m := freshMetrics()
	if vm := m.GetVMMetrics("nonexistent"); vm != nil {
		t.Fatalf("expected nil for an unrecorded VM, got %+v", vm)
	}
}

func TestRecordAlert_IncrementsTheMatchingSeverityCounter(t *testing.T) {
	m := freshMetrics()

	m.RecordAlert(domain.SeverityHigh)
	m.RecordAlert(domain.SeverityHigh)
	m.RecordAlert(domain.SeverityCritical)

	if got := m.AlertsHigh.Load(); got != 2 {
		t.Fatalf("AlertsHigh = %d, want 2", got)
	}
	if got := m.AlertsCritical.Load(); got != 1 {
		t.Fatalf("AlertsCritical = %d, want 1", got)
	}
	if got := m.AlertsLow.Load(); got != 0 {
		t.Fatalf("AlertsLow = %d, want 0", got)
	}
}

func TestSetPoolStatus_RecordsBusyAndIdleCounts(t *testing.T) {
	m := freshMetrics()

	m.SetPoolStatus(3, 5)

	if got := m.PoolBusyVMs.Load(); got != 3 {
		t.Fatalf("PoolBusyVMs = %d, want 3", got)
	}
	if got := m.PoolIdleVMs.Load(); got != 5 {
		t.Fatalf("PoolIdleVMs = %d, want 5", got)
	}
}

func TestSnapshot_ReportsAggregateCounts(t *testing.T) {
	m := freshMetrics()

	m.RecordTaskStarted("linux-behavior-1")
	m.RecordTaskCompleted("linux-behavior-1", 4000, true)

	snap := m.Snapshot()
	tasks, ok := snap["tasks"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected tasks map in snapshot, got %T", snap["tasks"])
	}
	if tasks["total"].(int64) != 1 {
		t.Fatalf("tasks.total = %v, want 1", tasks["total"])
	}
	if tasks["success"].(int64) != 1 {
		t.Fatalf("tasks.success = %v, want 1", tasks["success"])
	}
}
