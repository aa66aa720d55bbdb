// Package metrics collects and exposes vmm runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-VM counters + time series) for
//     the lightweight JSON /metrics/json endpoint used by an operator
//     dashboard (/metrics itself serves the Prometheus registry).
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both allows a dashboard to work without a Prometheus sidecar
// while still supporting enterprise monitoring stacks.
//
// # Concurrency — hot path
//
// RecordTaskCompleted is called from the engine pipeline at the end of
// every sub-analysis and must be as fast as possible. It uses atomic
// increments for global counters and dispatches a lightweight event onto
// a buffered channel (tsChan) for the time-series worker to process
// asynchronously. This avoids holding any lock on the hot path.
//
// The per-VM VMMetrics struct also uses atomic operations exclusively;
// the sync.Map that stores the per-VM entries is read-heavy and
// write-once-per-new-VM-name, which is the ideal use case for sync.Map —
// the fleet is fixed and small (spec.md §6 windows.edr_analysis.vms /
// linux.behavioral_analysis.vms), so it never grows unbounded.
//
// # Invariants
//
//   - TotalTasks == SuccessfulTasks + FailedTasks (maintained by
//     RecordTaskCompleted).
//   - TasksRunning is decremented exactly once per RecordTaskStarted,
//     by the matching RecordTaskCompleted.
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are
//     counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Tasks        int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes vmm runtime metrics.
type Metrics struct {
	// Task metrics
	TotalTasks      atomic.Int64
	SuccessfulTasks atomic.Int64
	FailedTasks     atomic.Int64
	TasksRunning    atomic.Int64

	// Task latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Alert metrics, keyed by domain.AlertSeverity
	AlertsInfo     atomic.Int64
	AlertsLow      atomic.Int64
	AlertsMedium   atomic.Int64
	AlertsHigh     atomic.Int64
	AlertsCritical atomic.Int64

	// Pool metrics
	PoolBusyVMs atomic.Int64
	PoolIdleVMs atomic.Int64

	// Per-VM metrics
	vmMetrics sync.Map // vmName -> *VMMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// VMMetrics tracks metrics for a single VM in the fleet.
type VMMetrics struct {
	Tasks      atomic.Int64
	Successes  atomic.Int64
	Failures   atomic.Int64
	TotalMs    atomic.Int64
	MinMs      atomic.Int64
	MaxMs      atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordTaskStarted marks one more sub-analysis as in flight.
func (m *Metrics) RecordTaskStarted(vmName string) {
	m.TasksRunning.Add(1)
	RecordPrometheusTaskStarted()
}

// RecordTaskCompleted records a finished sub-analysis's outcome and duration.
func (m *Metrics) RecordTaskCompleted(vmName string, durationMs int64, success bool) {
	m.TasksRunning.Add(-1)
	m.TotalTasks.Add(1)

	if success {
		m.SuccessfulTasks.Add(1)
	} else {
		m.FailedTasks.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	// Per-VM metrics
	vm := m.getVMMetrics(vmName)
	vm.Tasks.Add(1)
	if success {
		vm.Successes.Add(1)
	} else {
		vm.Failures.Add(1)
	}
	vm.TotalMs.Add(durationMs)
	updateMin(&vm.MinMs, durationMs)
	updateMax(&vm.MaxMs, durationMs)

	// Time series recording
	m.recordTimeSeries(durationMs, !success)

	// Prometheus bridge
	RecordPrometheusTaskCompleted(vmName, durationMs, success)
}

// RecordAlert records one EDR/behavioral alert at the given severity.
func (m *Metrics) RecordAlert(severity domain.AlertSeverity) {
	switch severity {
	case domain.SeverityInfo:
		m.AlertsInfo.Add(1)
	case domain.SeverityLow:
		m.AlertsLow.Add(1)
	case domain.SeverityMedium:
		m.AlertsMedium.Add(1)
	case domain.SeverityHigh:
		m.AlertsHigh.Add(1)
	case domain.SeverityCritical:
		m.AlertsCritical.Add(1)
	}
	RecordPrometheusAlert(string(severity))
}

// SetPoolStatus records the current busy/idle split of the VM fleet.
func (m *Metrics) SetPoolStatus(busy, idle int) {
	m.PoolBusyVMs.Store(int64(busy))
	m.PoolIdleVMs.Store(int64(idle))
	SetPrometheusPoolStatus(busy, idle)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot invocation path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Tasks++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getVMMetrics(vmName string) *VMMetrics {
	if v, ok := m.vmMetrics.Load(vmName); ok {
		return v.(*VMMetrics)
	}

	vm := &VMMetrics{}
	vm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.vmMetrics.LoadOrStore(vmName, vm)
	return actual.(*VMMetrics)
}

// GetVMMetrics returns the metrics for a specific VM (or nil if none recorded yet).
func (m *Metrics) GetVMMetrics(vmName string) *VMMetrics {
	if v, ok := m.vmMetrics.Load(vmName); ok {
		return v.(*VMMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalTasks.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"tasks": map[string]interface{}{
			"total":   total,
			"success": m.SuccessfulTasks.Load(),
			"failed":  m.FailedTasks.Load(),
			"running": m.TasksRunning.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"alerts": map[string]interface{}{
			"info":     m.AlertsInfo.Load(),
			"low":      m.AlertsLow.Load(),
			"medium":   m.AlertsMedium.Load(),
			"high":     m.AlertsHigh.Load(),
			"critical": m.AlertsCritical.Load(),
		},
		"pool": map[string]interface{}{
			"busy": m.PoolBusyVMs.Load(),
			"idle": m.PoolIdleVMs.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// VMStats returns per-VM metrics.
func (m *Metrics) VMStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.vmMetrics.Range(func(key, value interface{}) bool {
		vmName := key.(string)
		vm := value.(*VMMetrics)

		total := vm.Tasks.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(vm.TotalMs.Load()) / float64(total)
		}

		minMs := vm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[vmName] = map[string]interface{}{
			"tasks":     total,
			"successes": vm.Successes.Load(),
			"failures":  vm.Failures.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    vm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["vms"] = m.VMStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"tasks":        bucket.Tasks,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
