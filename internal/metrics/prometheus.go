package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for vmm metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	tasksTotal  *prometheus.CounterVec
	alertsTotal *prometheus.CounterVec

	// Histograms
	taskDuration          *prometheus.HistogramVec
	snapshotRevertMillis  *prometheus.HistogramVec

	// Gauges
	uptime       prometheus.GaugeFunc
	tasksRunning prometheus.Gauge
	poolVMs      *prometheus.GaugeVec
}

// Default histogram buckets for task duration (in milliseconds).
var defaultBuckets = []float64{1000, 5000, 10000, 30000, 60000, 120000, 300000, 600000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of sub-analysis tasks completed, by VM and outcome",
			},
			[]string{"vm", "status"},
		),

		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Total number of EDR/behavioral alerts raised, by severity",
			},
			[]string{"severity"},
		),

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_milliseconds",
				Help:      "Duration of a sub-analysis task in milliseconds",
				Buckets:   buckets,
			},
			[]string{"vm"},
		),

		snapshotRevertMillis: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_revert_milliseconds",
				Help:      "Duration of baseline snapshot revert in milliseconds",
				Buckets:   []float64{500, 1000, 2000, 5000, 10000, 20000},
			},
			[]string{"vm"},
		),

		tasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_running",
				Help:      "Number of sub-analysis tasks currently in flight",
			},
		),

		poolVMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_vms",
				Help:      "Current VM pool size by state (busy, idle)",
			},
			[]string{"state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the vmm daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.tasksTotal,
		pm.alertsTotal,
		pm.taskDuration,
		pm.snapshotRevertMillis,
		pm.uptime,
		pm.tasksRunning,
		pm.poolVMs,
	)

	promMetrics = pm
}

// RecordPrometheusTaskStarted increments the in-flight task gauge.
func RecordPrometheusTaskStarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.tasksRunning.Inc()
}

// RecordPrometheusTaskCompleted records a finished task in Prometheus collectors.
func RecordPrometheusTaskCompleted(vmName string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.tasksTotal.WithLabelValues(vmName, status).Inc()
	promMetrics.tasksRunning.Dec()
	promMetrics.taskDuration.WithLabelValues(vmName).Observe(float64(durationMs))
}

// RecordPrometheusAlert records an alert at the given severity.
func RecordPrometheusAlert(severity string) {
	if promMetrics == nil {
		return
	}
	promMetrics.alertsTotal.WithLabelValues(severity).Inc()
}

// SetPrometheusPoolStatus sets the busy/idle VM pool gauges.
func SetPrometheusPoolStatus(busy, idle int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolVMs.WithLabelValues("busy").Set(float64(busy))
	promMetrics.poolVMs.WithLabelValues("idle").Set(float64(idle))
}

// RecordSnapshotRevertDuration records baseline snapshot revert duration.
func RecordSnapshotRevertDuration(vmName string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.snapshotRevertMillis.WithLabelValues(vmName).Observe(float64(durationMs))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
