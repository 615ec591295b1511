package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions       prometheus.Gauge
	sessionRestoresTotal *prometheus.CounterVec

	snapshotLoadDuration prometheus.Histogram
	snapshotSaveDuration prometheus.Histogram

	historyAppendDuration prometheus.Histogram
	historyListDuration   prometheus.Histogram

	runTotal          *prometheus.CounterVec
	runDuration       prometheus.Histogram
	stepsEmittedTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current live session count in the registry.",
				},
			),
			sessionRestoresTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_restores_total",
					Help: "Total session restores by outcome (restored, fresh, degraded).",
				},
				[]string{"outcome"},
			),
			snapshotLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapshot_load_duration_seconds",
					Help:    "Memory snapshot load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			snapshotSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapshot_save_duration_seconds",
					Help:    "Memory snapshot save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			historyAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "history_append_duration_seconds",
					Help:    "History record append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			historyListDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "history_list_duration_seconds",
					Help:    "History listing duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total dispatcher runs by status.",
				},
				[]string{"status"},
			),
			runDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Dispatcher run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			stepsEmittedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_steps_emitted_total",
					Help: "Total reasoning steps emitted by step type.",
				},
				[]string{"step_type"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionRestoresTotal,
			m.snapshotLoadDuration,
			m.snapshotSaveDuration,
			m.historyAppendDuration,
			m.historyListDuration,
			m.runTotal,
			m.runDuration,
			m.stepsEmittedTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordSessionRestore(outcome string) {
	m := getMetrics()
	m.sessionRestoresTotal.WithLabelValues(outcome).Inc()
}

func RecordSnapshotLoad(duration time.Duration) {
	m := getMetrics()
	m.snapshotLoadDuration.Observe(duration.Seconds())
}

func RecordSnapshotSave(duration time.Duration) {
	m := getMetrics()
	m.snapshotSaveDuration.Observe(duration.Seconds())
}

func RecordHistoryAppend(duration time.Duration) {
	m := getMetrics()
	m.historyAppendDuration.Observe(duration.Seconds())
}

func RecordHistoryList(duration time.Duration) {
	m := getMetrics()
	m.historyListDuration.Observe(duration.Seconds())
}

func RecordRun(duration time.Duration, status string) {
	m := getMetrics()
	m.runTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func RecordStepEmitted(stepType string) {
	m := getMetrics()
	m.stepsEmittedTotal.WithLabelValues(stepType).Inc()
}
