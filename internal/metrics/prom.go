package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"taskworker/internal/exitcode"
)

type PromMetrics struct {
	claimed           prometheus.Counter
	finished          *prometheus.CounterVec
	dependencyWaits   prometheus.Counter
	transferFailures  prometheus.Counter
	heartbeatFailures prometheus.Counter
	reaped            *prometheus.CounterVec
	processingLatency prometheus.Histogram
}

func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {

	m := &PromMetrics{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskworker_tasks_claimed_total",
			Help: "Number of claimed tasks",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskworker_tasks_finished_total",
			Help: "Number of finalized tasks by outcome code",
		}, []string{"code", "outcome"}),
		dependencyWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskworker_dependency_waits_total",
			Help: "Number of poll cycles spent waiting on an unfinished dependency",
		}),
		transferFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskworker_transfer_failures_total",
			Help: "Number of remote files that could not be mirrored",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskworker_heartbeat_failures_total",
			Help: "Number of failed heartbeat writes",
		}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskworker_tasks_reaped_total",
			Help: "Number of stale tasks handled by the reaper",
		}, []string{"action"}),
		processingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskworker_processing_duration_seconds",
			Help:    "Time from task start to finalization",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
	reg.MustRegister(m.claimed, m.finished, m.dependencyWaits, m.transferFailures, m.heartbeatFailures, m.reaped, m.processingLatency)
	return m
}

func (m *PromMetrics) TaskClaimed() {
	m.claimed.Inc()
}
func (m *PromMetrics) TaskFinished(code exitcode.Code) {
	outcome := "failed"
	if code.Succeeded() {
		outcome = "succeeded"
	}
	m.finished.WithLabelValues(strconv.Itoa(int(code)), outcome).Inc()
}
func (m *PromMetrics) DependencyWait() {
	m.dependencyWaits.Inc()
}
func (m *PromMetrics) TransferFailures(n int) {
	m.transferFailures.Add(float64(n))
}
func (m *PromMetrics) HeartbeatFailed() {
	m.heartbeatFailures.Inc()
}
func (m *PromMetrics) ProcessingLatency(d time.Duration) {
	m.processingLatency.Observe(d.Seconds())
}
func (m *PromMetrics) TasksReaped(failed, released int64) {
	m.reaped.WithLabelValues("failed").Add(float64(failed))
	m.reaped.WithLabelValues("released").Add(float64(released))
}

var (
	_ WorkerMetrics = (*PromMetrics)(nil)
	_ WorkerMetrics = NopMetrics{}
)
