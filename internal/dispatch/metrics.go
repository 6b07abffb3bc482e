package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the dispatch queue.
type Metrics struct {
	QueueDepth    prometheus.Gauge         // telefile_dispatch_queue_depth
	InFlight      prometheus.Gauge         // telefile_dispatch_in_flight
	TasksTotal    *prometheus.CounterVec   // telefile_dispatch_tasks_total{op,result}
	AttemptsTotal *prometheus.CounterVec   // telefile_dispatch_attempts_total{op}
	RetriesTotal  *prometheus.CounterVec   // telefile_dispatch_retries_total{op}
	TaskDuration  *prometheus.HistogramVec // telefile_dispatch_task_duration_seconds{op}
	WaitDuration  *prometheus.HistogramVec // telefile_dispatch_wait_duration_seconds{op}
}

// NewMetrics registers the queue metrics with registry (default registerer if nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "telefile_dispatch_queue_depth",
			Help: "Tasks waiting in the dispatch queue",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "telefile_dispatch_in_flight",
			Help: "1 while a task is executing against the backend",
		}),
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telefile_dispatch_tasks_total",
			Help: "Completed dispatch tasks by operation and result",
		}, []string{"op", "result"}),
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telefile_dispatch_attempts_total",
			Help: "Backend attempts by operation",
		}, []string{"op"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telefile_dispatch_retries_total",
			Help: "Backend retries by operation",
		}, []string{"op"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telefile_dispatch_task_duration_seconds",
			Help:    "Task execution time including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"op"}),
		WaitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telefile_dispatch_wait_duration_seconds",
			Help:    "Time a task spent queued before execution",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"op"}),
	}
}

func (m *Metrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) setInFlight(active bool) {
	if m == nil {
		return
	}
	if active {
		m.InFlight.Set(1)
	} else {
		m.InFlight.Set(0)
	}
}

func (m *Metrics) recordAttempt(op string, retry bool) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(op).Inc()
	if retry {
		m.RetriesTotal.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) recordTask(op string, ok bool, waitSeconds, runSeconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.TasksTotal.WithLabelValues(op, result).Inc()
	m.WaitDuration.WithLabelValues(op).Observe(waitSeconds)
	m.TaskDuration.WithLabelValues(op).Observe(runSeconds)
}
