package api

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the HTTP request metrics. A nil *Metrics records nothing.
type Metrics struct {
	Requests *prometheus.CounterVec   // telefile_http_requests_total{method,route,status}
	Duration *prometheus.HistogramVec // telefile_http_request_duration_seconds{method,route}
}

// NewMetrics registers the HTTP metrics with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telefile_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telefile_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, including streamed bodies",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) observe(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.Duration.WithLabelValues(method, route).Observe(d.Seconds())
}
