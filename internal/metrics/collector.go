package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xd009642/murk/internal/logger"
)

// Collector holds Prometheus metrics for the load test driver
type Collector struct {
	RequestDuration  *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec
	RequestsTimedOut *prometheus.CounterVec
	ActiveWorkers    prometheus.Gauge
	CurrentLevel     prometheus.Gauge
}

// NewCollector creates a new metrics collector with Prometheus metrics
func NewCollector() *Collector {
	return &Collector{
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "murk_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"run_id", "method", "status"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murk_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"run_id", "method", "status"},
		),
		RequestsTimedOut: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murk_requests_timed_out_total",
				Help: "Total number of requests that hit the per-request timeout",
			},
			[]string{"run_id", "method"},
		),
		ActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "murk_active_workers",
				Help: "Number of currently active workers",
			},
		),
		CurrentLevel: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "murk_concurrency_level",
				Help: "Concurrency level of the ramp step in progress",
			},
		),
	}
}

// RecordRequest records a request metric
func (c *Collector) RecordRequest(runID, method, status string, durationSec float64, timedOut bool) {
	if timedOut {
		c.RequestsTimedOut.WithLabelValues(runID, method).Inc()
		return
	}
	c.RequestDuration.WithLabelValues(runID, method, status).Observe(durationSec)
	c.RequestsTotal.WithLabelValues(runID, method, status).Inc()
}

// SetActiveWorkers sets the number of active workers
func (c *Collector) SetActiveWorkers(count int) {
	c.ActiveWorkers.Set(float64(count))
}

// SetCurrentLevel sets the concurrency level currently running
func (c *Collector) SetCurrentLevel(level int) {
	c.CurrentLevel.Set(float64(level))
}

// Serve exposes the default registry on addr in the background. Failures are
// logged; metrics are best-effort and never abort a run.
func Serve(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Warn("Metrics listener stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}
