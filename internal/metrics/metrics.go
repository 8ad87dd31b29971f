package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service.
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// RoutingLookups counts segment resolutions by outcome: hit, external, fallback, geometric.
	RoutingLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routing_lookups_total", Help: "Segment lookups by outcome."},
		[]string{"outcome"},
	)
	// RoutingLatency tracks external routing call latency in seconds.
	RoutingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "routing_lookup_duration_seconds", Help: "External routing lookup latency in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}},
	)

	// OptimizerRuns counts finished search runs by status.
	OptimizerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimizer_runs_total", Help: "Optimizer runs by final status."},
		[]string{"status"},
	)
	OptimizerGenerations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "optimizer_generations_total", Help: "Generations completed across all runs."},
	)
	OptimizerEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "optimizer_evaluations_total", Help: "Chromosome evaluations across all runs."},
	)
	OptimizerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "optimizer_run_duration_seconds", Help: "Wall time of optimizer runs.", Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900}},
	)
	// JobsActive is the number of optimization jobs currently running.
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "jobs_active", Help: "Optimization jobs currently running."},
	)

	// WebhookDeliveries counts job callback delivery outcomes by status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Job callback deliveries by status."},
		[]string{"status"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(RoutingLookups)
		Registry.MustRegister(RoutingLatency)
		Registry.MustRegister(OptimizerRuns)
		Registry.MustRegister(OptimizerGenerations)
		Registry.MustRegister(OptimizerEvaluations)
		Registry.MustRegister(OptimizerDuration)
		Registry.MustRegister(JobsActive)
		Registry.MustRegister(WebhookDeliveries)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
