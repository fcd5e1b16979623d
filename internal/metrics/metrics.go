// Package metrics holds the Prometheus instruments of the engine.
// Every Record method is safe on a nil *Registry so callers can run
// without metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metrics for the engine.
type Registry struct {
	// Dispatch
	NodesTotal   *prometheus.CounterVec
	NodeDuration *prometheus.HistogramVec
	GraphsTotal  *prometheus.CounterVec

	// Polling
	PollChecksTotal *prometheus.CounterVec
	JobsTotal       *prometheus.CounterVec
	JobDuration     prometheus.Histogram

	// Chains
	ChainsTotal   *prometheus.CounterVec
	StepsTotal    *prometheus.CounterVec
	WarningsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initDispatchMetrics()
	r.initPollingMetrics()
	r.initChainMetrics()
	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

func (r *Registry) initDispatchMetrics() {
	r.NodesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_nodes_total",
			Help: "Nodes dispatched, by capability and outcome",
		},
		[]string{"capability", "outcome"},
	)

	r.NodeDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studio_node_duration_seconds",
			Help:    "Wall time from binding to terminal node result",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"capability"},
	)

	r.GraphsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_graphs_total",
			Help: "Graph runs, by outcome",
		},
		[]string{"outcome"},
	)
}

func (r *Registry) initPollingMetrics() {
	r.PollChecksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_poll_checks_total",
			Help: "Job status checks, by observed canonical status",
		},
		[]string{"status"},
	)

	r.JobsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_jobs_total",
			Help: "Async jobs finished polling, by outcome",
		},
		[]string{"outcome"},
	)

	r.JobDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studio_job_duration_seconds",
			Help:    "Time from job creation to the end of polling",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 180, 300, 600},
		},
	)
}

func (r *Registry) initChainMetrics() {
	r.ChainsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_chains_total",
			Help: "Chain runs, by final target status",
		},
		[]string{"status"},
	)

	r.StepsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_steps_total",
			Help: "Chain steps, by final step status",
		},
		[]string{"status"},
	)

	r.WarningsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_warnings_total",
			Help: "Non-fatal bookkeeping failures after successful generation",
		},
		[]string{"source"},
	)
}

// RecordNode records one finished node.
func (r *Registry) RecordNode(capability, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.NodesTotal.WithLabelValues(capability, outcome).Inc()
	r.NodeDuration.WithLabelValues(capability).Observe(d.Seconds())
}

// RecordGraph records one finished graph run.
func (r *Registry) RecordGraph(outcome string) {
	if r == nil {
		return
	}
	r.GraphsTotal.WithLabelValues(outcome).Inc()
}

// RecordPollCheck records one status check.
func (r *Registry) RecordPollCheck(status string) {
	if r == nil {
		return
	}
	r.PollChecksTotal.WithLabelValues(status).Inc()
}

// RecordJob records the end of polling for one job.
func (r *Registry) RecordJob(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.JobsTotal.WithLabelValues(outcome).Inc()
	r.JobDuration.Observe(d.Seconds())
}

// RecordStep records a step reaching a terminal status.
func (r *Registry) RecordStep(status string) {
	if r == nil {
		return
	}
	r.StepsTotal.WithLabelValues(status).Inc()
}

// RecordChain records a chain run reaching a terminal target status.
func (r *Registry) RecordChain(status string) {
	if r == nil {
		return
	}
	r.ChainsTotal.WithLabelValues(status).Inc()
}

// RecordWarning records a non-fatal persistence or storage failure.
func (r *Registry) RecordWarning(source string) {
	if r == nil {
		return
	}
	r.WarningsTotal.WithLabelValues(source).Inc()
}
