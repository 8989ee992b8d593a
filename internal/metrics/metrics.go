package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks governance operation outcomes on a private registry.
type Collector struct {
	registry          *prometheus.Registry
	operations        *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	deployments       *prometheus.CounterVec
	versionConflicts  prometheus.Counter
	operationDuration prometheus.Histogram
}

// NewCollector creates a collector with its own registry so tests can
// instantiate it repeatedly without duplicate registration panics.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		operations: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "governance_operations_total",
			Help: "Governance operations by name and outcome",
		}, []string{"operation", "outcome"}),
		transitions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "rule_transitions_total",
			Help: "Rule status transitions by source and target status",
		}, []string{"from", "to"}),
		deployments: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ruleset_deployments_total",
			Help: "Ruleset deployments by environment and action",
		}, []string{"environment", "action"}),
		versionConflicts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "version_conflicts_total",
			Help: "Optimistic concurrency conflicts surfaced to callers",
		}),
		operationDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "governance_operation_duration_seconds",
			Help:    "Time taken by governance operations",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordOperation counts one operation and its latency.
func (c *Collector) RecordOperation(operation string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.operations.WithLabelValues(operation, outcome).Inc()
	c.operationDuration.Observe(duration.Seconds())
}

// RecordTransition counts one successful rule status transition.
func (c *Collector) RecordTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

// RecordDeployment counts one deploy or undeploy.
func (c *Collector) RecordDeployment(environment, action string) {
	c.deployments.WithLabelValues(environment, action).Inc()
}

// RecordVersionConflict counts one optimistic concurrency conflict.
func (c *Collector) RecordVersionConflict() {
	c.versionConflicts.Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
