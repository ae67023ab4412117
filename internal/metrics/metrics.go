// Package metrics exposes the engine's Prometheus instruments. A Registry is
// optional: the engine runs without one and every instrument call is guarded
// by the caller.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the engine instruments on a dedicated Prometheus registry
// so multiple engines in one process do not collide.
type Registry struct {
	registry *prometheus.Registry

	InstancesStarted   prometheus.Counter
	InstancesCompleted prometheus.Counter
	InstancesFailed    prometheus.Counter

	InclusiveJoinsFired prometheus.Counter
	RejectsByStrategy   *prometheus.CounterVec

	compensationTotal    *prometheus.CounterVec
	compensationDuration *prometheus.HistogramVec
}

func NewRegistry(engineName string) *Registry {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"engine": engineName}

	r := &Registry{
		registry: registry,
		InstancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flow_instances_started_total",
			Help:        "Process instances started.",
			ConstLabels: labels,
		}),
		InstancesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flow_instances_completed_total",
			Help:        "Process instances that reached completion.",
			ConstLabels: labels,
		}),
		InstancesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flow_instances_failed_total",
			Help:        "Process instances that failed.",
			ConstLabels: labels,
		}),
		InclusiveJoinsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flow_inclusive_joins_fired_total",
			Help:        "Inclusive join gateways that merged their branches.",
			ConstLabels: labels,
		}),
		RejectsByStrategy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flow_task_rejects_total",
			Help:        "Multi-instance task rejections by resolution strategy.",
			ConstLabels: labels,
		}, []string{"strategy"}),
		compensationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flow_compensations_total",
			Help:        "Compensation handler executions by activity type and outcome.",
			ConstLabels: labels,
		}, []string{"activity_type", "outcome"}),
		compensationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "flow_compensation_duration_seconds",
			Help:        "Compensation handler execution time.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"activity_type"}),
	}
	registry.MustRegister(
		r.InstancesStarted,
		r.InstancesCompleted,
		r.InstancesFailed,
		r.InclusiveJoinsFired,
		r.RejectsByStrategy,
		r.compensationTotal,
		r.compensationDuration,
	)
	return r
}

// ObserveCompensation records one compensation handler execution.
func (r *Registry) ObserveCompensation(activityType string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.compensationTotal.WithLabelValues(activityType, outcome).Inc()
	r.compensationDuration.WithLabelValues(activityType).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
