// Package metrics exposes Prometheus metrics for the feature pipeline and
// the audit writer.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/erpkernel/erpkernel/internal/domain/kernel"
	"github.com/erpkernel/erpkernel/internal/domain/policy"
	"github.com/erpkernel/erpkernel/internal/service"
)

const namespace = "erpkernel"

// Metrics holds the pipeline metrics. It implements kernel.Observer.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	DecisionsTotal    *prometheus.CounterVec
	AuditWritesTotal  *prometheus.CounterVec
}

// New creates and registers the pipeline metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ExecutionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feature_executions_total",
				Help:      "Total feature invocations by terminal outcome",
			},
			[]string{"feature", "outcome", "kind"}, // outcome=succeeded/failed/misaligned
		),
		ExecutionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feature_execution_duration_seconds",
				Help:      "Feature invocation duration in seconds, audit write included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"feature"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rbac_decisions_total",
				Help:      "Total RBAC decisions",
			},
			[]string{"resource", "action", "result", "rule"}, // result=allow/deny
		),
		AuditWritesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_writes_total",
				Help:      "Total audit event writes by result",
			},
			[]string{"result"}, // result=ok/error/timeout
		),
	}
}

// ObserveDecision counts one RBAC decision.
func (m *Metrics) ObserveDecision(resource, action string, decision policy.Decision) {
	result := "deny"
	if decision.Allowed {
		result = "allow"
	}
	m.DecisionsTotal.WithLabelValues(resource, action, result, decision.Rule).Inc()
}

// ObserveExecution counts one finished invocation and records its duration.
// Misaligned calls never ran and are not timed.
func (m *Metrics) ObserveExecution(feature, outcome string, kind kernel.Kind, elapsed time.Duration) {
	m.ExecutionsTotal.WithLabelValues(feature, outcome, string(kind)).Inc()
	if outcome == "misaligned" {
		return
	}
	m.ExecutionDuration.WithLabelValues(feature).Observe(elapsed.Seconds())
}

// ObserveAuditWrite counts one audit write attempt.
func (m *Metrics) ObserveAuditWrite(err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, kernel.ErrTimedOut):
		result = "timeout"
	default:
		result = "error"
	}
	m.AuditWritesTotal.WithLabelValues(result).Inc()
}

// AuditQueue is the view of the audit writer the metrics read on scrape.
type AuditQueue interface {
	QueueDepth() int
	QueueCapacity() int
	Rejected() int64
	Batches() int64
	Written() int64
}

// RegisterAuditQueue registers scrape-time metrics reading q.
func RegisterAuditQueue(reg prometheus.Registerer, q AuditQueue) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "audit_queue_depth",
		Help:      "Submissions waiting for the audit writer",
	}, func() float64 { return float64(q.QueueDepth()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "audit_queue_capacity",
		Help:      "Capacity of the audit submission queue",
	}, func() float64 { return float64(q.QueueCapacity()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_rejections_total",
		Help:      "Audit submissions refused because the queue stayed full",
	}, func() float64 { return float64(q.Rejected()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_batches_total",
		Help:      "Batch writes attempted by the audit writer",
	}, func() float64 { return float64(q.Batches()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_events_written_total",
		Help:      "Audit events accepted by the store",
	}, func() float64 { return float64(q.Written()) })
}

var (
	_ kernel.Observer = (*Metrics)(nil)
	_ AuditQueue      = (*service.AuditService)(nil)
)
