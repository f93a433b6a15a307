// Package telemetry defines the Prometheus collectors exported by nexusd:
// decision lifecycle counters, attestation queue depth, and XRPL witness
// pipeline outcomes.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexusctl/core/pkg/decision"
)

// Metrics holds every collector the control plane registers. Fields are
// exported so callers (such as cmd/nexusd's witness loop) can reference them
// directly rather than going through a getter per metric.
type Metrics struct {
	DecisionsCreated   prometheus.Counter
	EventsAppended     *prometheus.CounterVec
	ApprovalsGranted   prometheus.Counter
	ExecutionsStarted  prometheus.Counter
	ExecutionsFailed   prometheus.Counter
	AttestationQueued  prometheus.Counter
	AttestationPending prometheus.Gauge
	ReceiptsByStatus   *prometheus.CounterVec
	XRPLSubmitLatency  prometheus.Histogram
}

// New builds the Metrics set and registers every collector against
// registerer. Registration failure (a duplicate collector name) is returned
// rather than panicking, since a caller may retry construction in tests.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		DecisionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexusctl_decisions_created_total",
			Help: "Number of decision aggregates created.",
		}),
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexusctl_events_appended_total",
			Help: "Number of events appended, by event type.",
		}, []string{"event_type"}),
		ApprovalsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexusctl_approvals_granted_total",
			Help: "Number of APPROVAL_GRANTED events appended.",
		}),
		ExecutionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexusctl_executions_started_total",
			Help: "Number of EXECUTION_STARTED events appended.",
		}),
		ExecutionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexusctl_executions_failed_total",
			Help: "Number of EXECUTION_FAILED events appended.",
		}),
		AttestationQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexusctl_attestation_intents_queued_total",
			Help: "Number of attestation intents enqueued.",
		}),
		AttestationPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexusctl_attestation_intents_pending",
			Help: "Number of attestation intents currently PENDING or DEFERRED.",
		}),
		ReceiptsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexusctl_attestation_receipts_total",
			Help: "Number of attestation receipts recorded, by resulting status.",
		}, []string{"status"}),
		XRPLSubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexusctl_xrpl_submit_latency_seconds",
			Help:    "Latency of XRPL submit calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		m.DecisionsCreated,
		m.EventsAppended,
		m.ApprovalsGranted,
		m.ExecutionsStarted,
		m.ExecutionsFailed,
		m.AttestationQueued,
		m.AttestationPending,
		m.ReceiptsByStatus,
		m.XRPLSubmitLatency,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveEvent increments the event-type counter and the narrower
// milestone counters the dashboards key off of directly.
func (m *Metrics) ObserveEvent(eventType decision.EventType) {
	m.EventsAppended.WithLabelValues(string(eventType)).Inc()
	switch eventType {
	case decision.EventApprovalGranted:
		m.ApprovalsGranted.Inc()
	case decision.EventExecutionStarted:
		m.ExecutionsStarted.Inc()
	case decision.EventExecutionFailed:
		m.ExecutionsFailed.Inc()
	}
}
