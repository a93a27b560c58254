// Package metrics exposes Prometheus collectors reporting dispatch activity:
// webhook traffic, dedup effectiveness, state transitions, pipeline phase
// durations, notifier failures, and verdict parse health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the orchestrator records into.
type Metrics struct {
	webhooksReceived  *prometheus.CounterVec
	webhooksRejected  *prometheus.CounterVec
	dedupHits         *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	transitionsStale  prometheus.Counter
	phaseDuration     *prometheus.HistogramVec
	dispatchesActive  prometheus.Gauge
	notifyFailures    *prometheus.CounterVec
	verdictParseFails prometheus.Counter
	agentRuns         *prometheus.CounterVec
}

// Nop returns a Metrics whose recorders are all nil-safe no-ops. Components
// take *Metrics and never nil-check per call.
func Nop() *Metrics {
	return &Metrics{}
}

// MustNew constructs the collector set on the given registerer. Registration
// conflicts reuse the existing collector; any other registration error is a
// configuration bug and panics, matching promauto semantics. Pass a fresh
// prometheus.NewRegistry() in tests.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	webhooksReceived := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook events received, by tracker event type.",
		},
		[]string{"type"},
	)
	webhooksRejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Webhook requests rejected before handling.",
		},
		[]string{"reason"},
	)
	dedupHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Subsystem: "webhook",
			Name:      "dedup_hits_total",
			Help:      "Duplicate events suppressed, by dedup layer.",
		},
		[]string{"layer"},
	)
	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Subsystem: "dispatch",
			Name:      "transitions_total",
			Help:      "Dispatch state transitions committed.",
		},
		[]string{"from", "to"},
	)
	transitionsStale := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Subsystem: "dispatch",
			Name:      "transitions_stale_total",
			Help:      "CAS transitions rejected because another handler advanced first.",
		},
	)
	phaseDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clawd",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of pipeline phases.",
			Buckets:   []float64{1, 5, 15, 60, 180, 600, 1800, 3600},
		},
		[]string{"phase", "outcome"},
	)
	dispatchesActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clawd",
			Subsystem: "dispatch",
			Name:      "active",
			Help:      "Dispatches currently in a non-terminal state.",
		},
	)
	notifyFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Notification deliveries that failed, by channel.",
		},
		[]string{"channel"},
	)
	verdictParseFails := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Subsystem: "pipeline",
			Name:      "verdict_parse_failures_total",
			Help:      "Audit outputs with no parseable verdict.",
		},
	)
	agentRuns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Sub-agent runs, by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	collectors := []prometheus.Collector{
		webhooksReceived, webhooksRejected, dedupHits, transitions,
		transitionsStale, phaseDuration, dispatchesActive, notifyFailures,
		verdictParseFails, agentRuns,
	}
	for i, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			collectors[i] = already.ExistingCollector
		}
	}

	return &Metrics{
		webhooksReceived:  collectors[0].(*prometheus.CounterVec),
		webhooksRejected:  collectors[1].(*prometheus.CounterVec),
		dedupHits:         collectors[2].(*prometheus.CounterVec),
		transitions:       collectors[3].(*prometheus.CounterVec),
		transitionsStale:  collectors[4].(prometheus.Counter),
		phaseDuration:     collectors[5].(*prometheus.HistogramVec),
		dispatchesActive:  collectors[6].(prometheus.Gauge),
		notifyFailures:    collectors[7].(*prometheus.CounterVec),
		verdictParseFails: collectors[8].(prometheus.Counter),
		agentRuns:         collectors[9].(*prometheus.CounterVec),
	}
}

// WebhookReceived counts one accepted webhook event.
func (m *Metrics) WebhookReceived(eventType string) {
	if m == nil || m.webhooksReceived == nil {
		return
	}
	m.webhooksReceived.WithLabelValues(eventType).Inc()
}

// WebhookRejected counts one request rejected before handling.
func (m *Metrics) WebhookRejected(reason string) {
	if m == nil || m.webhooksRejected == nil {
		return
	}
	m.webhooksRejected.WithLabelValues(reason).Inc()
}

// DedupHit counts one suppressed duplicate, labeled with the layer that
// caught it (active_runs, viewer, processed_events, recent_ttl).
func (m *Metrics) DedupHit(layer string) {
	if m == nil || m.dedupHits == nil {
		return
	}
	m.dedupHits.WithLabelValues(layer).Inc()
}

// TransitionCommitted counts one successful CAS transition.
func (m *Metrics) TransitionCommitted(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// TransitionStale counts one CAS rejected by contention.
func (m *Metrics) TransitionStale() {
	if m == nil || m.transitionsStale == nil {
		return
	}
	m.transitionsStale.Inc()
}

// ObservePhase records how long one pipeline phase ran.
func (m *Metrics) ObservePhase(phase, outcome string, d time.Duration) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// SetActiveDispatches reports the current active dispatch count.
func (m *Metrics) SetActiveDispatches(n int) {
	if m == nil || m.dispatchesActive == nil {
		return
	}
	m.dispatchesActive.Set(float64(n))
}

// NotifyFailure counts one failed notification delivery.
func (m *Metrics) NotifyFailure(channel string) {
	if m == nil || m.notifyFailures == nil {
		return
	}
	m.notifyFailures.WithLabelValues(channel).Inc()
}

// VerdictParseFailure counts one inconclusive audit.
func (m *Metrics) VerdictParseFailure() {
	if m == nil || m.verdictParseFails == nil {
		return
	}
	m.verdictParseFails.Inc()
}

// AgentRun counts one sub-agent execution.
func (m *Metrics) AgentRun(backend, outcome string) {
	if m == nil || m.agentRuns == nil {
		return
	}
	m.agentRuns.WithLabelValues(backend, outcome).Inc()
}
