// Package observability exposes Prometheus instruments for the call
// mediation runtime and a small in-memory rolling window for the
// latency stages diagnostics surfaces without scraping Prometheus.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls        prometheus.Gauge
	CallEvents         *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	TransitionsBlocked *prometheus.CounterVec
	CallOutcomes       *prometheus.CounterVec
	TransferOutcomes   *prometheus.CounterVec
	ToolInvocations    *prometheus.CounterVec
	ProviderReconnects prometheus.Counter
	ProviderErrors     *prometheus.CounterVec
	PacerQueueDepth    prometheus.Histogram
	FirstAudioLatency  prometheus.Histogram
	CallDuration       prometheus.Histogram
	TurnStageLatency   *prometheus.HistogramVec
	turnStageWindow    *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently mediated.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by kind.",
		}, []string{"event"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Call state machine transitions by trigger and resulting state.",
		}, []string{"trigger", "state"}),
		TransitionsBlocked: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_blocked_total",
			Help:      "Call state machine triggers rejected by a transition guard.",
		}, []string{"trigger", "state"}),
		CallOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Finished calls by outcome.",
		}, []string{"outcome"}),
		TransferOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_outcomes_total",
			Help:      "Warm transfer attempts by completion and fallback action.",
		}, []string{"completed", "fallback"}),
		ToolInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool name and result.",
		}, []string{"tool", "result"}),
		ProviderReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_reconnects_total",
			Help:      "Streaming speech model reconnect attempts.",
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Streaming speech model errors by code.",
		}, []string{"code"}),
		PacerQueueDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pacer_queue_depth_frames",
			Help:      "Outbound audio pacer queue depth in frames, sampled on enqueue.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from call connected to first assistant audio chunk, in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Total call duration in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		TurnStageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Call-turn stage latency in milliseconds.",
			Buckets:   []float64{20, 50, 100, 150, 250, 400, 700, 1200, 2000, 4000, 7000, 10000, 30000},
		}, []string{"stage"}),
		turnStageWindow: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil || m.FirstAudioLatency == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveCallDuration(d time.Duration) {
	if m == nil || m.CallDuration == nil {
		return
	}
	m.CallDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil || m.TurnStageLatency == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.turnStageWindow.Observe(stage, ms)
}

func (m *Metrics) ActiveCallStarted() {
	if m == nil || m.ActiveCalls == nil {
		return
	}
	m.ActiveCalls.Inc()
}

func (m *Metrics) ActiveCallEnded() {
	if m == nil || m.ActiveCalls == nil {
		return
	}
	m.ActiveCalls.Dec()
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil || m.turnStageWindow == nil {
		return
	}
	m.turnStageWindow.ObserveIndicator(name)
}

func (m *Metrics) ObserveCallEvent(event string) {
	if m == nil || m.CallEvents == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveStateTransition(trigger, state string) {
	if m == nil || m.StateTransitions == nil {
		return
	}
	m.StateTransitions.WithLabelValues(trigger, state).Inc()
}

func (m *Metrics) ObserveTransitionBlocked(trigger, state string) {
	if m == nil || m.TransitionsBlocked == nil {
		return
	}
	m.TransitionsBlocked.WithLabelValues(trigger, state).Inc()
	m.turnStageWindow.ObserveIndicator("transition_blocked:" + trigger)
}

func (m *Metrics) ObserveCallOutcome(outcome string) {
	if m == nil || m.CallOutcomes == nil {
		return
	}
	m.CallOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransferOutcome(completed bool, fallback string) {
	if m == nil || m.TransferOutcomes == nil {
		return
	}
	m.TransferOutcomes.WithLabelValues(boolLabel(completed), fallback).Inc()
}

func (m *Metrics) ObserveToolInvocation(tool string, success bool) {
	if m == nil || m.ToolInvocations == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, resultLabel(success)).Inc()
}

func (m *Metrics) ObserveProviderReconnect() {
	if m == nil || m.ProviderReconnects == nil {
		return
	}
	m.ProviderReconnects.Inc()
}

func (m *Metrics) ObserveProviderError(code string) {
	if m == nil || m.ProviderErrors == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObservePacerQueueDepth(depth int) {
	if m == nil || m.PacerQueueDepth == nil {
		return
	}
	m.PacerQueueDepth.Observe(float64(depth))
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil || m.turnStageWindow == nil {
		return TurnStageSnapshot{}
	}
	return m.turnStageWindow.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil || m.turnStageWindow == nil {
		return
	}
	m.turnStageWindow.Reset()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
