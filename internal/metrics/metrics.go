// Package metrics exposes prometheus collectors for the call stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcall_calls_total",
			Help: "Calls that left the live states, by role and end reason",
		},
		[]string{"role", "reason"},
	)
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcall_state_transitions_total",
			Help: "Call session state transitions",
		},
		[]string{"from", "to"},
	)
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtcall_transport_retries_total",
		Help: "Transport rebuilds after a failed connection state",
	})
	signalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcall_signaling_events_total",
			Help: "Signaling events by direction and type",
		},
		[]string{"direction", "type"},
	)
	droppedSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcall_signaling_dropped_total",
			Help: "Signaling events dropped as malformed, duplicate or stale",
		},
		[]string{"reason"},
	)
	rttSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtcall_connection_rtt_seconds",
		Help: "Last sampled round-trip time of the active call",
	})
	qualityLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtcall_connection_quality",
		Help: "Connection quality (0=unknown, 1=failed, 2=poor, 3=good, 4=excellent)",
	})
)

// Transition records a state change.
func Transition(from, to string) { transitionsTotal.WithLabelValues(from, to).Inc() }

// CallFinished records a session that reached a terminal state.
func CallFinished(role, reason string) { callsTotal.WithLabelValues(role, reason).Inc() }

// Retry records one transport rebuild.
func Retry() { retriesTotal.Inc() }

// SignalSent records an outgoing signaling event.
func SignalSent(typ string) { signalsTotal.WithLabelValues("out", typ).Inc() }

// SignalReceived records an incoming signaling event.
func SignalReceived(typ string) { signalsTotal.WithLabelValues("in", typ).Inc() }

// SignalDropped records an event that was not applied.
func SignalDropped(reason string) { droppedSignalsTotal.WithLabelValues(reason).Inc() }

// ObserveRTT records the last round-trip sample.
func ObserveRTT(seconds float64) { rttSeconds.Set(seconds) }

// SetQuality records the current quality classification score.
func SetQuality(score int) { qualityLevel.Set(float64(score)) }
