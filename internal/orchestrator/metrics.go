package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_state_transitions_total",
		Help: "Turn state transitions",
	}, []string{"from", "to"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_floor_dropped_total",
		Help: "Floor events ignored by a gate",
	}, []string{"reason"})

	metricStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_stale_results_total",
		Help: "Async results discarded because a newer generation superseded them",
	}, []string{"kind"})

	metricAdvisories = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_advisories_total",
		Help: "User-visible advisories raised",
	}, []string{"code"})

	metricChatErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_chat_errors_total",
		Help: "Chat dispatches answered with the fallback message",
	})

	metricReplyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_reply_latency_ms",
		Help:    "Latency from dispatch to reply (ms)",
		Buckets: prometheus.ExponentialBuckets(100, 1.6, 12),
	})

	metricControllers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_controllers_active",
		Help: "Conversation controllers currently running",
	})
)
