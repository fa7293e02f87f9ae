package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_starts_total",
		Help: "Captures started by strategy",
	}, []string{"strategy"})

	metricFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_fallbacks_total",
		Help: "Primary capture failures that fell through to the fallback",
	})

	metricStartCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_start_coalesced_total",
		Help: "Start requests dropped because another start was in flight",
	})

	metricAnalyserFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_analyser_fallback_total",
		Help: "Captures gated by fixed timeout because no analyser was available",
	})

	metricUtterances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_utterances_total",
		Help: "Utterances handed on for transcription or dispatch",
	})

	metricDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_discarded_total",
		Help: "Captures discarded because no speech was detected",
	})

	metricErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_errors_total",
		Help: "Capture errors by strategy",
	}, []string{"strategy"})

	metricStopTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_stop_timeouts_total",
		Help: "Finalized captures whose recorder never reported stop",
	})

	gaugeOpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_sessions_open",
		Help: "Open microphone capture sessions",
	})
)
