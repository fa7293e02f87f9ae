package tts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ttsSynthesisTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_synthesis_total",
		Help: "Total TTS synthesis requests by status",
	}, []string{"status"})

	ttsTotalDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_total_duration_ms",
		Help:    "Total TTS synthesis time in milliseconds",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 12),
	})

	ttsAudioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_audio_bytes_total",
		Help: "Total synthesized audio bytes received",
	})

	statusLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_status_lookups_total",
		Help: "Assistant status lookups by source",
	}, []string{"source"})
)
