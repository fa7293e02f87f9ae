package stt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAudioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_audio_bytes_total",
		Help: "Total audio bytes uploaded for transcription",
	})

	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_requests_total",
		Help: "Transcription requests by status",
	}, []string{"status"})

	metricLatencyMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stt_latency_ms",
		Help:    "Transcription round-trip latency (ms)",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	metricEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_empty_transcripts_total",
		Help: "Transcriptions that returned no text",
	})
)
