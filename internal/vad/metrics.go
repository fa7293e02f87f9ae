package vad

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_frames_total",
		Help: "Total energy frames evaluated",
	})

	metricSpeechStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_speech_starts_total",
		Help: "Captures in which speech was first detected",
	})

	metricFinalize = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vad_finalize_total",
		Help: "Capture finalizations by reason",
	}, []string{"reason"})
)
