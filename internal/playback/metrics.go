package playback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSpeak = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playback_speak_total",
		Help: "Speak calls by outcome",
	}, []string{"outcome"})

	metricFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_local_fallback_total",
		Help: "Remote speech attempts that fell back to local synthesis",
	})

	metricReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_replaced_total",
		Help: "Playbacks torn down because a newer one started",
	})

	metricActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playback_slots_active",
		Help: "Playback slots currently held across pages",
	})
)
