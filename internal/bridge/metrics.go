package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_pages_connected",
		Help: "Pages currently connected over the bridge",
	})

	metricInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_inbound_messages_total",
		Help: "Messages received from pages by type",
	}, []string{"type"})

	metricInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_invalid_messages_total",
		Help: "Page messages that could not be decoded",
	})

	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_commands_total",
		Help: "Commands sent to pages by type",
	}, []string{"type"})

	metricCommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_command_errors_total",
		Help: "Commands that could not be written to the page",
	}, []string{"type"})

	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_rejected_total",
		Help: "Page connections refused before the handshake",
	}, []string{"reason"})
)
