package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const messageTypeUnknown = "unknown"

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treesync_active_connections",
		Help: "Number of open sync connections.",
	})
	inboundMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treesync_inbound_messages_total",
		Help: "Client messages received, by message type.",
	}, []string{"type"})
)

func inboundLabel(messageType string) string {
	switch messageType {
	case typeTrees, typePull, typePush, typePullHistoryMeta, typePullHistory, typeSetLanguage:
		return messageType
	default:
		return messageTypeUnknown
	}
}
