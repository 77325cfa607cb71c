package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of currently registered clients",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total client lines processed by command type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each client line by command type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	RejectedConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rejected_connections_total",
		Help: "Connections denied before registration by reason",
	}, []string{"reason"})

	HistoryMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_history_messages",
		Help: "Number of messages currently retained for catchup",
	})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(RejectedConnections)
	prometheus.MustRegister(HistoryMessages)
}
