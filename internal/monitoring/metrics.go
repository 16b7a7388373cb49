package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the game server.
// Scraped at /metrics; exported vars are updated from the owning packages.
var (
	// WebSocket connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kolmodin_ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kolmodin_ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmodin_ws_connections_rejected_total",
		Help: "Connection attempts rejected before upgrade, by reason",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmodin_ws_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	// Client message metrics
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kolmodin_ws_messages_sent_total",
		Help: "Total number of frames sent to WebSocket clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kolmodin_ws_messages_received_total",
		Help: "Total number of frames received from WebSocket clients",
	})

	SendQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kolmodin_ws_send_queue_drops_total",
		Help: "Downstream frames dropped because a client send queue was full",
	})

	// Lobby metrics
	LobbiesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kolmodin_lobbies_active",
		Help: "Current number of live lobbies",
	})

	LobbiesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kolmodin_lobbies_created_total",
		Help: "Total lobbies created via the HTTP API",
	})

	LobbiesClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmodin_lobbies_closed_total",
		Help: "Total lobbies closed, by reason",
	}, []string{"reason"})

	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kolmodin_lobby_broadcast_fanout",
		Help:    "Number of clients per lobby broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	// Twitch upstream metrics
	ChannelAgentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kolmodin_twitch_channel_agents_active",
		Help: "Current number of live channel agents",
	})

	ChatMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kolmodin_twitch_chat_messages_total",
		Help: "Total PRIVMSG lines fanned out to subscribers",
	})

	SubscribersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kolmodin_twitch_subscribers_evicted_total",
		Help: "Subscribers evicted because their chat queue was full",
	})

	IRCReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kolmodin_twitch_reconnects_total",
		Help: "IRC connection attempts after the first, per process",
	})

	IRCAuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kolmodin_twitch_auth_failures_total",
		Help: "IRC authentication failures observed",
	})

	HealthPings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmodin_twitch_health_pings_total",
		Help: "Health PINGs sent on the IRC connection, by trigger",
	}, []string{"trigger"})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kolmodin_twitch_token_refreshes_total",
		Help: "App token refresh attempts, by outcome",
	}, []string{"outcome"})

	// System metrics
	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kolmodin_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kolmodin_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kolmodin_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsRejected)
	prometheus.MustRegister(DisconnectsTotal)

	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(SendQueueDrops)

	prometheus.MustRegister(LobbiesActive)
	prometheus.MustRegister(LobbiesCreated)
	prometheus.MustRegister(LobbiesClosed)
	prometheus.MustRegister(BroadcastFanout)

	prometheus.MustRegister(ChannelAgentsActive)
	prometheus.MustRegister(ChatMessagesTotal)
	prometheus.MustRegister(SubscribersEvicted)
	prometheus.MustRegister(IRCReconnects)
	prometheus.MustRegister(IRCAuthFailures)
	prometheus.MustRegister(HealthPings)
	prometheus.MustRegister(TokenRefreshes)

	prometheus.MustRegister(CPUUsagePercent)
	prometheus.MustRegister(MemoryUsageBytes)
	prometheus.MustRegister(GoroutinesActive)
}

// HandleMetrics serves Prometheus metrics at the /metrics endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
