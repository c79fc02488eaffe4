package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whispr_messages_ingested_total",
			Help: "Chat events accepted by the ingest handler",
		},
		[]string{"type"},
	)

	IngestFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whispr_ingest_fallback_total",
			Help: "Chat events delivered through the direct persist+broadcast path",
		},
	)

	IngestRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whispr_ingest_rejected_total",
			Help: "Chat events rejected before publish",
		},
		[]string{"reason"},
	)

	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whispr_messages_persisted_total",
			Help: "Messages written to the relational store",
		},
	)

	DuplicateDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whispr_duplicate_deliveries_total",
			Help: "Relay redeliveries that mapped onto an existing message",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whispr_persist_failures_total",
			Help: "Chat events forwarded unsaved after the store kept failing",
		},
	)

	RelayPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whispr_relay_publish_errors_total",
			Help: "Relay publish failures",
		},
		[]string{"topic"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whispr_cache_lookups_total",
			Help: "Recent-message cache lookups",
		},
		[]string{"result"}, // "hit", "miss" or "error"
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whispr_broadcasts_total",
			Help: "Fan-out sends by topic kind",
		},
		[]string{"kind"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whispr_active_connections",
			Help: "Open websocket connections on this instance",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whispr_online_users",
			Help: "Users with at least one live session, as last observed by this instance",
		},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whispr_presence_transitions_total",
			Help: "Users flipping online or offline",
		},
		[]string{"state"},
	)
)
