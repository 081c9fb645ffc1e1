// Package metrics holds the Prometheus collectors for the chat server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Room metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_rooms_active",
			Help: "Rooms with a running actor",
		},
	)

	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_connections_open",
			Help: "Open participant connections across all rooms",
		},
	)

	ClientEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_client_events_total",
			Help: "Client events received by rooms",
		},
		[]string{"kind", "outcome"}, // applied, invalid, unauthorized, stale, failed
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_broadcasts_total",
			Help: "Server events fanned out by rooms",
		},
		[]string{"kind"},
	)

	CacheLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_cache_loads_total",
			Help: "Room message cache loads from storage",
		},
		[]string{"outcome"},
	)

	SlowConsumerDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_slow_consumer_disconnects_total",
			Help: "Connections closed because their outbound queue was full",
		},
	)

	AgentLifecycleCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_agent_lifecycle_calls_total",
			Help: "Agent attach and detach requests issued by rooms",
		},
		[]string{"action", "outcome"},
	)

	// Agent metrics
	AgentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_agents_connected",
			Help: "Agents currently connected to a room",
		},
	)

	AgentResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_agent_responses_total",
			Help: "Agent response generations by outcome",
		},
		[]string{"outcome"}, // completed, failed, skipped
	)

	AgentEditsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_agent_edits_sent_total",
			Help: "Streaming edits sent by agents",
		},
	)

	CompletionChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_completion_chunks_total",
			Help: "Completion stream chunks received",
		},
	)

	CompletionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomchat_completion_duration_seconds",
			Help:    "Time from completion request to stream end",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Auth metrics
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_tokens_issued_total",
			Help: "Connection token issuance attempts",
		},
		[]string{"outcome"}, // issued, rate_limited, forbidden, failed
	)
)
