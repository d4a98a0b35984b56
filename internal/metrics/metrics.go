package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soractic_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soractic_connections_active",
			Help: "WebSocket connections currently in Joined state",
		},
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_connections_closed_total",
			Help: "Connections closed, by reason",
		},
		[]string{"reason"},
	)

	// Authorization metrics
	AuthorizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "soractic_authorize_duration_seconds",
			Help:    "Access gate decision latency, including verifier calls",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	GrantCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_grant_cache_lookups_total",
			Help: "Grant cache lookups, by outcome",
		},
		[]string{"outcome"}, // "hit" or "miss"
	)

	GrantsPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_grants_purged_total",
			Help: "Grants removed by explicit invalidation, by trigger",
		},
		[]string{"trigger"}, // "ban" or "rule_change"
	)

	VerifierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_verifier_calls_total",
			Help: "Chain verifier calls, by outcome",
		},
		[]string{"outcome"},
	)

	// Message pipeline metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_messages_persisted_total",
			Help: "Messages persisted, by type",
		},
		[]string{"type"},
	)

	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soractic_persistence_failures_total",
			Help: "Message writes that failed after a sequence reservation",
		},
	)

	SequenceTombstones = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soractic_sequence_tombstones_total",
			Help: "Sequence numbers tombstoned after persistence failures",
		},
	)

	BrokerEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_broker_events_published_total",
			Help: "Events published to the bus, by type",
		},
		[]string{"type"},
	)

	BrokerPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soractic_broker_publish_failures_total",
			Help: "Publishes that failed after persistence succeeded",
		},
	)

	SweepRepublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soractic_sweep_republished_total",
			Help: "Persisted messages republished by the recovery sweep",
		},
	)

	// Delivery metrics
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_events_delivered_total",
			Help: "Events delivered to local sockets, by type",
		},
		[]string{"type"},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soractic_events_deduplicated_total",
			Help: "Duplicate (room, sequence) events suppressed before delivery",
		},
	)

	BackfillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soractic_backfills_total",
			Help: "Gap backfills served from the durable store",
		},
	)

	SequenceGapsUnexplained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soractic_sequence_gaps_unexplained_total",
			Help: "Backfilled gaps with neither a stored message nor a tombstone",
		},
	)

	// Presence metrics
	PresenceReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soractic_presence_reaped_total",
			Help: "Participants expired from presence without an explicit leave",
		},
	)

	// Rate limit metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_rate_limit_rejections_total",
			Help: "Inbound frames rejected by the token bucket, by scope",
		},
		[]string{"scope"}, // "principal" or "room"
	)

	// Collaborator metrics
	SocraticQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soractic_socratic_queries_total",
			Help: "AI queries forwarded, by outcome",
		},
		[]string{"outcome"},
	)
)
