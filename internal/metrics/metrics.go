package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	// SessionsActive tracks currently live user sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of user sessions currently in the registry",
		},
	)

	// SessionsCreated tracks fresh session creations
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Total fresh sessions created",
		},
	)

	// SessionReconnections tracks successful reconnects within the grace window
	SessionReconnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_reconnections_total",
			Help: "Total device reconnections that restored an existing session",
		},
	)

	// SessionsDisposed tracks disposals by reason (grace_expired, explicit)
	SessionsDisposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_disposed_total",
			Help: "Total sessions disposed by reason",
		},
		[]string{"reason"},
	)

	// GraceTimerCancellations tracks grace timers cancelled by a reconnect
	GraceTimerCancellations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grace_timer_cancellations_total",
			Help: "Total session grace timers cancelled by reconnection",
		},
	)
)

// App lifecycle metrics
var (
	// AppSessionsStarted tracks app session creations
	AppSessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "app_sessions_started_total",
			Help: "Total app sessions started",
		},
	)

	// AppSessionsStopped tracks app stops by reason (explicit, grace_expired, uninstall, session_disposed)
	AppSessionsStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_sessions_stopped_total",
			Help: "Total app sessions stopped by reason",
		},
		[]string{"reason"},
	)

	// AppsResurrected tracks dormant apps re-launched on device reconnect
	AppsResurrected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apps_resurrected_total",
			Help: "Total dormant app sessions resurrected after device reconnection",
		},
	)
)

// Message routing metrics
var (
	// MessagesDispatched tracks inbound envelope dispatches by type
	MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_dispatched_total",
			Help: "Total inbound control messages dispatched by type",
		},
		[]string{"type"},
	)

	// ProtocolErrors tracks malformed or unknown inbound messages
	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "protocol_errors_total",
			Help: "Total inbound messages rejected as protocol errors",
		},
	)

	// OutboundDropped tracks outbound messages dropped by destination (device, app)
	OutboundDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_messages_dropped_total",
			Help: "Total outbound messages dropped by destination",
		},
		[]string{"destination"},
	)

	// AudioFramesForwarded tracks binary frames forwarded to the media bridge
	AudioFramesForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audio_frames_forwarded_total",
			Help: "Total binary audio frames forwarded to the media bridge",
		},
	)
)

// Media bridge metrics
var (
	// BridgeJoins tracks bridge room joins by status (ok, error)
	BridgeJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_joins_total",
			Help: "Total media bridge room joins by status",
		},
		[]string{"status"},
	)

	// BridgeRejoins tracks rejoin attempts on device reconnection
	BridgeRejoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_rejoins_total",
			Help: "Total media bridge rejoin attempts",
		},
	)

	// CircuitBreakerStateChanges tracks breaker transitions by component and new state
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)
)

// Gateway metrics
var (
	// UpgradeRequests tracks connection upgrade attempts by endpoint and outcome
	UpgradeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upgrade_requests_total",
			Help: "Total connection upgrade attempts by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	// AnalyticsEventsDropped tracks analytics events dropped on a full buffer
	AnalyticsEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_events_dropped_total",
			Help: "Total analytics events dropped because the emitter buffer was full",
		},
	)
)
