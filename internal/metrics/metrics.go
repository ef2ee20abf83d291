// Package metrics declares the Prometheus series for the coaching broker.
//
// Naming convention: namespace_subsystem_name
//   - namespace: coaching_broker (application-level grouping)
//   - subsystem: websocket, room, audio, upstream, agent, circuit_breaker, rate_limit, redis
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coaching_broker",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active participant WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coaching_broker",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coaching_broker",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room, by role",
	}, []string{"room_id", "role"})

	SignalingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "room",
		Name:      "signaling_events_total",
		Help:      "Total signaling/application messages routed by the Room Hub",
	}, []string{"event_type", "status"})

	AudioFramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "audio",
		Name:      "frames_routed_total",
		Help:      "Total audio frames forwarded to an upstream sink",
	}, []string{"upstream", "room_id"})

	AudioFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "audio",
		Name:      "frames_dropped_total",
		Help:      "Total audio frames dropped due to backpressure or mute gating",
	}, []string{"upstream", "room_id", "reason"})

	KeepAlivesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "audio",
		Name:      "keepalives_sent_total",
		Help:      "Total KeepAlive control messages emitted on the voice-agent channel during silence",
	}, []string{"room_id"})

	UpstreamBufferedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coaching_broker",
		Subsystem: "audio",
		Name:      "upstream_buffered_bytes",
		Help:      "Current buffered-output bytes reported by an upstream connection",
	}, []string{"upstream", "room_id"})

	UpstreamConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "upstream",
		Name:      "connect_attempts_total",
		Help:      "Total connect/reconnect attempts against an upstream speech service",
	}, []string{"upstream", "status"})

	UpstreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "upstream",
		Name:      "reconnects_total",
		Help:      "Total reconnect attempts following an abnormal close",
	}, []string{"upstream", "close_code"})

	FunctionCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coaching_broker",
		Subsystem: "agent",
		Name:      "function_call_duration_seconds",
		Help:      "Time from FunctionCallRequest receipt to FunctionCallResponse settlement",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"function_name", "outcome"})

	FunctionCallsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "agent",
		Name:      "function_calls_settled_total",
		Help:      "Total function calls settled, by outcome",
	}, []string{"function_name", "outcome"})

	TranscriptEntriesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "agent",
		Name:      "transcript_entries_total",
		Help:      "Total transcript entries appended, by role and source",
	}, []string{"role", "source"})

	OrchestratorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coaching_broker",
		Subsystem: "agent",
		Name:      "orchestrator_state",
		Help:      "Current orchestrator state per room (0: spawning, 1: running, 2: failed, 3: stopped)",
	}, []string{"room_id"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coaching_broker",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of a circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by a circuit breaker",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded a rate limit",
	}, []string{"endpoint", "reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against a rate limiter",
	}, []string{"endpoint"})

	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching_broker",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total Redis operations, by outcome",
	}, []string{"operation", "status"})
)

// Orchestrator state gauge values, per coaching_broker_agent_orchestrator_state.
const (
	OrchestratorStateSpawning = 0
	OrchestratorStateRunning  = 1
	OrchestratorStateFailed   = 2
	OrchestratorStateStopped  = 3
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
