package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: namespace_subsystem_name
// - namespace: conversation (application-level grouping)
// - subsystem: pipeline, room, hooks, router, breaker, realtime, framework
// - name: specific metric (events_total, errors_total, etc.)
// Metric Types:
// - Gauge: Current state (rooms, subscribers)
// - Counter: Cumulative events (deliveries, rejections)
// - Histogram: Latency / size distributions

var (
	// EventsProcessed tracks inbound events that completed the pipeline (CounterVec - cumulative)
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conversation",
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Total inbound events processed, by outcome",
	}, []string{"outcome"}) // delivered, blocked, idempotent_hit

	// PipelineDuration tracks end-to-end processing latency (HistogramVec)
	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conversation",
		Subsystem: "pipeline",
		Name:      "duration_seconds",
		Help:      "Time spent processing an inbound event end to end",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"outcome"})

	// ActiveRooms tracks the current number of non-archived rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conversation",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of non-archived rooms",
	})

	// RoomEventCount tracks the number of persisted events per room (GaugeVec with room_id label)
	RoomEventCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conversation",
		Subsystem: "room",
		Name:      "event_count",
		Help:      "Number of persisted events in each room",
	}, []string{"room_id"})

	// HookExecutions tracks sync/async hook invocations (CounterVec - cumulative)
	HookExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conversation",
		Subsystem: "hooks",
		Name:      "executions_total",
		Help:      "Total hook executions, by execution mode and outcome",
	}, []string{"execution", "outcome"}) // execution: sync|async; outcome: allow|allow_modified|block|error

	// HookDuration tracks individual hook latency (HistogramVec)
	HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conversation",
		Subsystem: "hooks",
		Name:      "duration_seconds",
		Help:      "Time spent in a single hook callback",
		Buckets:   prometheus.DefBuckets,
	}, []string{"name", "execution"})

	// ReentryChainDepth tracks the chain_depth distribution of reentry events (HistogramVec)
	ReentryChainDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conversation",
		Subsystem: "router",
		Name:      "reentry_chain_depth",
		Help:      "chain_depth of events produced via reentry",
		Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
	}, []string{"channel_id"})

	// DeliveryAttempts tracks per-binding delivery attempts (CounterVec)
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conversation",
		Subsystem: "router",
		Name:      "delivery_attempts_total",
		Help:      "Total delivery attempts to a transport binding, by outcome",
	}, []string{"channel_id", "outcome"}) // outcome: success|failed|circuit_open|not_transcodable

	// CircuitBreakerState tracks the current state of each channel's circuit breaker (GaugeVec)
	// 0: closed (healthy), 1: open (failing), 2: half_open (recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conversation",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Current state of a channel's circuit breaker (0: closed, 1: open, 2: half_open)",
	}, []string{"channel_id"})

	// CircuitBreakerRejections tracks requests short-circuited by an open breaker (CounterVec)
	CircuitBreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conversation",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Total deliveries short-circuited by an open circuit breaker",
	}, []string{"channel_id"})

	// RateLimitWaitDuration tracks time spent waiting for a rate-limiter token (HistogramVec)
	RateLimitWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conversation",
		Subsystem: "breaker",
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for a rate-limiter token before delivery",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel_id"})

	// RealtimePublished tracks ephemeral bus publishes (CounterVec)
	RealtimePublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conversation",
		Subsystem: "realtime",
		Name:      "published_total",
		Help:      "Total ephemeral events published to the realtime bus",
	}, []string{"type"})

	// RealtimeSubscribers tracks the current subscriber count per room (GaugeVec)
	RealtimeSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conversation",
		Subsystem: "realtime",
		Name:      "subscribers",
		Help:      "Current number of realtime bus subscribers for a room",
	}, []string{"room_id"})

	// FrameworkEvents tracks observability events emitted by the pipeline (CounterVec)
	FrameworkEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conversation",
		Subsystem: "framework",
		Name:      "events_total",
		Help:      "Total framework events emitted, by name",
	}, []string{"name"})
)
