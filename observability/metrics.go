package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts client events accepted at the dispatcher.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fastloop_events_ingested_total",
		Help: "Client events accepted at the ingress endpoint",
	}, []string{"loop_name", "event_type"})

	// EventsEmitted counts server events emitted by handlers.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fastloop_events_emitted_total",
		Help: "Server events emitted by loop handlers",
	}, []string{"event_type"})

	// IngestRejected counts events rejected during validation.
	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fastloop_ingest_rejected_total",
		Help: "Events rejected at the ingress endpoint",
	}, []string{"reason"}) // unknown_type, invalid_payload, wrong_start_type, loop_stopped, rate_limited

	// ActiveLoops tracks known loops by status, refreshed by the monitor sweep.
	ActiveLoops = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fastloop_loops",
		Help: "Known loops by lifecycle status",
	}, []string{"status"})

	// ClaimFailures counts claim acquisitions that timed out.
	ClaimFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fastloop_claim_failures_total",
		Help: "Loop claim acquisitions that timed out",
	})

	// HandlerDuration tracks a single handler invocation, entry to return.
	HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fastloop_handler_duration_seconds",
		Help:    "Loop handler invocation duration",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.7min
	})

	// WaitLatency tracks how long handlers block in wait_for before an event
	// arrives (timeouts excluded).
	WaitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fastloop_wait_for_latency_seconds",
		Help:    "Time from wait_for entry to event delivery",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	})

	// StoreLatency tracks state-backend roundtrip latency.
	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fastloop_store_roundtrip_latency_seconds",
		Help:    "State backend operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// LoopTransitions counts lifecycle transitions applied by the runtime.
	LoopTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fastloop_loop_transitions_total",
		Help: "Loop lifecycle transitions",
	}, []string{"to"})

	// APIRateLimited counts requests rejected by the ingress rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fastloop_api_rate_limited_total",
		Help: "API requests rejected by the rate limiter (storm protection)",
	}, []string{"endpoint"})
)
