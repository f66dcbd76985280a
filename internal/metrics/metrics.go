package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxn_agent_http_requests_total",
			Help: "Total HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fxn_agent_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Poll loop metrics
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxn_agent_poll_cycles_total",
			Help: "Poll cycles by result",
		},
		[]string{"result"}, // "ok" or "registry_error"
	)

	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxn_agent_active_subscribers",
			Help: "Active subscribers seen in the last successful cycle",
		},
	)

	OffersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxn_agent_offers_total",
			Help: "Offers sent by outcome",
		},
		[]string{"outcome"}, // "accepted", "acknowledged", "declined", "unreachable", "signing_failed"
	)

	Fulfillments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxn_agent_fulfillments_total",
			Help: "Work requests fulfilled by result",
		},
		[]string{"result"}, // "completed" or "failed"
	)

	FulfillmentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fxn_agent_fulfillment_duration_seconds",
			Help:    "Pipeline duration per work request",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	Reports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxn_agent_reports_total",
			Help: "Result and error reports posted to subscribers",
		},
		[]string{"kind", "status"}, // kind "results"/"errors", status "ok"/"failed"
	)

	// Hub metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxn_agent_status_events_total",
			Help: "Status events published to viewers",
		},
		[]string{"agent"},
	)

	ViewerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxn_agent_viewer_connections",
			Help: "Connected status viewers",
		},
	)

	ViewerDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fxn_agent_viewer_drops_total",
			Help: "Viewer connections dropped after a failed push",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fxn_agent_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	LedgerLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fxn_agent_ledger_latency_seconds",
			Help:    "Outcome ledger write latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
