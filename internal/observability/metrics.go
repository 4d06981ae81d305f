package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the runtime's Prometheus collectors.
type Metrics struct {
	// ModelRequests counts model calls by provider, model and status.
	ModelRequests *prometheus.CounterVec

	// ModelLatency measures model call latency in seconds.
	ModelLatency *prometheus.HistogramVec

	// ModelTokens tracks token consumption by provider, model and direction.
	ModelTokens *prometheus.CounterVec

	// ToolDispatches counts tool dispatches by tool and status.
	ToolDispatches *prometheus.CounterVec

	// ToolLatency measures tool dispatch latency in seconds.
	ToolLatency *prometheus.HistogramVec

	// EventsEmitted counts bus events by type.
	EventsEmitted *prometheus.CounterVec

	// EventsDropped counts events dropped at subscriber or tunnel queues.
	EventsDropped *prometheus.CounterVec

	// WSClients gauges connected WebSocket clients by endpoint.
	WSClients *prometheus.GaugeVec
}

// NewMetrics registers the runtime collectors on the given registerer.
// A nil registerer uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ModelRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_model_requests_total",
			Help: "Model API calls by provider, model and status.",
		}, []string{"provider", "model", "status"}),

		ModelLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_model_request_seconds",
			Help:    "Model API call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		ModelTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_model_tokens_total",
			Help: "Tokens consumed by provider, model and direction (in|out).",
		}, []string{"provider", "model", "direction"}),

		ToolDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tool_dispatches_total",
			Help: "Tool dispatches by tool name and status.",
		}, []string{"tool", "status"}),

		ToolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_tool_dispatch_seconds",
			Help:    "Tool dispatch latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_bus_events_total",
			Help: "Events emitted on the bus by type.",
		}, []string{"type"}),

		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_events_dropped_total",
			Help: "Events dropped at bounded queues by location.",
		}, []string{"location"}),

		WSClients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_ws_clients",
			Help: "Connected WebSocket clients by endpoint.",
		}, []string{"endpoint"}),
	}
}
