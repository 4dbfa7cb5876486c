package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps Prometheus collectors used by the roulette server.
type Registry struct {
	Connections gaugeVec
	Matching    matchingVec
	Messages    counterVec
	Process     processVec
	Events      eventsVec

	gatherer prometheus.Gatherer
}

type gaugeVec struct {
	ActiveConnections prometheus.Gauge
	AcceptErrors      prometheus.Counter
	RateLimited       *prometheus.CounterVec
}

type matchingVec struct {
	Waiting     prometheus.Gauge
	Pairs       prometheus.Gauge
	Matches     prometheus.Counter
	Skips       prometheus.Counter
	Disconnects prometheus.Counter
}

type counterVec struct {
	Relayed         *prometheus.CounterVec
	RelayDropped    *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	OutboundDropped prometheus.Counter
}

type eventsVec struct {
	Published     *prometheus.CounterVec
	Dropped       prometheus.Counter
	NATSConnected prometheus.Gauge
}

type processVec struct {
	CPUPercent prometheus.Gauge
	RSSBytes   prometheus.Gauge
	Goroutines prometheus.Gauge
	HeapInUse  prometheus.Gauge
}

// NewRegistry creates Prometheus collectors on reg. A nil reg uses the
// default registerer and gatherer.
func NewRegistry(reg *prometheus.Registry) *Registry {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	r := &Registry{
		Connections: gaugeVec{
			ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
				Name: "odin_roulette_connections_active",
				Help: "Number of live WebSocket connections",
			}),
			AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
				Name: "odin_roulette_accept_errors_total",
				Help: "Total number of WebSocket accept/handshake errors",
			}),
			RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "odin_roulette_rate_limited_total",
				Help: "Connections or messages rejected by a rate limit",
			}, []string{"scope"}),
		},
		Matching: matchingVec{
			Waiting: factory.NewGauge(prometheus.GaugeOpts{
				Name: "odin_roulette_waiting",
				Help: "Connections currently in the waiting pool",
			}),
			Pairs: factory.NewGauge(prometheus.GaugeOpts{
				Name: "odin_roulette_pairs",
				Help: "Pairs currently linked",
			}),
			Matches: factory.NewCounter(prometheus.CounterOpts{
				Name: "odin_roulette_matches_total",
				Help: "Total number of pairs formed",
			}),
			Skips: factory.NewCounter(prometheus.CounterOpts{
				Name: "odin_roulette_skips_total",
				Help: "Total number of skip requests handled",
			}),
			Disconnects: factory.NewCounter(prometheus.CounterOpts{
				Name: "odin_roulette_disconnects_total",
				Help: "Total number of connections torn down",
			}),
		},
		Messages: counterVec{
			Relayed: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "odin_roulette_relayed_total",
				Help: "Signaling messages forwarded to a target connection",
			}, []string{"type"}),
			RelayDropped: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "odin_roulette_relay_dropped_total",
				Help: "Signaling messages dropped before reaching the target",
			}, []string{"reason"}),
			Rejected: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "odin_roulette_messages_rejected_total",
				Help: "Inbound messages rejected at the protocol boundary",
			}, []string{"reason"}),
			OutboundDropped: factory.NewCounter(prometheus.CounterOpts{
				Name: "odin_roulette_outbound_dropped_total",
				Help: "Outbound messages dropped due to a full send queue",
			}),
		},
		Process: processVec{
			CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
				Name: "odin_roulette_process_cpu_percent",
				Help: "Process CPU usage percentage sampled via gopsutil",
			}),
			RSSBytes: factory.NewGauge(prometheus.GaugeOpts{
				Name: "odin_roulette_process_rss_bytes",
				Help: "Process resident set size in bytes",
			}),
			Goroutines: factory.NewGauge(prometheus.GaugeOpts{
				Name: "odin_roulette_goroutines",
				Help: "Number of goroutines",
			}),
			HeapInUse: factory.NewGauge(prometheus.GaugeOpts{
				Name: "odin_roulette_heap_inuse_bytes",
				Help: "Heap bytes in use",
			}),
		},
		Events: eventsVec{
			Published: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "odin_roulette_events_published_total",
				Help: "Lifecycle events published to NATS",
			}, []string{"kind"}),
			Dropped: factory.NewCounter(prometheus.CounterOpts{
				Name: "odin_roulette_events_dropped_total",
				Help: "Lifecycle events dropped because the publish queue was full or NATS failed",
			}),
			NATSConnected: factory.NewGauge(prometheus.GaugeOpts{
				Name: "odin_roulette_nats_connected",
				Help: "1 when the event publisher holds a NATS connection",
			}),
		},
	}
	r.gatherer = gatherer
	return r
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
