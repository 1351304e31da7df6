// Package metrics holds the Prometheus instruments for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every pipeline metric behind one registration.
type Registry struct {
	RawProcessed   *prometheus.CounterVec // result: merged|duplicate|rejected|error
	FusedEmitted   prometheus.Counter
	WindowsFlushed *prometheus.CounterVec // outcome: emitted|discarded
	SuperEvents    prometheus.Counter
	FusedScore     prometheus.Histogram
	RouteDecisions *prometheus.CounterVec // target: cex|hl|dex|notify|drop
	NotifyFailures prometheus.Counter
	ReclaimedRaw   prometheus.Counter
	OpenWindows    prometheus.Gauge
	ConsumeLatency prometheus.Histogram
}

// NewRegistry creates and registers the pipeline metrics on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RawProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listingfuse_raw_events_total",
			Help: "Raw events consumed, by processing result",
		}, []string{"result"}),
		FusedEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listingfuse_fused_events_total",
			Help: "Fused events published to the fused stream",
		}),
		WindowsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listingfuse_windows_flushed_total",
			Help: "Aggregation windows closed, by outcome",
		}, []string{"outcome"}),
		SuperEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listingfuse_super_events_total",
			Help: "Fused events marked as super events",
		}),
		FusedScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "listingfuse_fused_score",
			Help:    "Score distribution of emitted fused events",
			Buckets: []float64{10, 20, 28, 35, 40, 50, 60, 70, 80},
		}),
		RouteDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listingfuse_route_decisions_total",
			Help: "Routing decisions, by target stream",
		}, []string{"target"}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listingfuse_notify_failures_total",
			Help: "Webhook deliveries that exhausted all retries",
		}),
		ReclaimedRaw: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listingfuse_reclaimed_messages_total",
			Help: "Pending stream entries reclaimed from stalled consumers",
		}),
		OpenWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listingfuse_open_windows",
			Help: "Aggregation windows currently open",
		}),
		ConsumeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "listingfuse_consume_batch_seconds",
			Help:    "Time spent processing one consumed batch",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		r.RawProcessed, r.FusedEmitted, r.WindowsFlushed, r.SuperEvents,
		r.FusedScore, r.RouteDecisions, r.NotifyFailures, r.ReclaimedRaw,
		r.OpenWindows, r.ConsumeLatency,
	)
	return r
}
