// Package metrics holds the Prometheus collectors for the sync core and the
// HTTP middleware.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "docsync"

// Merge results.
const (
	MergeApplied   = "applied"
	MergeDuplicate = "duplicate"
	MergeRejected  = "rejected"
)

// Save results.
const (
	SaveOK      = "ok"
	SaveRetry   = "retry"
	SaveFailed  = "failed"
	SaveSkipped = "skipped"
)

// Metrics groups the domain collectors. Components receive it by injection so
// tests can register against a private registry.
type Metrics struct {
	RoomsActive      prometheus.Gauge
	SessionsActive   prometheus.Gauge
	Merges           *prometheus.CounterVec
	BroadcastDropped prometheus.Counter
	Saves            *prometheus.CounterVec
	SaveDuration     prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "rooms_active",
			Help:      "Rooms currently held in memory",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sessions_active",
			Help:      "Connected sessions",
		}),
		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "merges_total",
			Help:      "Inbound deltas by merge result",
		}, []string{"result"}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Messages not delivered because a session's send queue was full or closed",
		}),
		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "saves_total",
			Help:      "Snapshot save attempts by result",
		}, []string{"result"}),
		SaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "save_duration_seconds",
			Help:      "Duration of successful snapshot saves in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// NewUnregistered returns collectors bound to a throwaway registry.
func NewUnregistered() *Metrics { return New(prometheus.NewRegistry()) }

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the collectors registered on the default Prometheus
// registry, which Handler serves.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = New(prometheus.DefaultRegisterer) })
	return defaultMetrics
}
