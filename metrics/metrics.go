// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine collectors. Create one per engine
// instance and register it with your registry; nil *Metrics disables
// instrumentation at every call site.
type Metrics struct {
	QueriesTotal   prometheus.Counter
	QueriesDropped prometheus.Counter
	QueryLatency   prometheus.Histogram
	InsertsTotal   prometheus.Counter
	CalibratedEF   prometheus.Gauge
}

// New creates the collectors and registers them with reg. Pass nil to
// create unregistered collectors (tests).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vectorengine_queries_total",
			Help: "Total number of queries served",
		}),
		QueriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vectorengine_queries_dropped_total",
			Help: "Queries dropped at dequeue because their deadline had passed",
		}),
		QueryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "vectorengine_query_duration_seconds",
			Help: "Query latency in seconds",
			// Queries run tens to hundreds of microseconds; the upper
			// buckets catch page-fault warmup.
			Buckets: []float64{25e-6, 50e-6, 100e-6, 250e-6, 500e-6, 1e-3, 2.5e-3, 10e-3, 100e-3, 1},
		}),
		InsertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vectorengine_inserts_total",
			Help: "Total number of vectors inserted",
		}),
		CalibratedEF: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vectorengine_calibrated_ef",
			Help: "Beam width chosen by the last calibration run",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.QueriesTotal, m.QueriesDropped, m.QueryLatency, m.InsertsTotal, m.CalibratedEF)
	}

	return m
}
