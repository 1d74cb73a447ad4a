/*------------------------------------------------------------------------------
* metrics.go : internal observability
*
* wires github.com/prometheus/client_golang the way gnssgo/app/plot wires it
* into a gnssgo-family binary, giving the core live counters/histograms
* without taking on an external storage dependency (see DESIGN.md for why
* the rest of app/rtkrcv's telemetry stack was not carried over).
*-----------------------------------------------------------------------------*/
package mlat

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a set of Prometheus collectors describing the core's live
// state. Callers register the struct's collectors (see Collectors) with
// their own registry; the core never owns a registry itself since exposing
// it over HTTP is the external dashboard's concern.
type Metrics struct {
	ReceiverMessages  *prometheus.CounterVec
	ReceiverDropped   *prometheus.CounterVec
	PairAccepted      *prometheus.CounterVec
	PairRejected      *prometheus.CounterVec
	PairReset         *prometheus.CounterVec
	GroupsClosed      prometheus.Counter
	GroupsDiscarded   prometheus.Counter
	SolverAttempts    *prometheus.CounterVec
	SolverLatency     prometheus.Histogram
	SolverQueueLength prometheus.Gauge
}

// NewMetrics constructs the collector set without registering it anywhere.
func NewMetrics() *Metrics {
	return &Metrics{
		ReceiverMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlat", Name: "receiver_messages_total",
			Help: "messages accepted per receiver",
		}, []string{"receiver"}),
		ReceiverDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlat", Name: "receiver_dropped_total",
			Help: "messages dropped per receiver (arrival queue full or bad tick)",
		}, []string{"receiver", "reason"}),
		PairAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlat", Name: "pair_observations_accepted_total",
			Help: "accepted clock-pair observations",
		}, []string{"pair"}),
		PairRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlat", Name: "pair_observations_rejected_total",
			Help: "rejected (outlier) clock-pair observations",
		}, []string{"pair"}),
		PairReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlat", Name: "pair_resets_total",
			Help: "clock-pair filter resets (desync)",
		}, []string{"pair"}),
		GroupsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlat", Name: "groups_closed_total",
			Help: "correlator groups closed and handed to the solver",
		}),
		GroupsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlat", Name: "groups_discarded_total",
			Help: "correlator groups closed with fewer than min receivers",
		}),
		SolverAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlat", Name: "solver_attempts_total",
			Help: "solver attempts by outcome",
		}, []string{"outcome"}),
		SolverLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mlat", Name: "solver_latency_seconds",
			Help:    "solver wall time per attempt",
			Buckets: prometheus.ExponentialBuckets(100e-6, 2, 12),
		}),
		SolverQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mlat", Name: "solver_queue_length",
			Help: "pending groups awaiting a solver worker",
		}),
	}
}

// Collectors returns every collector for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReceiverMessages, m.ReceiverDropped,
		m.PairAccepted, m.PairRejected, m.PairReset,
		m.GroupsClosed, m.GroupsDiscarded,
		m.SolverAttempts, m.SolverLatency, m.SolverQueueLength,
	}
}
