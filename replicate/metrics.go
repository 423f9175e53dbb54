package replicate

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultEmpty   = "empty"
)

type Metrics struct {
	batches      *prometheus.CounterVec
	acknowledged prometheus.Counter
	deadLettered prometheus.Counter
	pulled       *prometheus.CounterVec
	depth        prometheus.Gauge
}

// NewMetrics creates the replication collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draftsync",
			Subsystem: "drain",
			Name:      "batches_total",
			Help:      "Drained batches by result.",
		}, []string{"result"}),
		acknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "draftsync",
			Subsystem: "drain",
			Name:      "items_acknowledged_total",
			Help:      "Queue entries acknowledged by the server.",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "draftsync",
			Subsystem: "drain",
			Name:      "items_dead_lettered_total",
			Help:      "Queue entries moved to the dead letter store.",
		}),
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draftsync",
			Subsystem: "pull",
			Name:      "records_total",
			Help:      "Pulled remote records by conflict outcome.",
		}, []string{"outcome"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "draftsync",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Entries waiting in the sync queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.batches, m.acknowledged, m.deadLettered, m.pulled, m.depth)
	}
	return m
}

func (m *Metrics) observeBatch(result string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
}

func (m *Metrics) observeAcknowledged(n int) {
	if m == nil {
		return
	}
	m.acknowledged.Add(float64(n))
}

func (m *Metrics) observeDeadLettered(n int) {
	if m == nil {
		return
	}
	m.deadLettered.Add(float64(n))
}

func (m *Metrics) observePulled(outcome string) {
	if m == nil {
		return
	}
	m.pulled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}
