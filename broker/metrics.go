package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors. A nil *Metrics records
// nothing, so brokers without WithMetrics pay no bookkeeping.
type Metrics struct {
	// Clients tracks the size of the connection set
	Clients prometheus.Gauge

	// Envelopes counts envelopes taken off the inbox by kind
	Envelopes *prometheus.CounterVec

	// Relayed counts topic envelopes handed to a connection
	Relayed prometheus.Counter

	// SendFailures counts sends a connection refused
	SendFailures prometheus.Counter
}

// NewMetrics creates the broker collectors and registers them with reg.
// Brokers sharing a registry must share the Metrics value too.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "underground_broker_clients",
			Help: "Number of connected clients",
		}),
		Envelopes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "underground_broker_envelopes_total",
				Help: "Envelopes received by the broker by kind",
			},
			[]string{"kind"},
		),
		Relayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "underground_broker_relayed_total",
			Help: "Topic envelopes relayed to connections",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "underground_broker_send_failures_total",
			Help: "Sends to a connection that failed",
		}),
	}
}

func (m *Metrics) clients(n int) {
	if m == nil {
		return
	}
	m.Clients.Set(float64(n))
}

func (m *Metrics) envelope(kind string) {
	if m == nil {
		return
	}
	m.Envelopes.WithLabelValues(kind).Inc()
}

func (m *Metrics) relayed() {
	if m == nil {
		return
	}
	m.Relayed.Inc()
}

func (m *Metrics) sendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}
