// Package metrics exposes Prometheus collectors for the broker's
// subscription-level observability: backlog depth, in-flight
// count/bytes, and ack/nack/redelivery counters. It is ambient
// observability, not the benchmark/result-file reporting spec.md
// explicitly excludes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry wraps a dedicated prometheus.Registry with the broker's
// collectors pre-registered. A nil *Registry is valid and every method
// on it is a no-op, so components can hold one unconditionally without
// branching on whether metrics were configured.
type Registry struct {
	registry *prometheus.Registry

	backlogDepth      *prometheus.GaugeVec
	inFlightMessages  *prometheus.GaugeVec
	inFlightBytes     *prometheus.GaugeVec
	acksTotal         *prometheus.CounterVec
	nacksTotal        *prometheus.CounterVec
	redeliveriesTotal *prometheus.CounterVec
}

// New creates a Registry under the given namespace (e.g. "pubsub") and
// registers its collectors with a fresh prometheus.Registry.
func New(namespace string) *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		backlogDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_depth",
			Help:      "Number of undelivered messages waiting in a subscription's backlog.",
		}, []string{"subscription"}),
		inFlightMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_messages",
			Help:      "Number of messages leased but not yet acked or nacked, per subscription.",
		}, []string{"subscription"}),
		inFlightBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_bytes",
			Help:      "Bytes leased but not yet acked or nacked, per subscription.",
		}, []string{"subscription"}),
		acksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_total",
			Help:      "Total number of messages acknowledged, per subscription.",
		}, []string{"subscription"}),
		nacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nacks_total",
			Help:      "Total number of messages negatively acknowledged, per subscription.",
		}, []string{"subscription"}),
		redeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeliveries_total",
			Help:      "Total number of messages redelivered after a nack, per subscription.",
		}, []string{"subscription"}),
	}
	r.registry.MustRegister(
		r.backlogDepth,
		r.inFlightMessages,
		r.inFlightBytes,
		r.acksTotal,
		r.nacksTotal,
		r.redeliveriesTotal,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for wiring into an
// HTTP /metrics handler, e.g. via promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

func (r *Registry) SetBacklogDepth(subscription string, depth int) {
	if r == nil {
		return
	}
	r.backlogDepth.WithLabelValues(subscription).Set(float64(depth))
}

func (r *Registry) SetInFlight(subscription string, messages, bytes int) {
	if r == nil {
		return
	}
	r.inFlightMessages.WithLabelValues(subscription).Set(float64(messages))
	r.inFlightBytes.WithLabelValues(subscription).Set(float64(bytes))
}

func (r *Registry) IncAck(subscription string) {
	if r == nil {
		return
	}
	r.acksTotal.WithLabelValues(subscription).Inc()
}

func (r *Registry) IncNack(subscription string) {
	if r == nil {
		return
	}
	r.nacksTotal.WithLabelValues(subscription).Inc()
}

func (r *Registry) IncRedelivery(subscription string) {
	if r == nil {
		return
	}
	r.redeliveriesTotal.WithLabelValues(subscription).Inc()
}
