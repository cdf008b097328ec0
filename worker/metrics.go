package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSent    = "sent"
	resultRetry   = "retry"
	resultFailed  = "failed"

	resultProcessed = "processed"
)

// Metrics counts queue outcomes by result.
type Metrics struct {
	Deliveries *prometheus.CounterVec
	Incoming   *prometheus.CounterVec
	LDSigned   prometheus.Counter
}

// NewMetrics registers the queue counters on registry, or on the default registry when nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apnode",
			Name:      "deliveries_total",
			Help:      "Outgoing delivery attempts by result",
		}, []string{"result"}),
		Incoming: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apnode",
			Name:      "incoming_activities_total",
			Help:      "Processed incoming activities by result",
		}, []string{"result"}),
		LDSigned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apnode",
			Name:      "ld_signatures_total",
			Help:      "Linked-data signatures created for outgoing activities",
		}),
	}
}
