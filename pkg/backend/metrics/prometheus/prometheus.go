package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gopurchases/pkg/backend"
)

// Metrics implements backend.Metrics using Prometheus.
type Metrics struct {
	apiCallsTotal     *prometheus.CounterVec
	apiCallDuration   *prometheus.HistogramVec
	coalescedRequests *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the backend client.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "api_calls_total",
			Help:      "Total number of backend API calls.",
		}, []string{"endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of backend API calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		coalescedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "coalesced_requests_total",
			Help:      "Total number of calls that shared an in-flight request.",
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) RecordAPICall(endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordCoalescedRequest(endpoint string) {
	m.coalescedRequests.WithLabelValues(endpoint).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) backend.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
