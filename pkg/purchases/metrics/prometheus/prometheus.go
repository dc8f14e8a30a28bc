package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// Metrics implements purchases.Metrics using Prometheus.
type Metrics struct {
	customerInfoRetrievals     *prometheus.CounterVec
	customerInfoDuration       *prometheus.HistogramVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	receiptPostsTotal          *prometheus.CounterVec
	pendingSyncsTotal          *prometheus.CounterVec
	listenerNotificationsTotal prometheus.Counter
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		customerInfoRetrievals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "customer_info_retrievals_total",
			Help:      "Total number of customer info retrievals.",
		}, []string{"policy", "source", "success"}),

		customerInfoDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "customer_info_retrieval_duration_seconds",
			Help:      "Latency of customer info retrievals.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"policy"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of device cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of device cache misses.",
		}, []string{"type"}),

		receiptPostsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_posts_total",
			Help:      "Total number of receipt posts by initiation source and outcome.",
		}, []string{"source", "outcome"}),

		pendingSyncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_purchase_syncs_total",
			Help:      "Total number of pending purchase syncs by result.",
		}, []string{"result"}),

		listenerNotificationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "customer_info_listener_notifications_total",
			Help:      "Total number of customer info updates delivered to listeners.",
		}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordCustomerInfoRetrieval(
	policy purchases.CacheFetchPolicy,
	source string,
	success bool,
	duration time.Duration,
) {
	m.customerInfoRetrievals.WithLabelValues(policy.String(), source, strconv.FormatBool(success)).Inc()
	m.customerInfoDuration.WithLabelValues(policy.String()).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordReceiptPost(source purchases.PostReceiptInitiationSource, outcome string) {
	m.receiptPostsTotal.WithLabelValues(string(source), outcome).Inc()
}

func (m *Metrics) RecordPendingSync(result purchases.SyncResultKind) {
	m.pendingSyncsTotal.WithLabelValues(result.String()).Inc()
}

func (m *Metrics) RecordListenerNotification() {
	m.listenerNotificationsTotal.Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
