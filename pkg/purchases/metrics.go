package purchases

import "time"

// Metrics defines the interface for tracking SDK operations and performance.
type Metrics interface {
	// RecordCustomerInfoRetrieval records one resolved retrieval.
	// source is "cache", "backend", "pending_sync" or "offline".
	RecordCustomerInfoRetrieval(policy CacheFetchPolicy, source string, success bool, duration time.Duration)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "customer_info").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordReceiptPost records a receipt post and its outcome
	// ("success", "error", "consumed_on_error", "pending").
	RecordReceiptPost(source PostReceiptInitiationSource, outcome string)

	// RecordPendingSync records the result kind of a pending purchase sync.
	RecordPendingSync(result SyncResultKind)

	// RecordListenerNotification records a delivered customer info update.
	RecordListenerNotification()

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCustomerInfoRetrieval(_ CacheFetchPolicy, _ string, _ bool, _ time.Duration) {
}
func (n *NoopMetrics) RecordCacheHit(_ string)                                   {}
func (n *NoopMetrics) RecordCacheMiss(_ string)                                  {}
func (n *NoopMetrics) RecordReceiptPost(_ PostReceiptInitiationSource, _ string) {}
func (n *NoopMetrics) RecordPendingSync(_ SyncResultKind)                        {}
func (n *NoopMetrics) RecordListenerNotification()                               {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}

func metricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return &NoopMetrics{}
	}
	return m
}
