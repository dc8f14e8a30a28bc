package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	return byName
}

func counterValue(t *testing.T, f *dto.MetricFamily, labels map[string]string) float64 {
	t.Helper()
	require.NotNil(t, f)
	for _, m := range f.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("no metric in %s matches %v", f.GetName(), labels)
	return 0
}

func TestMetrics_ImplementsInterface(t *testing.T) {
	var _ purchases.Metrics = NewMetrics(prometheus.NewRegistry(), "test")
}

func TestMetrics_RecordCustomerInfoRetrieval(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCustomerInfoRetrieval(purchases.CachedOrFetched, "cache", true, 5*time.Millisecond)
	metrics.RecordCustomerInfoRetrieval(purchases.CachedOrFetched, "cache", true, 5*time.Millisecond)
	metrics.RecordCustomerInfoRetrieval(purchases.FetchCurrent, "backend", false, time.Second)

	families := gather(t, reg)
	retrievals := families["test_customer_info_retrievals_total"]
	assert.Equal(t, 2.0, counterValue(t, retrievals, map[string]string{
		"policy": "CACHED_OR_FETCHED", "source": "cache", "success": "true",
	}))
	assert.Equal(t, 1.0, counterValue(t, retrievals, map[string]string{
		"policy": "FETCH_CURRENT", "source": "backend", "success": "false",
	}))
	assert.NotNil(t, families["test_customer_info_retrieval_duration_seconds"])
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCacheHit("customer_info")
	metrics.RecordCacheMiss("product_entitlement_mapping")
	metrics.RecordReceiptPost(purchases.SourceRestore, "success")
	metrics.RecordPendingSync(purchases.SyncNoPendingPurchases)
	metrics.RecordListenerNotification()
	metrics.RecordCircuitBreakerStateChange("open")

	families := gather(t, reg)
	assert.Equal(t, 1.0, counterValue(t, families["test_cache_hits_total"], map[string]string{"type": "customer_info"}))
	assert.Equal(t, 1.0, counterValue(t, families["test_cache_misses_total"],
		map[string]string{"type": "product_entitlement_mapping"}))
	assert.Equal(t, 1.0, counterValue(t, families["test_receipt_posts_total"],
		map[string]string{"source": "restore", "outcome": "success"}))
	assert.Equal(t, 1.0, counterValue(t, families["test_pending_purchase_syncs_total"],
		map[string]string{"result": "no_pending_purchases"}))
	assert.Equal(t, 1.0, counterValue(t, families["test_customer_info_listener_notifications_total"], nil))
	assert.Equal(t, 1.0, counterValue(t, families["test_circuit_breaker_state_changes_total"],
		map[string]string{"state": "open"}))
}
