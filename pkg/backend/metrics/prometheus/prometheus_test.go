package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/gopurchases/pkg/backend"
)

func TestMetrics_ImplementsInterface(t *testing.T) {
	var _ backend.Metrics = NewMetrics(prometheus.NewRegistry(), "test")
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordAPICall("/receipts", "200")
	m.RecordAPICall("/receipts", "200")
	m.RecordAPICall("/receipts", "500")
	m.RecordAPICallDuration("/receipts", 20*time.Millisecond)
	m.RecordCoalescedRequest("/subscribers/{id}")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.apiCallsTotal.WithLabelValues("/receipts", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiCallsTotal.WithLabelValues("/receipts", "500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.coalescedRequests.WithLabelValues("/subscribers/{id}")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.apiCallDuration))
}
