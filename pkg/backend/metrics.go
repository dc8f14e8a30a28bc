package backend

import "time"

// Metrics defines the interface for tracking backend API calls.
type Metrics interface {
	// RecordAPICall records a finished call.
	// status: HTTP status code as string, or "error" for transport failures
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long a call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)

	// RecordCoalescedRequest records a call that shared an in-flight request.
	RecordCoalescedRequest(endpoint string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAPICall(_, _ string)                       {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordCoalescedRequest(_ string)                 {}
