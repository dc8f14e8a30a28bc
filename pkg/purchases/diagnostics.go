package purchases

import (
	"context"
	"time"
)

// GetCustomerInfoResult is the diagnostics payload recorded after a retrieval.
type GetCustomerInfoResult struct {
	Policy                     CacheFetchPolicy
	Verification               *VerificationResult
	HadUnsyncedPurchasesBefore bool
	Duration                   time.Duration
	ErrorCode                  ErrorCode
	ErrorMessage               string
}

// DiagnosticsTracker receives retrieval diagnostics events.
type DiagnosticsTracker interface {
	TrackGetCustomerInfoStarted(ctx context.Context)
	TrackGetCustomerInfoResult(ctx context.Context, result GetCustomerInfoResult)
}

// NoopDiagnosticsTracker discards every event.
type NoopDiagnosticsTracker struct{}

func (NoopDiagnosticsTracker) TrackGetCustomerInfoStarted(_ context.Context)                         {}
func (NoopDiagnosticsTracker) TrackGetCustomerInfoResult(_ context.Context, _ GetCustomerInfoResult) {}

// LoggingDiagnosticsTracker writes diagnostics events to a Logger.
type LoggingDiagnosticsTracker struct {
	Logger Logger
}

func (t *LoggingDiagnosticsTracker) TrackGetCustomerInfoStarted(_ context.Context) {
	loggerOrNoop(t.Logger).Debug("get customer info started")
}

func (t *LoggingDiagnosticsTracker) TrackGetCustomerInfoResult(_ context.Context, r GetCustomerInfoResult) {
	fields := []Field{
		{"policy", r.Policy.String()},
		{"hadUnsyncedPurchasesBefore", r.HadUnsyncedPurchasesBefore},
		{"durationMs", r.Duration.Milliseconds()},
	}
	if r.Verification != nil {
		fields = append(fields, Field{"verification", string(*r.Verification)})
	}
	if r.ErrorCode != "" {
		fields = append(fields, Field{"errorCode", string(r.ErrorCode)}, Field{"errorMessage", r.ErrorMessage})
	}
	loggerOrNoop(t.Logger).Debug("get customer info result", fields...)
}
