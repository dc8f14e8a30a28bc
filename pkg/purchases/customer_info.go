package purchases

import (
	"context"
)

// RetrieveRequest is a single customer info retrieval.
type RetrieveRequest struct {
	AppUserID       string
	Policy          CacheFetchPolicy
	AppInBackground bool
	// IsRestore is forwarded to the pending purchase sync.
	IsRestore        bool
	TrackDiagnostics bool
}

// PendingPurchaseSyncer is the pending purchase sync as used by retrieval.
type PendingPurchaseSyncer interface {
	SyncPendingPurchaseQueue(ctx context.Context, isRestore bool) SyncPendingPurchaseResult
}

// CustomerInfoHelper resolves customer info under a CacheFetchPolicy.
type CustomerInfoHelper struct {
	cache       CacheStore
	backend     Backend
	offline     OfflineEntitlements
	updater     *CustomerInfoUpdateHandler
	pending     PendingPurchaseSyncer
	diagnostics DiagnosticsTracker
	clock       Clock
	logger      Logger
	metrics     Metrics
}

// CustomerInfoHelperConfig wires a CustomerInfoHelper.
type CustomerInfoHelperConfig struct {
	Cache   CacheStore
	Backend Backend
	// Offline is optional; without it failures are never absorbed.
	Offline     OfflineEntitlements
	Updater     *CustomerInfoUpdateHandler
	Pending     PendingPurchaseSyncer
	Diagnostics DiagnosticsTracker
	Clock       Clock
	Logger      Logger
	Metrics     Metrics
}

// NewCustomerInfoHelper creates a retrieval helper.
func NewCustomerInfoHelper(config CustomerInfoHelperConfig) *CustomerInfoHelper {
	diagnostics := config.Diagnostics
	if diagnostics == nil {
		diagnostics = NoopDiagnosticsTracker{}
	}
	return &CustomerInfoHelper{
		cache:       config.Cache,
		backend:     config.Backend,
		offline:     config.Offline,
		updater:     config.Updater,
		pending:     config.Pending,
		diagnostics: diagnostics,
		clock:       clockOrSystem(config.Clock),
		logger:      loggerOrNoop(config.Logger),
		metrics:     metricsOrNoop(config.Metrics),
	}
}

// retrieval carries the state of one RetrieveCustomerInfo call.
type retrieval struct {
	req                        RetrieveRequest
	source                     string
	hadUnsyncedPurchasesBefore bool
}

// RetrieveCustomerInfo resolves customer info for req. Every path ends in
// either a CustomerInfo or a *PurchasesError.
func (h *CustomerInfoHelper) RetrieveCustomerInfo(ctx context.Context, req RetrieveRequest) (*CustomerInfo, error) {
	start := h.clock.Now()
	if req.TrackDiagnostics {
		h.diagnostics.TrackGetCustomerInfoStarted(ctx)
	}

	r := &retrieval{req: req}
	info, perr := h.resolve(ctx, r)

	duration := h.clock.Now().Sub(start)
	h.metrics.RecordCustomerInfoRetrieval(req.Policy, r.source, perr == nil, duration)
	if req.TrackDiagnostics {
		result := GetCustomerInfoResult{
			Policy:                     req.Policy,
			HadUnsyncedPurchasesBefore: r.hadUnsyncedPurchasesBefore,
			Duration:                   duration,
		}
		if info != nil {
			v := info.Verification
			result.Verification = &v
		}
		if perr != nil {
			result.ErrorCode = perr.Code
			result.ErrorMessage = perr.Error()
		}
		h.diagnostics.TrackGetCustomerInfoResult(ctx, result)
	}

	if perr != nil {
		return nil, perr
	}
	return info, nil
}

func (h *CustomerInfoHelper) resolve(ctx context.Context, r *retrieval) (*CustomerInfo, *PurchasesError) {
	userID := r.req.AppUserID
	switch r.req.Policy {
	case CacheOnly:
		return h.fromCache(ctx, r)
	case FetchCurrent:
		return h.fetchCurrent(ctx, r)
	case CachedOrFetched:
		if !h.cache.IsCustomerInfoCacheStale(ctx, userID, r.req.AppInBackground) {
			return h.fromCache(ctx, r)
		}
		h.logger.Debug("customer info cache is stale, fetching", Field{"appUserId", userID})
		return h.fetchCurrent(ctx, r)
	case NotStaleCachedOrCurrent:
		if h.cache.IsCustomerInfoCacheStale(ctx, userID, r.req.AppInBackground) {
			return h.fetchCurrent(ctx, r)
		}
		return h.fromCache(ctx, r)
	default:
		return nil, NewError(ConfigurationError, "unknown cache fetch policy "+r.req.Policy.String())
	}
}

// fromCache serves the resident offline snapshot or the cached blob.
func (h *CustomerInfoHelper) fromCache(ctx context.Context, r *retrieval) (*CustomerInfo, *PurchasesError) {
	r.source = "cache"
	if h.offline != nil {
		if info := h.offline.OfflineCustomerInfo(); info != nil {
			r.source = "offline"
			h.logger.Debug("vending offline customer info", Field{"appUserId", r.req.AppUserID})
			return info, nil
		}
	}
	if info := h.cache.GetCachedCustomerInfo(ctx, r.req.AppUserID); info != nil {
		h.logger.Debug("vending customer info from cache", Field{"appUserId", r.req.AppUserID})
		return info, nil
	}
	return nil, NewError(CustomerInfoError, "missing customer info cache")
}

// fetchCurrent runs pending sync, then the network fetch, then the offline
// fallback, in that order.
func (h *CustomerInfoHelper) fetchCurrent(ctx context.Context, r *retrieval) (*CustomerInfo, *PurchasesError) {
	userID := r.req.AppUserID
	if err := h.cache.SetCustomerInfoCacheTimestampToNow(ctx, userID); err != nil {
		h.logger.Warn("failed to set customer info cache timestamp",
			Field{"appUserId", userID},
			Field{"error", err.Error()},
		)
	}

	if h.pending != nil {
		sync := h.pending.SyncPendingPurchaseQueue(ctx, r.req.IsRestore)
		r.hadUnsyncedPurchasesBefore = sync.Kind == SyncSuccess || sync.Kind == SyncError
		if sync.Kind == SyncSuccess && sync.CustomerInfo != nil {
			r.source = "pending_sync"
			return sync.CustomerInfo, nil
		}
	}

	r.source = "backend"
	info, err := h.backend.GetCustomerInfo(ctx, userID, r.req.AppInBackground)
	if err == nil {
		h.updater.CacheAndNotifyListeners(ctx, userID, info)
		return info, nil
	}

	ce := classify(err)
	h.logger.Warn("failed to fetch customer info",
		Field{"appUserId", userID},
		Field{"isServerError", ce.isServerError},
		Field{"error", ce.err.Error()},
	)
	if err := h.cache.ClearCustomerInfoCacheTimestamp(ctx, userID); err != nil {
		h.logger.Warn("failed to clear customer info cache timestamp",
			Field{"appUserId", userID},
			Field{"error", err.Error()},
		)
	}

	if h.offline != nil && h.offline.ShouldCalculateOfflineCustomerInfoInGetCustomerInfoRequest(ctx, ce.isServerError, userID) {
		offlineInfo, offErr := h.offline.CalculateAndCacheOfflineCustomerInfo(ctx, userID)
		if offErr == nil {
			r.source = "offline"
			h.updater.NotifyListeners(offlineInfo)
			return offlineInfo, nil
		}
		h.logger.Warn("failed to calculate offline customer info",
			Field{"appUserId", userID},
			Field{"error", offErr.Error()},
		)
	}
	return nil, ce.err
}
