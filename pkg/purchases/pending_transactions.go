package purchases

import (
	"context"
)

// PostPendingTransactionsHelper reconciles purchases known to the billing
// layer with the ones the backend has acknowledged.
type PostPendingTransactionsHelper struct {
	autoSync bool
	billing  BillingClient
	cache    CacheStore
	metadata TransactionMetadataStore
	identity AppUserIDProvider
	batch    *PostTransactionWithProductDetailsHelper
	poster   *PostReceiptHelper
	logger   Logger
	metrics  Metrics
}

// PostPendingTransactionsHelperConfig wires a PostPendingTransactionsHelper.
type PostPendingTransactionsHelperConfig struct {
	AutoSyncPurchases bool
	Billing           BillingClient
	Cache             CacheStore
	Metadata          TransactionMetadataStore
	Identity          AppUserIDProvider
	Batch             *PostTransactionWithProductDetailsHelper
	Poster            *PostReceiptHelper
	Logger            Logger
	Metrics           Metrics
}

// NewPostPendingTransactionsHelper creates the sync helper.
func NewPostPendingTransactionsHelper(config PostPendingTransactionsHelperConfig) *PostPendingTransactionsHelper {
	return &PostPendingTransactionsHelper{
		autoSync: config.AutoSyncPurchases,
		billing:  config.Billing,
		cache:    config.Cache,
		metadata: config.Metadata,
		identity: config.Identity,
		batch:    config.Batch,
		poster:   config.Poster,
		logger:   loggerOrNoop(config.Logger),
		metrics:  metricsOrNoop(config.Metrics),
	}
}

// SyncPendingPurchaseQueue posts every purchase the backend has not seen
// yet, then sweeps leftover transaction metadata. It returns exactly one
// result variant.
func (h *PostPendingTransactionsHelper) SyncPendingPurchaseQueue(
	ctx context.Context,
	isRestore bool,
) SyncPendingPurchaseResult {
	result := h.sync(ctx, isRestore)
	h.metrics.RecordPendingSync(result.Kind)
	return result
}

func (h *PostPendingTransactionsHelper) sync(ctx context.Context, isRestore bool) SyncPendingPurchaseResult {
	if !h.autoSync {
		h.logger.Debug("skipping pending purchase sync, auto sync disabled")
		return syncAutoSyncDisabled()
	}

	appUserID := h.identity.CurrentAppUserID()
	purchasesByHash, err := h.billing.QueryPurchases(ctx, appUserID)
	if err != nil {
		pe := toPurchasesError(err)
		h.logger.Warn("failed to query purchases for sync",
			Field{"appUserId", appUserID},
			Field{"error", pe.Error()},
		)
		return syncError(pe)
	}

	hashes := make([]string, 0, len(purchasesByHash))
	for hash := range purchasesByHash {
		hashes = append(hashes, hash)
	}
	if err := h.cache.CleanPreviouslySentTokens(ctx, hashes); err != nil {
		h.logger.Warn("failed to clean previously sent tokens", Field{"error", err.Error()})
	}

	pendingTokens := make(map[string]struct{})
	for _, tx := range purchasesByHash {
		if tx.PurchaseState == PurchaseStatePending {
			pendingTokens[tx.PurchaseToken] = struct{}{}
		}
	}

	var candidates []*StoreTransaction
	for _, tx := range h.cache.GetActivePurchasesNotInCache(ctx, purchasesByHash) {
		if tx.PurchaseState == PurchaseStatePending {
			continue
		}
		candidates = append(candidates, tx)
	}

	h.logger.Debug("pending purchase sync",
		Field{"appUserId", appUserID},
		Field{"purchases", len(purchasesByHash)},
		Field{"candidates", len(candidates)},
		Field{"pending", len(pendingTokens)},
	)

	var (
		batchErr  *PurchasesError
		batchInfo *CustomerInfo
	)
	batchTokens := make(map[string]struct{}, len(candidates))
	if len(candidates) > 0 {
		for _, tx := range candidates {
			batchTokens[tx.PurchaseToken] = struct{}{}
		}
		var results []TransactionPostResult
		results, batchInfo = h.batch.postBatch(ctx, candidates, isRestore, appUserID, SourceUnsyncedActivePurchases)
		for _, r := range results {
			if r.Err != nil && batchErr == nil {
				batchErr = r.Err
			}
		}
	}

	sweep := h.postRemainingCachedTransactionMetadata(ctx, appUserID, isRestore, pendingTokens, batchTokens)

	if len(candidates) == 0 {
		return sweep
	}
	if batchErr != nil {
		return syncError(batchErr)
	}
	return syncSuccess(batchInfo)
}

// postRemainingCachedTransactionMetadata posts stored metadata that is
// neither pending nor covered by the regular batch.
func (h *PostPendingTransactionsHelper) postRemainingCachedTransactionMetadata(
	ctx context.Context,
	appUserID string,
	isRestore bool,
	pendingTokens map[string]struct{},
	batchTokens map[string]struct{},
) SyncPendingPurchaseResult {
	if h.metadata == nil {
		return syncNoPendingPurchases()
	}

	posted := h.cache.GetPreviouslySentHashedTokens(ctx)
	var remaining []TransactionMetadata
	for _, m := range h.metadata.GetAllTransactionMetadata(ctx) {
		if _, ok := pendingTokens[m.Token]; ok {
			continue
		}
		if _, ok := batchTokens[m.Token]; ok {
			continue
		}
		if _, ok := posted[TokenHash(m.Token)]; ok {
			continue
		}
		remaining = append(remaining, m)
	}
	if len(remaining) == 0 {
		return syncNoPendingPurchases()
	}

	h.logger.Debug("posting remaining cached transaction metadata", Field{"count", len(remaining)})

	var (
		firstErr *PurchasesError
		lastInfo *CustomerInfo
	)
	for _, m := range remaining {
		userID := m.AppUserID
		if userID == "" {
			userID = appUserID
		}
		info, err := h.poster.PostTokenAndReceiptInfoToBackend(
			ctx, m.Token, m.StoreUserID, m.Marketplace, m.ReceiptInfo, isRestore, userID, SourceUnsyncedActivePurchases,
		)
		if err != nil {
			if firstErr == nil {
				firstErr = toPurchasesError(err)
			}
			continue
		}
		lastInfo = info
	}
	if firstErr != nil {
		return syncError(firstErr)
	}
	return syncSuccess(lastInfo)
}
