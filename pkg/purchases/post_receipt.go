package purchases

import (
	"context"
)

const (
	postOutcomeSuccess         = "success"
	postOutcomeError           = "error"
	postOutcomeConsumedOnError = "consumed_on_error"
	postOutcomePending         = "pending"
)

// PostReceiptHelper posts a single purchase or token to the backend and
// drives the side effects of the result.
type PostReceiptHelper struct {
	backend            Backend
	billing            BillingClient
	cache              CacheStore
	attributes         SubscriberAttributesStore
	metadata           TransactionMetadataStore
	updater            *CustomerInfoUpdateHandler
	finishTransactions bool
	logger             Logger
	metrics            Metrics
}

// PostReceiptHelperConfig wires a PostReceiptHelper.
type PostReceiptHelperConfig struct {
	Backend    Backend
	Billing    BillingClient
	Cache      CacheStore
	Attributes SubscriberAttributesStore
	Metadata   TransactionMetadataStore
	Updater    *CustomerInfoUpdateHandler

	// FinishTransactions is false in observer mode, where the app finishes
	// transactions itself.
	FinishTransactions bool

	Logger  Logger
	Metrics Metrics
}

// NewPostReceiptHelper creates a posting helper.
func NewPostReceiptHelper(config PostReceiptHelperConfig) *PostReceiptHelper {
	return &PostReceiptHelper{
		backend:            config.Backend,
		billing:            config.Billing,
		cache:              config.Cache,
		attributes:         config.Attributes,
		metadata:           config.Metadata,
		updater:            config.Updater,
		finishTransactions: config.FinishTransactions,
		logger:             loggerOrNoop(config.Logger),
		metrics:            metricsOrNoop(config.Metrics),
	}
}

// PostTransactionToBackend posts tx and, on success or on a failure the
// backend marks as final, finishes it with the billing layer. Pending
// purchases are rejected with PaymentPendingError without a network call.
func (h *PostReceiptHelper) PostTransactionToBackend(
	ctx context.Context,
	tx *StoreTransaction,
	product *StoreProduct,
	isRestore bool,
	appUserID string,
	source PostReceiptInitiationSource,
) (*CustomerInfo, error) {
	return h.postTransaction(ctx, tx, product, isRestore, appUserID, source, nil)
}

// postTransaction is PostTransactionToBackend; written runs right after the
// resulting customer info is cached, under the user's write lock.
func (h *PostReceiptHelper) postTransaction(
	ctx context.Context,
	tx *StoreTransaction,
	product *StoreProduct,
	isRestore bool,
	appUserID string,
	source PostReceiptInitiationSource,
	written func(*CustomerInfo),
) (*CustomerInfo, error) {
	if tx.PurchaseState == PurchaseStatePending {
		h.metrics.RecordReceiptPost(source, postOutcomePending)
		h.logger.Debug("not posting pending purchase",
			Field{"productIds", tx.ProductIDs},
			Field{"appUserId", appUserID},
		)
		return nil, NewError(PaymentPendingError, "purchase is pending")
	}

	receipt := NewReceiptInfo(tx, product)
	if source == SourcePurchase && h.metadata != nil {
		if err := h.metadata.CacheTransactionMetadata(ctx, TransactionMetadata{
			Token:       tx.PurchaseToken,
			ReceiptInfo: receipt,
			Source:      source,
			StoreUserID: tx.StoreUserID,
			Marketplace: tx.Marketplace,
			AppUserID:   appUserID,
		}); err != nil {
			h.logger.Warn("failed to cache transaction metadata", Field{"error", err.Error()})
		}
	}

	attrs := h.unsyncedAttributes(ctx, appUserID)
	resp, err := h.backend.PostReceiptData(ctx, &PostReceiptRequest{
		PurchaseToken:    tx.PurchaseToken,
		AppUserID:        appUserID,
		IsRestore:        isRestore,
		ObserverMode:     !h.finishTransactions,
		Attributes:       attrs,
		ReceiptInfo:      receipt,
		StoreUserID:      tx.StoreUserID,
		Marketplace:      tx.Marketplace,
		InitiationSource: source,
	})
	if err != nil {
		ce := classify(err)
		if ce.shouldConsume {
			h.markAttributesSynced(ctx, appUserID, attrs, ce.attributeErrors)
			h.consumeAndSave(ctx, tx)
			h.clearMetadata(ctx, tx.PurchaseToken)
			h.metrics.RecordReceiptPost(source, postOutcomeConsumedOnError)
		} else {
			h.metrics.RecordReceiptPost(source, postOutcomeError)
		}
		h.logger.Warn("failed to post receipt",
			Field{"productIds", tx.ProductIDs},
			Field{"appUserId", appUserID},
			Field{"shouldConsume", ce.shouldConsume},
			Field{"error", ce.err.Error()},
		)
		return nil, ce.err
	}

	h.markAttributesSynced(ctx, appUserID, attrs, resp.AttributeErrors)
	h.updater.cacheAndNotify(ctx, appUserID, resp.CustomerInfo, written)
	h.consumeAndSave(ctx, tx)
	h.clearMetadata(ctx, tx.PurchaseToken)
	h.metrics.RecordReceiptPost(source, postOutcomeSuccess)

	return resp.CustomerInfo, nil
}

// PostTokenAndReceiptInfoToBackend posts a bare token when no live
// transaction is available. On success, or on a failure the backend marks
// as final, the token is recorded as posted instead of being consumed.
func (h *PostReceiptHelper) PostTokenAndReceiptInfoToBackend(
	ctx context.Context,
	token, storeUserID, marketplace string,
	receipt *ReceiptInfo,
	isRestore bool,
	appUserID string,
	source PostReceiptInitiationSource,
) (*CustomerInfo, error) {
	attrs := h.unsyncedAttributes(ctx, appUserID)
	resp, err := h.backend.PostReceiptData(ctx, &PostReceiptRequest{
		PurchaseToken:    token,
		AppUserID:        appUserID,
		IsRestore:        isRestore,
		ObserverMode:     !h.finishTransactions,
		Attributes:       attrs,
		ReceiptInfo:      receipt,
		StoreUserID:      storeUserID,
		Marketplace:      marketplace,
		InitiationSource: source,
	})
	if err != nil {
		ce := classify(err)
		if ce.shouldConsume {
			h.markAttributesSynced(ctx, appUserID, attrs, ce.attributeErrors)
			h.addPostedToken(ctx, token)
			h.clearMetadata(ctx, token)
			h.metrics.RecordReceiptPost(source, postOutcomeConsumedOnError)
		} else {
			h.metrics.RecordReceiptPost(source, postOutcomeError)
		}
		h.logger.Warn("failed to post token",
			Field{"appUserId", appUserID},
			Field{"shouldConsume", ce.shouldConsume},
			Field{"error", ce.err.Error()},
		)
		return nil, ce.err
	}

	h.markAttributesSynced(ctx, appUserID, attrs, resp.AttributeErrors)
	h.updater.CacheAndNotifyListeners(ctx, appUserID, resp.CustomerInfo)
	h.addPostedToken(ctx, token)
	h.clearMetadata(ctx, token)
	h.metrics.RecordReceiptPost(source, postOutcomeSuccess)

	return resp.CustomerInfo, nil
}

func (h *PostReceiptHelper) unsyncedAttributes(ctx context.Context, appUserID string) map[string]SubscriberAttribute {
	if h.attributes == nil {
		return nil
	}
	return h.attributes.GetUnsyncedSubscriberAttributes(ctx, appUserID)
}

func (h *PostReceiptHelper) markAttributesSynced(
	ctx context.Context,
	appUserID string,
	attrs map[string]SubscriberAttribute,
	errs []AttributeError,
) {
	if h.attributes == nil {
		return
	}
	h.attributes.MarkAsSynced(ctx, appUserID, attrs, errs)
}

func (h *PostReceiptHelper) consumeAndSave(ctx context.Context, tx *StoreTransaction) {
	if err := h.billing.ConsumeAndSave(ctx, h.finishTransactions, tx); err != nil {
		h.logger.Warn("failed to finish transaction",
			Field{"productIds", tx.ProductIDs},
			Field{"error", err.Error()},
		)
	}
}

func (h *PostReceiptHelper) addPostedToken(ctx context.Context, token string) {
	if err := h.cache.AddSuccessfullyPostedToken(ctx, token); err != nil {
		h.logger.Warn("failed to record posted token", Field{"error", err.Error()})
	}
}

func (h *PostReceiptHelper) clearMetadata(ctx context.Context, token string) {
	if h.metadata == nil {
		return
	}
	if err := h.metadata.ClearTransactionMetadata(ctx, token); err != nil {
		h.logger.Warn("failed to clear transaction metadata", Field{"error", err.Error()})
	}
}
