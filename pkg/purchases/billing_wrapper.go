package purchases

import (
	"context"
	"fmt"
)

// BillingWrapper adapts a platform StoreClient to the BillingClient,
// PurchaseHistoryProvider and ProductResolver views used by the pipelines.
type BillingWrapper struct {
	store         StoreClient
	cache         CacheStore
	nonConsumable map[string]struct{}
	logger        Logger
}

// NewBillingWrapper creates a billing wrapper. Products listed in
// nonConsumable are acknowledged instead of consumed.
func NewBillingWrapper(store StoreClient, cache CacheStore, nonConsumable []string, logger Logger) *BillingWrapper {
	set := make(map[string]struct{}, len(nonConsumable))
	for _, id := range nonConsumable {
		set[id] = struct{}{}
	}
	return &BillingWrapper{
		store:         store,
		cache:         cache,
		nonConsumable: set,
		logger:        loggerOrNoop(logger),
	}
}

// QueryPurchases returns the active purchases keyed by TokenHash.
func (w *BillingWrapper) QueryPurchases(ctx context.Context, appUserID string) (map[string]*StoreTransaction, error) {
	txs, err := w.store.QueryPurchases(ctx, appUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	byHash := make(map[string]*StoreTransaction, len(txs))
	for _, tx := range txs {
		if tx == nil || tx.PurchaseToken == "" {
			continue
		}
		byHash[TokenHash(tx.PurchaseToken)] = tx
	}
	return byHash, nil
}

// QueryAllPurchases returns the full purchase history.
func (w *BillingWrapper) QueryAllPurchases(ctx context.Context, appUserID string) ([]*StoreTransaction, error) {
	txs, err := w.store.QueryPurchaseHistory(ctx, appUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase history: %w", err)
	}
	return txs, nil
}

func (w *BillingWrapper) QueryProducts(ctx context.Context, productType ProductType, productIDs []string) ([]*StoreProduct, error) {
	return w.store.QueryProducts(ctx, productType, productIDs)
}

// LaunchPurchaseFlow starts a purchase when the store supports it.
func (w *BillingWrapper) LaunchPurchaseFlow(ctx context.Context, appUserID string, params PurchaseParams) (*StoreTransaction, error) {
	launcher, ok := w.store.(PurchaseLauncher)
	if !ok {
		return nil, NewError(UnsupportedError, "store does not support launching purchases")
	}
	return launcher.LaunchPurchaseFlow(ctx, appUserID, params)
}

// ConsumeAndSave finishes tx with the store when shouldConsume is set, then
// records its token as posted. Transactions of unknown type and pending
// purchases are left untouched.
func (w *BillingWrapper) ConsumeAndSave(ctx context.Context, shouldConsume bool, tx *StoreTransaction) error {
	if tx.Type == ProductTypeUnknown || tx.Type == "" {
		return nil
	}
	if tx.PurchaseState == PurchaseStatePending {
		return nil
	}

	if shouldConsume {
		if err := w.finish(ctx, tx); err != nil {
			return err
		}
	}
	if err := w.cache.AddSuccessfullyPostedToken(ctx, tx.PurchaseToken); err != nil {
		return fmt.Errorf("failed to record posted token: %w", err)
	}
	return nil
}

func (w *BillingWrapper) finish(ctx context.Context, tx *StoreTransaction) error {
	switch tx.Type {
	case ProductTypeInApp:
		if _, ok := w.nonConsumable[tx.ProductID()]; ok {
			return w.acknowledge(ctx, tx)
		}
		w.logger.Debug("consuming purchase", Field{"productIds", tx.ProductIDs})
		if err := w.store.Consume(ctx, tx); err != nil {
			return fmt.Errorf("failed to consume purchase: %w", err)
		}
		return nil
	case ProductTypeSubs:
		return w.acknowledge(ctx, tx)
	}
	return nil
}

func (w *BillingWrapper) acknowledge(ctx context.Context, tx *StoreTransaction) error {
	if tx.IsAcknowledged {
		return nil
	}
	w.logger.Debug("acknowledging purchase", Field{"productIds", tx.ProductIDs})
	if err := w.store.Acknowledge(ctx, tx); err != nil {
		return fmt.Errorf("failed to acknowledge purchase: %w", err)
	}
	return nil
}
