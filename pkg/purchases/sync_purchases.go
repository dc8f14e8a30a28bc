package purchases

import "context"

// CustomerInfoRetriever is the retrieval entry point used after a sync.
type CustomerInfoRetriever interface {
	RetrieveCustomerInfo(ctx context.Context, req RetrieveRequest) (*CustomerInfo, error)
}

// SyncPurchasesHelper re-posts the whole purchase history. It backs both
// SyncPurchases and RestorePurchases.
type SyncPurchasesHelper struct {
	history   PurchaseHistoryProvider
	poster    *PostReceiptHelper
	retriever CustomerInfoRetriever
	logger    Logger
}

// NewSyncPurchasesHelper creates the sync helper.
func NewSyncPurchasesHelper(
	history PurchaseHistoryProvider,
	poster *PostReceiptHelper,
	retriever CustomerInfoRetriever,
	logger Logger,
) *SyncPurchasesHelper {
	return &SyncPurchasesHelper{
		history:   history,
		poster:    poster,
		retriever: retriever,
		logger:    loggerOrNoop(logger),
	}
}

// SyncPurchases posts every historical token for appUserID. With no history
// it fetches current customer info instead. It returns the first post error,
// otherwise the customer info from the last post.
func (h *SyncPurchasesHelper) SyncPurchases(ctx context.Context, appUserID string, isRestore bool) (*CustomerInfo, error) {
	txs, err := h.history.QueryAllPurchases(ctx, appUserID)
	if err != nil {
		pe := toPurchasesError(err)
		h.logger.Warn("failed to query purchase history",
			Field{"appUserId", appUserID},
			Field{"error", pe.Error()},
		)
		return nil, pe
	}

	if len(txs) == 0 {
		h.logger.Debug("no purchases to sync, fetching customer info", Field{"appUserId", appUserID})
		return h.retriever.RetrieveCustomerInfo(ctx, RetrieveRequest{
			AppUserID: appUserID,
			Policy:    FetchCurrent,
			IsRestore: isRestore,
		})
	}

	source := SourcePurchase
	if isRestore {
		source = SourceRestore
	}

	h.logger.Debug("syncing purchases",
		Field{"appUserId", appUserID},
		Field{"count", len(txs)},
		Field{"isRestore", isRestore},
	)

	var (
		firstErr error
		lastInfo *CustomerInfo
	)
	for _, tx := range txs {
		info, err := h.poster.PostTokenAndReceiptInfoToBackend(
			ctx, tx.PurchaseToken, tx.StoreUserID, tx.Marketplace, NewReceiptInfo(tx, nil), isRestore, appUserID, source,
		)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		lastInfo = info
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return lastInfo, nil
}
