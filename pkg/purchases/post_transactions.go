package purchases

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultPostConcurrency = 4

// TransactionPostResult is the outcome of posting one transaction.
type TransactionPostResult struct {
	Transaction  *StoreTransaction
	CustomerInfo *CustomerInfo
	Err          *PurchasesError
}

// PostTransactionWithProductDetailsHelper posts a batch of transactions,
// attaching the store product of each when it can be resolved.
type PostTransactionWithProductDetailsHelper struct {
	products    ProductResolver
	poster      *PostReceiptHelper
	concurrency int
	logger      Logger
}

// NewPostTransactionWithProductDetailsHelper creates the batch helper.
// products may be nil, in which case receipts are posted without prices.
func NewPostTransactionWithProductDetailsHelper(
	products ProductResolver,
	poster *PostReceiptHelper,
	concurrency int,
	logger Logger,
) *PostTransactionWithProductDetailsHelper {
	if concurrency <= 0 {
		concurrency = defaultPostConcurrency
	}
	return &PostTransactionWithProductDetailsHelper{
		products:    products,
		poster:      poster,
		concurrency: concurrency,
		logger:      loggerOrNoop(logger),
	}
}

// PostTransactions posts every transaction and returns one result per
// input, in input order.
func (h *PostTransactionWithProductDetailsHelper) PostTransactions(
	ctx context.Context,
	txs []*StoreTransaction,
	isRestore bool,
	appUserID string,
	source PostReceiptInitiationSource,
) []TransactionPostResult {
	results, _ := h.postBatch(ctx, txs, isRestore, appUserID, source)
	return results
}

// postBatch posts txs concurrently. Besides the per-transaction results it
// returns the customer info that was cached last, which is the value
// listeners saw last.
func (h *PostTransactionWithProductDetailsHelper) postBatch(
	ctx context.Context,
	txs []*StoreTransaction,
	isRestore bool,
	appUserID string,
	source PostReceiptInitiationSource,
) ([]TransactionPostResult, *CustomerInfo) {
	results := make([]TransactionPostResult, len(txs))
	if len(txs) == 0 {
		return results, nil
	}

	products := h.resolveProducts(ctx, txs)

	var (
		mu     sync.Mutex
		latest *CustomerInfo
	)
	written := func(info *CustomerInfo) {
		mu.Lock()
		latest = info
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i, tx := range txs {
		g.Go(func() error {
			info, err := h.poster.postTransaction(gctx, tx, products[tx.ProductID()], isRestore, appUserID, source, written)
			results[i] = TransactionPostResult{
				Transaction:  tx,
				CustomerInfo: info,
				Err:          toPurchasesError(err),
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	return results, latest
}

// resolveProducts queries products grouped by type. Lookup failures are
// logged and the affected transactions are posted without product data.
func (h *PostTransactionWithProductDetailsHelper) resolveProducts(
	ctx context.Context,
	txs []*StoreTransaction,
) map[string]*StoreProduct {
	found := make(map[string]*StoreProduct)
	if h.products == nil {
		return found
	}

	idsByType := make(map[ProductType][]string)
	seen := make(map[string]bool)
	for _, tx := range txs {
		id := tx.ProductID()
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		idsByType[tx.Type] = append(idsByType[tx.Type], id)
	}

	for productType, ids := range idsByType {
		products, err := h.products.QueryProducts(ctx, productType, ids)
		if err != nil {
			h.logger.Warn("failed to query products for posting",
				Field{"type", string(productType)},
				Field{"productIds", ids},
				Field{"error", err.Error()},
			)
			continue
		}
		for _, p := range products {
			found[p.ID] = p
		}
	}
	return found
}
