package purchases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncPurchases_EmptyHistoryFetchesCustomerInfo(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))

	info, err := h.p.SyncPurchases(ctx)
	require.NoError(t, err)
	assert.True(t, info.HasActiveEntitlement("pro"))
	assert.Equal(t, 1, h.backend.getCount())
	assert.Empty(t, h.backend.postRequests())
}

func TestRestorePurchases_PostsEveryToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.store.history = []*StoreTransaction{
		purchasedTx("token-1", "monthly", ProductTypeSubs),
		purchasedTx("token-2", "coins", ProductTypeInApp),
	}
	// Already posted tokens are restored anyway.
	require.NoError(t, h.p.cache.AddSuccessfullyPostedToken(ctx, "token-1"))

	info, err := h.p.RestorePurchases(ctx)
	require.NoError(t, err)
	assert.NotNil(t, info)

	reqs := h.backend.postRequests()
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.True(t, req.IsRestore)
		assert.Equal(t, SourceRestore, req.InitiationSource)
	}
	assert.Empty(t, h.store.consumedTokens())
}

func TestSyncPurchases_ReturnsFirstError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.store.history = []*StoreTransaction{
		purchasedTx("token-1", "monthly", ProductTypeSubs),
		purchasedTx("token-2", "yearly", ProductTypeSubs),
	}
	h.backend.postFn = func(req *PostReceiptRequest) (*PostReceiptResponse, error) {
		if req.PurchaseToken == "token-1" {
			return nil, finishableError()
		}
		return &PostReceiptResponse{CustomerInfo: customerInfoFor(req.AppUserID, "pro")}, nil
	}

	info, err := h.p.SyncPurchases(ctx)
	assert.Nil(t, info)
	assert.ErrorIs(t, err, &PurchasesError{Code: InvalidReceiptError})
	assert.Len(t, h.backend.postRequests(), 2)
	for _, req := range h.backend.postRequests() {
		assert.False(t, req.IsRestore)
		assert.Equal(t, SourcePurchase, req.InitiationSource)
	}
}
