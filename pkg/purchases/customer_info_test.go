package purchases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrieveCustomerInfo_CacheOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("hit", func(t *testing.T) {
		h := newHarness(t, Config{})
		cached := customerInfoFor("user-1", "cached")
		h.seedCache(t, "user-1", cached)

		info, err := h.p.GetCustomerInfo(ctx, CacheOnly)
		require.NoError(t, err)
		assert.True(t, info.HasActiveEntitlement("cached"))
		assert.Equal(t, 0, h.backend.getCount())
	})

	t.Run("miss", func(t *testing.T) {
		h := newHarness(t, Config{})

		info, err := h.p.GetCustomerInfo(ctx, CacheOnly)
		assert.Nil(t, info)
		assert.ErrorIs(t, err, ErrCustomerInfo)
		assert.Equal(t, 0, h.backend.getCount())
	})
}

func TestRetrieveCustomerInfo_CacheOnlyNotifiesOnlyOnReplay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))
	listener := &recordingListener{}
	h.p.SetUpdatedCustomerInfoListener(ctx, listener)
	require.Equal(t, 1, listener.count())

	for i := 0; i < 2; i++ {
		info, err := h.p.GetCustomerInfo(ctx, CacheOnly)
		require.NoError(t, err)
		assert.True(t, info.HasActiveEntitlement("cached"))
	}

	assert.Equal(t, 1, listener.count())
	assert.Equal(t, 0, h.backend.getCount())
}

func TestRetrieveCustomerInfo_FetchCurrentIgnoresFreshCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))
	listener := &recordingListener{}
	h.p.Subscribe(ctx, listener)
	require.Equal(t, 1, listener.count())

	info, err := h.p.GetCustomerInfo(ctx, FetchCurrent)
	require.NoError(t, err)
	assert.True(t, info.HasActiveEntitlement("pro"))
	assert.Equal(t, 1, h.backend.getCount())

	cached := h.p.cache.GetCachedCustomerInfo(ctx, "user-1")
	require.NotNil(t, cached)
	assert.True(t, cached.HasActiveEntitlement("pro"))
	assert.Equal(t, 2, listener.count())
}

func TestRetrieveCustomerInfo_CachedOrFetched(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh cache is served", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))

		info, err := h.p.GetCustomerInfo(ctx, CachedOrFetched)
		require.NoError(t, err)
		assert.True(t, info.HasActiveEntitlement("cached"))
		assert.Equal(t, 0, h.backend.getCount())
	})

	t.Run("stale cache is refetched", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))
		h.clock.Advance(6 * time.Minute)

		info, err := h.p.GetCustomerInfo(ctx, CachedOrFetched)
		require.NoError(t, err)
		assert.True(t, info.HasActiveEntitlement("pro"))
		assert.Equal(t, 1, h.backend.getCount())
	})

	t.Run("background uses the longer window", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))
		h.clock.Advance(6 * time.Minute)
		h.p.OnAppBackgrounded()

		info, err := h.p.GetCustomerInfo(ctx, CachedOrFetched)
		require.NoError(t, err)
		assert.True(t, info.HasActiveEntitlement("cached"))
		assert.Equal(t, 0, h.backend.getCount())
	})

	t.Run("stale cache is not vended when the fetch fails", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))
		h.clock.Advance(time.Hour)
		h.backend.getErr = serverError()

		info, err := h.p.GetCustomerInfo(ctx, CachedOrFetched)
		assert.Nil(t, info)
		assert.ErrorIs(t, err, &PurchasesError{Code: UnknownBackendError})
		assert.Equal(t, 1, h.backend.getCount())
		assert.True(t, h.p.cache.IsCustomerInfoCacheStale(ctx, "user-1", false))
	})

	t.Run("nothing cached and fetch fails", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.backend.getErr = serverError()

		info, err := h.p.GetCustomerInfo(ctx, CachedOrFetched)
		assert.Nil(t, info)
		assert.ErrorIs(t, err, &PurchasesError{Code: UnknownBackendError})
	})
}

func TestRetrieveCustomerInfo_NotStaleCachedOrCurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh cache is served", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))

		info, err := h.p.GetCustomerInfo(ctx, NotStaleCachedOrCurrent)
		require.NoError(t, err)
		assert.True(t, info.HasActiveEntitlement("cached"))
		assert.Equal(t, 0, h.backend.getCount())
	})

	t.Run("stale cache is never vended", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))
		h.clock.Advance(time.Hour)
		h.backend.getErr = serverError()

		info, err := h.p.GetCustomerInfo(ctx, NotStaleCachedOrCurrent)
		assert.Nil(t, info)
		require.Error(t, err)
		var pe *PurchasesError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, UnknownBackendError, pe.Code)
	})
}

func TestRetrieveCustomerInfo_FailedFetchClearsTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))
	require.False(t, h.p.cache.IsCustomerInfoCacheStale(ctx, "user-1", false))

	h.backend.getErr = serverError()
	_, err := h.p.GetCustomerInfo(ctx, FetchCurrent)
	require.Error(t, err)

	assert.True(t, h.p.cache.IsCustomerInfoCacheStale(ctx, "user-1", false))
	assert.NotNil(t, h.p.cache.GetCachedCustomerInfo(ctx, "user-1"))
}

func TestRetrieveCustomerInfo_PendingSyncResultShortCircuits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.store.purchases = []*StoreTransaction{purchasedTx("token-1", "monthly", ProductTypeSubs)}

	info, err := h.p.GetCustomerInfo(ctx, FetchCurrent)
	require.NoError(t, err)
	assert.True(t, info.HasActiveEntitlement("pro"))
	assert.Equal(t, 0, h.backend.getCount())
	assert.Equal(t, []string{"token-1"}, h.backend.postedTokens())

	require.Len(t, h.diagnostics.results, 1)
	assert.True(t, h.diagnostics.results[0].HadUnsyncedPurchasesBefore)
	assert.Equal(t, FetchCurrent, h.diagnostics.results[0].Policy)
}

func TestRetrieveCustomerInfo_OfflineEntitlements(t *testing.T) {
	ctx := context.Background()
	mapping := &ProductEntitlementMapping{Mappings: map[string]ProductMapping{
		"monthly": {ProductIdentifier: "monthly", Entitlements: []string{"pro"}},
	}}

	newOfflineHarness := func(t *testing.T) *harness {
		h := newHarness(t, Config{EnableOfflineEntitlements: true})
		require.NoError(t, h.p.cache.CacheProductEntitlementMapping(ctx, mapping))
		h.store.purchases = []*StoreTransaction{purchasedTx("token-1", "monthly", ProductTypeSubs)}
		h.store.products["monthly"] = &StoreProduct{ID: "monthly", Type: ProductTypeSubs, Period: "P1M"}
		h.backend.postFn = func(*PostReceiptRequest) (*PostReceiptResponse, error) { return nil, serverError() }
		return h
	}

	t.Run("server error with nothing cached computes offline info", func(t *testing.T) {
		h := newOfflineHarness(t)
		h.backend.getErr = serverError()
		listener := &recordingListener{}
		h.p.SetUpdatedCustomerInfoListener(ctx, listener)

		info, err := h.p.GetCustomerInfo(ctx, FetchCurrent)
		require.NoError(t, err)
		assert.Equal(t, VerificationVerifiedOnDevice, info.Verification)
		require.True(t, info.HasActiveEntitlement("pro"))
		exp := info.Entitlements["pro"].ExpirationDate
		require.NotNil(t, exp)
		assert.Equal(t, time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC), *exp)
		assert.Equal(t, 1, listener.count())

		cached, err := h.p.GetCustomerInfo(ctx, CacheOnly)
		require.NoError(t, err)
		assert.Same(t, info, cached)
	})

	t.Run("non server errors are surfaced", func(t *testing.T) {
		h := newOfflineHarness(t)
		h.backend.getErr = &BackendError{Err: NewError(InvalidCredentialsError, ""), StatusCode: 401}

		_, err := h.p.GetCustomerInfo(ctx, FetchCurrent)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Nil(t, h.p.offline.OfflineCustomerInfo())
	})

	t.Run("cached info blocks offline computation", func(t *testing.T) {
		h := newOfflineHarness(t)
		h.seedCache(t, "user-1", customerInfoFor("user-1", "cached"))
		h.backend.getErr = serverError()

		_, err := h.p.GetCustomerInfo(ctx, FetchCurrent)
		require.Error(t, err)
		assert.Nil(t, h.p.offline.OfflineCustomerInfo())
	})

	t.Run("backend result replaces the offline snapshot", func(t *testing.T) {
		h := newOfflineHarness(t)
		h.backend.getErr = serverError()
		_, err := h.p.GetCustomerInfo(ctx, FetchCurrent)
		require.NoError(t, err)
		require.NotNil(t, h.p.offline.OfflineCustomerInfo())

		h.backend.mu.Lock()
		h.backend.getErr = nil
		h.backend.mu.Unlock()
		info, err := h.p.GetCustomerInfo(ctx, FetchCurrent)
		require.NoError(t, err)
		assert.Equal(t, VerificationNotRequested, info.Verification)
		assert.Nil(t, h.p.offline.OfflineCustomerInfo())
	})
}

func TestRetrieveCustomerInfo_Diagnostics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.p.GetCustomerInfo(ctx, CacheOnly)
	require.Error(t, err)

	assert.Equal(t, 1, h.diagnostics.started)
	require.Len(t, h.diagnostics.results, 1)
	r := h.diagnostics.results[0]
	assert.Equal(t, CacheOnly, r.Policy)
	assert.Equal(t, CustomerInfoError, r.ErrorCode)
	assert.False(t, r.HadUnsyncedPurchasesBefore)
	assert.Nil(t, r.Verification)
}

func TestParseCacheFetchPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    CacheFetchPolicy
		wantErr bool
	}{
		{"", CachedOrFetched, false},
		{"cache_only", CacheOnly, false},
		{"FETCH_CURRENT", FetchCurrent, false},
		{"cached_or_fetched", CachedOrFetched, false},
		{"NOT_STALE_CACHED_OR_CURRENT", NotStaleCachedOrCurrent, false},
		{"sometimes", CachedOrFetched, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCacheFetchPolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCacheFetchPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) CacheFetchPolicy {
	t.Helper()
	p, err := ParseCacheFetchPolicy(s)
	require.NoError(t, err)
	return p
}
