package purchases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeviceCache(t *testing.T) (*DeviceCache, *mapStore, *fakeClock) {
	t.Helper()
	store := newMapStore()
	clock := newFakeClock()
	cache, err := NewDeviceCache(store, DeviceCacheConfig{Clock: clock})
	require.NoError(t, err)
	return cache, store, clock
}

func TestNewDeviceCache_RequiresStore(t *testing.T) {
	_, err := NewDeviceCache(nil, DeviceCacheConfig{})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestDeviceCache_CustomerInfoRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestDeviceCache(t)

	assert.Nil(t, cache.GetCachedCustomerInfo(ctx, "user-1"))
	require.NoError(t, cache.CacheCustomerInfo(ctx, "user-1", customerInfoFor("user-1", "pro")))

	got := cache.GetCachedCustomerInfo(ctx, "user-1")
	require.NotNil(t, got)
	assert.True(t, got.HasActiveEntitlement("pro"))
	assert.True(t, store.has("purchases.customer_info.user-1"))
	assert.True(t, store.has("purchases.customer_info_updated.user-1"))
	assert.Nil(t, cache.GetCachedCustomerInfo(ctx, "user-2"))
}

func TestDeviceCache_Staleness(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestDeviceCache(t)

	assert.True(t, cache.IsCustomerInfoCacheStale(ctx, "user-1", false))

	require.NoError(t, cache.SetCustomerInfoCacheTimestampToNow(ctx, "user-1"))
	assert.False(t, cache.IsCustomerInfoCacheStale(ctx, "user-1", false))

	clock.Advance(5 * time.Minute)
	assert.True(t, cache.IsCustomerInfoCacheStale(ctx, "user-1", false))
	assert.False(t, cache.IsCustomerInfoCacheStale(ctx, "user-1", true))

	clock.Advance(25 * time.Hour)
	assert.True(t, cache.IsCustomerInfoCacheStale(ctx, "user-1", true))

	require.NoError(t, cache.SetCustomerInfoCacheTimestampToNow(ctx, "user-1"))
	require.NoError(t, cache.ClearCustomerInfoCacheTimestamp(ctx, "user-1"))
	assert.True(t, cache.IsCustomerInfoCacheStale(ctx, "user-1", false))
}

func TestDeviceCache_ReadFailuresAreMisses(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestDeviceCache(t)
	require.NoError(t, cache.CacheCustomerInfo(ctx, "user-1", customerInfoFor("user-1", "pro")))

	store.getErr = errors.New("disk on fire")
	assert.Nil(t, cache.GetCachedCustomerInfo(ctx, "user-1"))
	assert.True(t, cache.IsCustomerInfoCacheStale(ctx, "user-1", false))
	store.getErr = nil

	require.NoError(t, store.Set(ctx, "purchases.customer_info.user-1", []byte("{not json")))
	assert.Nil(t, cache.GetCachedCustomerInfo(ctx, "user-1"))
}

func TestDeviceCache_PostedTokens(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestDeviceCache(t)

	require.NoError(t, cache.AddSuccessfullyPostedToken(ctx, "a"))
	require.NoError(t, cache.AddSuccessfullyPostedToken(ctx, "b"))
	require.NoError(t, cache.AddSuccessfullyPostedToken(ctx, "a"))
	assert.Len(t, cache.GetPreviouslySentHashedTokens(ctx), 2)

	require.NoError(t, cache.CleanPreviouslySentTokens(ctx, []string{TokenHash("b"), TokenHash("c")}))
	assert.Equal(t, map[string]struct{}{TokenHash("b"): {}}, cache.GetPreviouslySentHashedTokens(ctx))
}

func TestDeviceCache_GetActivePurchasesNotInCache(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestDeviceCache(t)
	require.NoError(t, cache.AddSuccessfullyPostedToken(ctx, "posted"))

	byHash := map[string]*StoreTransaction{}
	for _, token := range []string{"posted", "new-1", "new-2", "new-3"} {
		byHash[TokenHash(token)] = purchasedTx(token, "monthly", ProductTypeSubs)
	}

	got := cache.GetActivePurchasesNotInCache(ctx, byHash)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Less(t, TokenHash(got[i-1].PurchaseToken), TokenHash(got[i].PurchaseToken))
	}
	for _, tx := range got {
		assert.NotEqual(t, "posted", tx.PurchaseToken)
	}
}

func TestDeviceCache_ClearCachesForAppUserID(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestDeviceCache(t)
	require.NoError(t, cache.CacheCustomerInfo(ctx, "user-1", customerInfoFor("user-1", "pro")))
	require.NoError(t, cache.CacheCustomerInfo(ctx, "user-2", customerInfoFor("user-2", "pro")))

	require.NoError(t, cache.ClearCachesForAppUserID(ctx, "user-1"))
	assert.Nil(t, cache.GetCachedCustomerInfo(ctx, "user-1"))
	assert.False(t, store.has("purchases.customer_info_updated.user-1"))
	assert.NotNil(t, cache.GetCachedCustomerInfo(ctx, "user-2"))
}

func TestDeviceCache_ProductEntitlementMapping(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestDeviceCache(t)

	assert.Nil(t, cache.GetProductEntitlementMapping(ctx))
	assert.True(t, cache.IsProductEntitlementMappingStale(ctx))

	mapping := &ProductEntitlementMapping{Mappings: map[string]ProductMapping{
		"monthly:base": {ProductIdentifier: "monthly", BasePlanID: "base", Entitlements: []string{"pro"}},
	}}
	require.NoError(t, cache.CacheProductEntitlementMapping(ctx, mapping))
	assert.False(t, cache.IsProductEntitlementMappingStale(ctx))

	got := cache.GetProductEntitlementMapping(ctx)
	require.NotNil(t, got)
	assert.Equal(t, []string{"pro"}, got.EntitlementsFor("monthly"))
	assert.Equal(t, []string{"pro"}, got.EntitlementsFor("monthly:base"))
	assert.Nil(t, got.EntitlementsFor("yearly"))

	clock.Advance(25 * time.Hour)
	assert.True(t, cache.IsProductEntitlementMappingStale(ctx))
}

func TestDeviceCache_CustomKeyPrefix(t *testing.T) {
	ctx := context.Background()
	store := newMapStore()
	cache, err := NewDeviceCache(store, DeviceCacheConfig{KeyPrefix: "app."})
	require.NoError(t, err)

	require.NoError(t, cache.CacheAppUserID(ctx, "user-1"))
	assert.True(t, store.has("app.app_user_id"))
	assert.Equal(t, "user-1", cache.GetCachedAppUserID(ctx))
}
