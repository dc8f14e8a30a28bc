package purchases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultKeyPrefix     = "purchases."
	defaultForegroundTTL = 5 * time.Minute
	defaultBackgroundTTL = 25 * time.Hour
	defaultMappingTTL    = 25 * time.Hour

	cacheTypeCustomerInfo = "customer_info"
	cacheTypeMapping      = "product_entitlement_mapping"
)

// DeviceCacheConfig configures a DeviceCache.
type DeviceCacheConfig struct {
	// KeyPrefix is prepended to every key (default: "purchases.")
	KeyPrefix string

	// ForegroundTTL is the customer info staleness window while the app is
	// in the foreground (default: 5m)
	ForegroundTTL time.Duration

	// BackgroundTTL is the staleness window while the app is backgrounded
	// (default: 25h)
	BackgroundTTL time.Duration

	// MappingTTL is the staleness window of the product entitlement mapping
	// (default: 25h)
	MappingTTL time.Duration

	Clock   Clock
	Logger  Logger
	Metrics Metrics
}

// DeviceCache implements CacheStore on top of a KeyValueStore.
type DeviceCache struct {
	store   KeyValueStore
	config  DeviceCacheConfig
	clock   Clock
	logger  Logger
	metrics Metrics

	// mu serializes read-modify-write cycles on shared keys.
	mu sync.Mutex
}

// NewDeviceCache creates a device cache backed by store.
func NewDeviceCache(store KeyValueStore, config DeviceCacheConfig) (*DeviceCache, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	if config.ForegroundTTL <= 0 {
		config.ForegroundTTL = defaultForegroundTTL
	}
	if config.BackgroundTTL <= 0 {
		config.BackgroundTTL = defaultBackgroundTTL
	}
	if config.MappingTTL <= 0 {
		config.MappingTTL = defaultMappingTTL
	}

	return &DeviceCache{
		store:   store,
		config:  config,
		clock:   clockOrSystem(config.Clock),
		logger:  loggerOrNoop(config.Logger),
		metrics: metricsOrNoop(config.Metrics),
	}, nil
}

func (c *DeviceCache) key(parts ...string) string {
	k := c.config.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += "."
		}
		k += p
	}
	return k
}

func (c *DeviceCache) customerInfoKey(appUserID string) string {
	return c.key("customer_info", appUserID)
}

func (c *DeviceCache) customerInfoTimestampKey(appUserID string) string {
	return c.key("customer_info_updated", appUserID)
}

func (c *DeviceCache) tokensKey() string { return c.key("tokens") }

// getJSON decodes the value under key into v. It reports false on a miss
// or on any storage or decoding failure.
func (c *DeviceCache) getJSON(ctx context.Context, key string, v interface{}) bool {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			c.logger.Warn("device cache read failed", Field{"key", key}, Field{"error", err.Error()})
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Error("device cache entry is corrupt", Field{"key", key}, Field{"error", err.Error()})
		return false
	}
	return true
}

func (c *DeviceCache) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// --- Customer info ---

func (c *DeviceCache) GetCachedCustomerInfo(ctx context.Context, appUserID string) *CustomerInfo {
	var info CustomerInfo
	if !c.getJSON(ctx, c.customerInfoKey(appUserID), &info) {
		c.metrics.RecordCacheMiss(cacheTypeCustomerInfo)
		return nil
	}
	c.metrics.RecordCacheHit(cacheTypeCustomerInfo)
	return &info
}

// CacheCustomerInfo stores info and marks the cache fresh.
func (c *DeviceCache) CacheCustomerInfo(ctx context.Context, appUserID string, info *CustomerInfo) error {
	if info == nil {
		return nil
	}
	if err := c.setJSON(ctx, c.customerInfoKey(appUserID), info); err != nil {
		return err
	}
	return c.SetCustomerInfoCacheTimestampToNow(ctx, appUserID)
}

func (c *DeviceCache) customerInfoTimestamp(ctx context.Context, appUserID string) (time.Time, bool) {
	var ts time.Time
	if !c.getJSON(ctx, c.customerInfoTimestampKey(appUserID), &ts) {
		return time.Time{}, false
	}
	return ts, true
}

// IsCustomerInfoCacheStale reports true when no timestamp exists or it is
// older than the foreground or background TTL.
func (c *DeviceCache) IsCustomerInfoCacheStale(ctx context.Context, appUserID string, appInBackground bool) bool {
	ts, ok := c.customerInfoTimestamp(ctx, appUserID)
	if !ok {
		return true
	}
	ttl := c.config.ForegroundTTL
	if appInBackground {
		ttl = c.config.BackgroundTTL
	}
	return c.clock.Now().Sub(ts) >= ttl
}

func (c *DeviceCache) SetCustomerInfoCacheTimestampToNow(ctx context.Context, appUserID string) error {
	return c.setJSON(ctx, c.customerInfoTimestampKey(appUserID), c.clock.Now().UTC())
}

func (c *DeviceCache) ClearCustomerInfoCacheTimestamp(ctx context.Context, appUserID string) error {
	return c.store.Delete(ctx, c.customerInfoTimestampKey(appUserID))
}

// ClearCachesForAppUserID removes the cached blob, its timestamp and the
// user's subscriber attributes.
func (c *DeviceCache) ClearCachesForAppUserID(ctx context.Context, appUserID string) error {
	return c.store.Delete(ctx,
		c.customerInfoKey(appUserID),
		c.customerInfoTimestampKey(appUserID),
		c.subscriberAttributesKey(appUserID),
	)
}

// --- Posted tokens ---

func (c *DeviceCache) readTokens(ctx context.Context) map[string]struct{} {
	var hashes []string
	set := make(map[string]struct{})
	if !c.getJSON(ctx, c.tokensKey(), &hashes) {
		return set
	}
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

func (c *DeviceCache) writeTokens(ctx context.Context, set map[string]struct{}) error {
	hashes := make([]string, 0, len(set))
	for h := range set {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return c.setJSON(ctx, c.tokensKey(), hashes)
}

// GetPreviouslySentHashedTokens returns the hashes the backend already acknowledged.
func (c *DeviceCache) GetPreviouslySentHashedTokens(ctx context.Context) map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTokens(ctx)
}

// CleanPreviouslySentTokens keeps only the hashes still reported by the store.
func (c *DeviceCache) CleanPreviouslySentTokens(ctx context.Context, hashedTokens []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.readTokens(ctx)
	keep := make(map[string]struct{}, len(hashedTokens))
	for _, h := range hashedTokens {
		if _, ok := current[h]; ok {
			keep[h] = struct{}{}
		}
	}
	if len(keep) == len(current) {
		return nil
	}
	c.logger.Debug("cleaning previously sent tokens", Field{"before", len(current)}, Field{"after", len(keep)})
	return c.writeTokens(ctx, keep)
}

func (c *DeviceCache) AddSuccessfullyPostedToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.readTokens(ctx)
	set[TokenHash(token)] = struct{}{}
	return c.writeTokens(ctx, set)
}

// GetActivePurchasesNotInCache returns the purchases whose hash was never
// acknowledged, ordered by hash.
func (c *DeviceCache) GetActivePurchasesNotInCache(
	ctx context.Context,
	purchasesByHashedToken map[string]*StoreTransaction,
) []*StoreTransaction {
	sent := c.GetPreviouslySentHashedTokens(ctx)

	hashes := make([]string, 0, len(purchasesByHashedToken))
	for h := range purchasesByHashedToken {
		if _, ok := sent[h]; !ok {
			hashes = append(hashes, h)
		}
	}
	sort.Strings(hashes)

	out := make([]*StoreTransaction, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, purchasesByHashedToken[h])
	}
	return out
}

// --- Product entitlement mapping ---

func (c *DeviceCache) GetProductEntitlementMapping(ctx context.Context) *ProductEntitlementMapping {
	var m ProductEntitlementMapping
	if !c.getJSON(ctx, c.key("product_entitlement_mapping"), &m) {
		c.metrics.RecordCacheMiss(cacheTypeMapping)
		return nil
	}
	c.metrics.RecordCacheHit(cacheTypeMapping)
	return &m
}

func (c *DeviceCache) CacheProductEntitlementMapping(ctx context.Context, m *ProductEntitlementMapping) error {
	if err := c.setJSON(ctx, c.key("product_entitlement_mapping"), m); err != nil {
		return err
	}
	return c.setJSON(ctx, c.key("product_entitlement_mapping_updated"), c.clock.Now().UTC())
}

func (c *DeviceCache) IsProductEntitlementMappingStale(ctx context.Context) bool {
	var ts time.Time
	if !c.getJSON(ctx, c.key("product_entitlement_mapping_updated"), &ts) {
		return true
	}
	return c.clock.Now().Sub(ts) >= c.config.MappingTTL
}

// --- App user id ---

func (c *DeviceCache) GetCachedAppUserID(ctx context.Context) string {
	var id string
	if !c.getJSON(ctx, c.key("app_user_id"), &id) {
		return ""
	}
	return id
}

func (c *DeviceCache) CacheAppUserID(ctx context.Context, appUserID string) error {
	return c.setJSON(ctx, c.key("app_user_id"), appUserID)
}

func (c *DeviceCache) subscriberAttributesKey(appUserID string) string {
	return c.key("subscriber_attributes", appUserID)
}

func (c *DeviceCache) transactionMetadataKey() string {
	return c.key("transaction_metadata")
}
