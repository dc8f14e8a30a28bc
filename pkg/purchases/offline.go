package purchases

import (
	"context"
	"sync"
	"time"
)

// OfflineEntitlementsManager computes customer info from the cached product
// entitlement mapping and the store's active purchases when the backend is
// failing.
type OfflineEntitlementsManager struct {
	enabled  bool
	cache    *DeviceCache
	billing  BillingClient
	backend  Backend
	products ProductResolver
	clock    Clock
	logger   Logger

	mu        sync.RWMutex
	offline   *CustomerInfo
	offlineID string
}

// OfflineEntitlementsConfig wires an OfflineEntitlementsManager.
type OfflineEntitlementsConfig struct {
	Enabled bool
	Cache   *DeviceCache
	Billing BillingClient
	Backend Backend
	// Products resolves subscription periods; optional.
	Products ProductResolver
	Clock    Clock
	Logger   Logger
}

// NewOfflineEntitlementsManager creates the offline entitlements manager.
func NewOfflineEntitlementsManager(config OfflineEntitlementsConfig) *OfflineEntitlementsManager {
	return &OfflineEntitlementsManager{
		enabled:  config.Enabled,
		cache:    config.Cache,
		billing:  config.Billing,
		backend:  config.Backend,
		products: config.Products,
		clock:    clockOrSystem(config.Clock),
		logger:   loggerOrNoop(config.Logger),
	}
}

// ShouldCalculateOfflineCustomerInfoInGetCustomerInfoRequest holds only for
// server errors, with offline entitlements enabled, when nothing is cached
// for the user.
func (m *OfflineEntitlementsManager) ShouldCalculateOfflineCustomerInfoInGetCustomerInfoRequest(
	ctx context.Context,
	isServerError bool,
	appUserID string,
) bool {
	return isServerError && m.enabled && m.cache.GetCachedCustomerInfo(ctx, appUserID) == nil
}

// OfflineCustomerInfo returns the resident offline snapshot, if any.
func (m *OfflineEntitlementsManager) OfflineCustomerInfo() *CustomerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offline
}

// ResetOfflineCustomerInfoCache drops the resident offline snapshot.
func (m *OfflineEntitlementsManager) ResetOfflineCustomerInfoCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline != nil {
		m.logger.Debug("resetting offline customer info", Field{"appUserId", m.offlineID})
	}
	m.offline = nil
	m.offlineID = ""
}

// CalculateAndCacheOfflineCustomerInfo builds customer info from the active
// purchases and keeps it resident until a backend result replaces it.
func (m *OfflineEntitlementsManager) CalculateAndCacheOfflineCustomerInfo(
	ctx context.Context,
	appUserID string,
) (*CustomerInfo, error) {
	mapping := m.cache.GetProductEntitlementMapping(ctx)
	if mapping == nil {
		return nil, NewError(ProductEntitlementMappingUnavailable, "")
	}

	purchasesByHash, err := m.billing.QueryPurchases(ctx, appUserID)
	if err != nil {
		return nil, toPurchasesError(err)
	}

	var subs []*StoreTransaction
	for _, tx := range purchasesByHash {
		if tx.PurchaseState == PurchaseStatePending {
			continue
		}
		if tx.Type == ProductTypeInApp {
			return nil, NewError(OfflineEntitlementsUnsupportedProduct, "one-time purchases are not supported offline")
		}
		subs = append(subs, tx)
	}

	info := m.buildCustomerInfo(appUserID, mapping, subs, m.resolvePeriods(ctx, subs))

	m.mu.Lock()
	m.offline = info
	m.offlineID = appUserID
	m.mu.Unlock()

	m.logger.Info("calculated offline customer info",
		Field{"appUserId", appUserID},
		Field{"entitlements", len(info.Entitlements)},
	)
	return info, nil
}

func (m *OfflineEntitlementsManager) resolvePeriods(ctx context.Context, subs []*StoreTransaction) map[string]Period {
	periods := make(map[string]Period)
	if m.products == nil || len(subs) == 0 {
		return periods
	}
	ids := make([]string, 0, len(subs))
	for _, tx := range subs {
		ids = append(ids, tx.ProductID())
	}
	products, err := m.products.QueryProducts(ctx, ProductTypeSubs, ids)
	if err != nil {
		m.logger.Warn("failed to resolve subscription periods offline", Field{"error", err.Error()})
		return periods
	}
	for _, p := range products {
		if period, err := ParsePeriod(p.Period); err == nil {
			periods[p.ID] = period
		}
	}
	return periods
}

func (m *OfflineEntitlementsManager) buildCustomerInfo(
	appUserID string,
	mapping *ProductEntitlementMapping,
	subs []*StoreTransaction,
	periods map[string]Period,
) *CustomerInfo {
	now := m.clock.Now().UTC()
	info := &CustomerInfo{
		OriginalAppUserID:  appUserID,
		Entitlements:       make(map[string]EntitlementInfo),
		AllExpirationDates: make(map[string]*time.Time),
		AllPurchaseDates:   make(map[string]time.Time),
		RequestDate:        now,
		FirstSeen:          now,
		Verification:       VerificationVerifiedOnDevice,
	}

	for _, tx := range subs {
		productID := tx.ProductID()
		var expiration *time.Time
		if p, ok := periods[productID]; ok {
			end := nextRenewalAfter(tx.PurchaseTime.UTC(), now, p)
			expiration = &end
		}
		info.AllPurchaseDates[productID] = tx.PurchaseTime.UTC()
		info.AllExpirationDates[productID] = expiration

		for _, entID := range mapping.EntitlementsFor(productID) {
			if cur, ok := info.Entitlements[entID]; ok && laterExpiration(cur.ExpirationDate, expiration) {
				continue
			}
			info.Entitlements[entID] = EntitlementInfo{
				Identifier:           entID,
				ProductIdentifier:    productID,
				IsActive:             true,
				WillRenew:            tx.IsAutoRenewing,
				PeriodType:           PeriodNormal,
				LatestPurchaseDate:   tx.PurchaseTime.UTC(),
				OriginalPurchaseDate: tx.PurchaseTime.UTC(),
				ExpirationDate:       expiration,
				Store:                storeOrPlay(tx.Store),
				Verification:         VerificationVerifiedOnDevice,
			}
		}
	}
	return info
}

// laterExpiration reports whether a outlives b; nil never expires.
func laterExpiration(a, b *time.Time) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.After(*b)
}

func storeOrPlay(s Store) Store {
	if s == "" {
		return StorePlayStore
	}
	return s
}

// UpdateProductEntitlementMappingCacheIfStale refreshes the mapping used for
// offline computation.
func (m *OfflineEntitlementsManager) UpdateProductEntitlementMappingCacheIfStale(ctx context.Context) error {
	if !m.enabled || !m.cache.IsProductEntitlementMappingStale(ctx) {
		return nil
	}
	mapping, err := m.backend.GetProductEntitlementMapping(ctx)
	if err != nil {
		m.logger.Warn("failed to update product entitlement mapping", Field{"error", err.Error()})
		return err
	}
	m.logger.Debug("updated product entitlement mapping", Field{"products", len(mapping.Mappings)})
	return m.cache.CacheProductEntitlementMapping(ctx, mapping)
}
