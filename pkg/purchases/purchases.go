package purchases

import (
	"context"
	"sync/atomic"
	"time"
)

// Config configures the Purchases facade.
type Config struct {
	// AppUserID identifies the user. Empty reuses the persisted id or
	// generates an anonymous one.
	AppUserID string

	// ObserverMode leaves finishing transactions to the app.
	ObserverMode bool

	// DisableAutoSync turns off pending purchase sync during retrieval.
	DisableAutoSync bool

	// EnableOfflineEntitlements computes entitlements locally on server errors.
	EnableOfflineEntitlements bool

	// CacheRefreshPeriodForeground is the customer info staleness window in
	// the foreground (default: 5 minutes)
	CacheRefreshPeriodForeground time.Duration

	// CacheRefreshPeriodBackground is the staleness window in the background
	// (default: 25 hours)
	CacheRefreshPeriodBackground time.Duration

	// ProductEntitlementMappingRefreshPeriod (default: 25 hours)
	ProductEntitlementMappingRefreshPeriod time.Duration

	// NonConsumableProducts are in-app products that are acknowledged
	// instead of consumed.
	NonConsumableProducts []string

	// KeyPrefix namespaces device cache keys (default: "purchases.")
	KeyPrefix string

	// PostConcurrency bounds concurrent receipt posts in a batch (default: 4)
	PostConcurrency int

	// Metrics is used for tracking SDK operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Diagnostics receives retrieval events (default: NoopDiagnosticsTracker)
	Diagnostics DiagnosticsTracker

	// CircuitBreakerConfig configures the circuit breaker around the backend
	CircuitBreakerConfig *CircuitBreakerConfig

	Clock Clock
}

// Dependencies are the platform collaborators the facade is built on.
type Dependencies struct {
	Backend Backend
	Store   StoreClient
	Storage KeyValueStore
}

// Purchases is the composition root of the SDK.
type Purchases struct {
	config Config
	logger Logger

	cache       *DeviceCache
	backend     Backend
	billing     *BillingWrapper
	offline     *OfflineEntitlementsManager
	identity    *IdentityManager
	updater     *CustomerInfoUpdateHandler
	attributes  *SubscriberAttributesManager
	poster      *PostReceiptHelper
	batch       *PostTransactionWithProductDetailsHelper
	pending     *PostPendingTransactionsHelper
	customers   *CustomerInfoHelper
	syncer      *SyncPurchasesHelper
	tracker     *PurchaseTracker
	breaker     *DefaultCircuitBreaker

	backgrounded atomic.Bool
}

// New wires the SDK and identifies the configured user.
func New(ctx context.Context, config Config, deps Dependencies) (*Purchases, error) {
	if deps.Storage == nil {
		return nil, ErrStorageUnavailable
	}
	if deps.Backend == nil {
		return nil, NewError(ConfigurationError, "backend is required")
	}
	if deps.Store == nil {
		return nil, NewError(ConfigurationError, "store client is required")
	}

	logger := loggerOrNoop(config.Logger)
	metrics := metricsOrNoop(config.Metrics)
	clock := clockOrSystem(config.Clock)
	config.Logger = logger
	config.Metrics = metrics
	config.Clock = clock
	if config.PostConcurrency <= 0 {
		config.PostConcurrency = defaultPostConcurrency
	}

	cache, err := NewDeviceCache(deps.Storage, DeviceCacheConfig{
		KeyPrefix:     config.KeyPrefix,
		ForegroundTTL: config.CacheRefreshPeriodForeground,
		BackgroundTTL: config.CacheRefreshPeriodBackground,
		MappingTTL:    config.ProductEntitlementMappingRefreshPeriod,
		Clock:         clock,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}

	p := &Purchases{
		config:  config,
		logger:  logger,
		cache:   cache,
		backend: deps.Backend,
		tracker: NewPurchaseTracker(),
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		p.breaker = NewDefaultCircuitBreaker(*cbc, clock, IsServerFailure, func(state CircuitBreakerState) {
			logger.Warn("backend circuit breaker state changed", Field{"state", string(state)})
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		p.backend = NewCircuitBreakerBackend(deps.Backend, p.breaker)
	}

	p.billing = NewBillingWrapper(deps.Store, cache, config.NonConsumableProducts, logger)
	p.offline = NewOfflineEntitlementsManager(OfflineEntitlementsConfig{
		Enabled:  config.EnableOfflineEntitlements,
		Cache:    cache,
		Billing:  p.billing,
		Backend:  p.backend,
		Products: p.billing,
		Clock:    clock,
		Logger:   logger,
	})
	p.identity = NewIdentityManager(cache, p.backend, p.offline, logger)
	p.updater = NewCustomerInfoUpdateHandler(cache, p.identity, p.offline, logger, metrics)
	p.identity.updater = p.updater
	p.attributes = NewSubscriberAttributesManager(cache, logger)

	metadata := NewLocalTransactionMetadataStore(cache)
	p.poster = NewPostReceiptHelper(PostReceiptHelperConfig{
		Backend:            p.backend,
		Billing:            p.billing,
		Cache:              cache,
		Attributes:         p.attributes,
		Metadata:           metadata,
		Updater:            p.updater,
		FinishTransactions: !config.ObserverMode,
		Logger:             logger,
		Metrics:            metrics,
	})
	p.batch = NewPostTransactionWithProductDetailsHelper(p.billing, p.poster, config.PostConcurrency, logger)
	p.pending = NewPostPendingTransactionsHelper(PostPendingTransactionsHelperConfig{
		AutoSyncPurchases: !config.DisableAutoSync,
		Billing:           p.billing,
		Cache:             cache,
		Metadata:          metadata,
		Identity:          p.identity,
		Batch:             p.batch,
		Poster:            p.poster,
		Logger:            logger,
		Metrics:           metrics,
	})
	p.customers = NewCustomerInfoHelper(CustomerInfoHelperConfig{
		Cache:       cache,
		Backend:     p.backend,
		Offline:     p.offline,
		Updater:     p.updater,
		Pending:     p.pending,
		Diagnostics: config.Diagnostics,
		Clock:       clock,
		Logger:      logger,
		Metrics:     metrics,
	})
	p.syncer = NewSyncPurchasesHelper(p.billing, p.poster, p.customers, logger)

	if err := p.identity.Configure(ctx, config.AppUserID); err != nil {
		return nil, err
	}
	logger.Info("purchases configured",
		Field{"appUserId", p.identity.CurrentAppUserID()},
		Field{"observerMode", config.ObserverMode},
		Field{"autoSync", !config.DisableAutoSync},
		Field{"offlineEntitlements", config.EnableOfflineEntitlements},
	)
	return p, nil
}

// AppUserID returns the current app user id.
func (p *Purchases) AppUserID() string {
	return p.identity.CurrentAppUserID()
}

// IsAnonymous reports whether the current user id was generated by the SDK.
func (p *Purchases) IsAnonymous() bool {
	return p.identity.CurrentUserIsAnonymous()
}

// CircuitBreakerState returns the backend breaker state, or StateClosed when
// no breaker is configured.
func (p *Purchases) CircuitBreakerState() CircuitBreakerState {
	if p.breaker == nil {
		return StateClosed
	}
	return p.breaker.State()
}

// GetCustomerInfo retrieves customer info for the current user.
func (p *Purchases) GetCustomerInfo(ctx context.Context, policy CacheFetchPolicy) (*CustomerInfo, error) {
	return p.RetrieveCustomerInfo(ctx, RetrieveRequest{
		Policy:           policy,
		TrackDiagnostics: true,
	})
}

// RetrieveCustomerInfo runs a retrieval. An empty AppUserID means the
// current user; AppInBackground is taken from the lifecycle state when unset.
func (p *Purchases) RetrieveCustomerInfo(ctx context.Context, req RetrieveRequest) (*CustomerInfo, error) {
	if req.AppUserID == "" {
		req.AppUserID = p.AppUserID()
	}
	if !req.AppInBackground {
		req.AppInBackground = p.backgrounded.Load()
	}
	return p.customers.RetrieveCustomerInfo(ctx, req)
}

// SyncPendingPurchases posts purchases the backend has not acknowledged yet.
func (p *Purchases) SyncPendingPurchases(ctx context.Context, isRestore bool) SyncPendingPurchaseResult {
	return p.pending.SyncPendingPurchaseQueue(ctx, isRestore)
}

// SyncPurchases re-posts the full purchase history without restore semantics.
func (p *Purchases) SyncPurchases(ctx context.Context) (*CustomerInfo, error) {
	return p.syncer.SyncPurchases(ctx, p.AppUserID(), false)
}

// RestorePurchases re-posts the full purchase history as a restore.
func (p *Purchases) RestorePurchases(ctx context.Context) (*CustomerInfo, error) {
	return p.syncer.SyncPurchases(ctx, p.AppUserID(), true)
}

// OnAppBackgrounded switches staleness checks to the background TTL.
func (p *Purchases) OnAppBackgrounded() {
	p.backgrounded.Store(true)
}

// OnAppForegrounded refreshes customer info when stale, otherwise syncs
// pending purchases, and refreshes the product entitlement mapping.
func (p *Purchases) OnAppForegrounded(ctx context.Context) {
	p.backgrounded.Store(false)
	appUserID := p.AppUserID()

	if p.cache.IsCustomerInfoCacheStale(ctx, appUserID, false) {
		p.logger.Debug("customer info is stale on foreground, fetching", Field{"appUserId", appUserID})
		if _, err := p.RetrieveCustomerInfo(ctx, RetrieveRequest{AppUserID: appUserID, Policy: FetchCurrent}); err != nil {
			p.logger.Warn("failed to refresh customer info on foreground", Field{"error", err.Error()})
		}
	} else {
		p.SyncPendingPurchases(ctx, false)
	}

	if err := p.offline.UpdateProductEntitlementMappingCacheIfStale(ctx); err != nil {
		p.logger.Debug("product entitlement mapping not refreshed", Field{"error", err.Error()})
	}
}

// SetUpdatedCustomerInfoListener replaces the update listener and replays
// the last known value to it.
func (p *Purchases) SetUpdatedCustomerInfoListener(ctx context.Context, l CustomerInfoListener) {
	p.updater.SetListener(ctx, l)
}

// Subscribe adds an update listener. The returned func removes it.
func (p *Purchases) Subscribe(ctx context.Context, l CustomerInfoListener) func() {
	return p.updater.Subscribe(ctx, l)
}

// Purchase launches a purchase and posts the resulting transaction. A
// second purchase of the same product fails while the first is in flight.
func (p *Purchases) Purchase(ctx context.Context, params PurchaseParams) (*StoreTransaction, *CustomerInfo, error) {
	if params.Product == nil || params.Product.ID == "" {
		return nil, nil, NewError(PurchaseInvalidError, "product is required")
	}
	productID := params.Product.ID
	if err := p.tracker.Begin(productID); err != nil {
		return nil, nil, err
	}
	defer p.tracker.End(productID)

	appUserID := p.AppUserID()
	tx, err := p.billing.LaunchPurchaseFlow(ctx, appUserID, params)
	if err != nil {
		pe := toPurchasesError(err)
		p.logger.Warn("purchase flow failed", Field{"productId", productID}, Field{"error", pe.Error()})
		return nil, nil, pe
	}
	if tx.PresentedOfferingID == "" {
		tx.PresentedOfferingID = params.PresentedOfferingID
	}
	if tx.SubscriptionOptionID == "" {
		tx.SubscriptionOptionID = params.SubscriptionOptionID
	}

	info, err := p.poster.PostTransactionToBackend(ctx, tx, params.Product, false, appUserID, SourcePurchase)
	if err != nil {
		return tx, nil, err
	}
	return tx, info, nil
}

// OnPurchasesUpdated posts transactions reported by the store outside an
// explicit Purchase call. Products with a purchase in flight are skipped.
func (p *Purchases) OnPurchasesUpdated(ctx context.Context, txs []*StoreTransaction) []TransactionPostResult {
	var toPost []*StoreTransaction
	for _, tx := range txs {
		if p.tracker.InProgress(tx.ProductID()) {
			continue
		}
		toPost = append(toPost, tx)
	}
	return p.batch.PostTransactions(ctx, toPost, false, p.AppUserID(), SourcePurchase)
}

// SetAttributes records subscriber attributes to send with the next post.
// A nil value deletes the attribute.
func (p *Purchases) SetAttributes(ctx context.Context, attributes map[string]*string) error {
	return p.attributes.SetAttributes(ctx, p.AppUserID(), attributes)
}

// LogIn identifies the user as appUserID. Logging in as the current user
// only retrieves customer info.
func (p *Purchases) LogIn(ctx context.Context, appUserID string) (*CustomerInfo, bool, error) {
	if appUserID != "" && appUserID == p.AppUserID() {
		info, err := p.GetCustomerInfo(ctx, CachedOrFetched)
		return info, false, err
	}
	return p.identity.LogIn(ctx, appUserID)
}

// LogOut resets to a new anonymous user and fetches its customer info.
func (p *Purchases) LogOut(ctx context.Context) (*CustomerInfo, error) {
	if _, err := p.identity.LogOut(ctx); err != nil {
		return nil, err
	}
	return p.GetCustomerInfo(ctx, FetchCurrent)
}
