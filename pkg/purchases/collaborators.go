package purchases

import (
	"context"
	"time"
)

// KeyValueStore is the persistence primitive behind DeviceCache.
// Implementations live under storage/.
type KeyValueStore interface {
	// Get returns ErrKeyNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheStore holds cached customer info, staleness timestamps and the set of
// tokens the backend already acknowledged. Reads never fail: storage errors
// are logged by the implementation and reported as a miss.
type CacheStore interface {
	GetCachedCustomerInfo(ctx context.Context, appUserID string) *CustomerInfo
	CacheCustomerInfo(ctx context.Context, appUserID string, info *CustomerInfo) error
	IsCustomerInfoCacheStale(ctx context.Context, appUserID string, appInBackground bool) bool
	SetCustomerInfoCacheTimestampToNow(ctx context.Context, appUserID string) error
	ClearCustomerInfoCacheTimestamp(ctx context.Context, appUserID string) error
	ClearCachesForAppUserID(ctx context.Context, appUserID string) error
	CleanPreviouslySentTokens(ctx context.Context, hashedTokens []string) error
	GetPreviouslySentHashedTokens(ctx context.Context) map[string]struct{}
	GetActivePurchasesNotInCache(ctx context.Context, purchasesByHashedToken map[string]*StoreTransaction) []*StoreTransaction
	AddSuccessfullyPostedToken(ctx context.Context, token string) error
}

// PostReceiptRequest is everything the backend needs to validate a token.
type PostReceiptRequest struct {
	PurchaseToken    string
	AppUserID        string
	IsRestore        bool
	ObserverMode     bool
	Attributes       map[string]SubscriberAttribute
	ReceiptInfo      *ReceiptInfo
	StoreUserID      string
	Marketplace      string
	InitiationSource PostReceiptInitiationSource
}

// PostReceiptResponse is a successful receipt post.
type PostReceiptResponse struct {
	CustomerInfo    *CustomerInfo
	AttributeErrors []AttributeError
	RawBody         []byte
}

// Backend is the subscription backend. Failures should be *BackendError so
// the pipelines can tell server errors and consumable failures apart; any
// other error is treated as a non-server failure that must not be consumed.
type Backend interface {
	GetCustomerInfo(ctx context.Context, appUserID string, appInBackground bool) (*CustomerInfo, error)
	PostReceiptData(ctx context.Context, req *PostReceiptRequest) (*PostReceiptResponse, error)
	GetProductEntitlementMapping(ctx context.Context) (*ProductEntitlementMapping, error)
	LogIn(ctx context.Context, currentAppUserID, newAppUserID string) (info *CustomerInfo, created bool, err error)
}

// BillingClient is the billing layer as seen by the pipelines.
type BillingClient interface {
	// QueryPurchases returns the user's active purchases keyed by TokenHash.
	QueryPurchases(ctx context.Context, appUserID string) (map[string]*StoreTransaction, error)
	// ConsumeAndSave finishes the transaction with the store when
	// shouldConsume is set and records the token as posted.
	ConsumeAndSave(ctx context.Context, shouldConsume bool, tx *StoreTransaction) error
}

// PurchaseHistoryProvider returns every purchase the store remembers.
type PurchaseHistoryProvider interface {
	QueryAllPurchases(ctx context.Context, appUserID string) ([]*StoreTransaction, error)
}

// ProductResolver looks up store products.
type ProductResolver interface {
	QueryProducts(ctx context.Context, productType ProductType, productIDs []string) ([]*StoreProduct, error)
}

// StoreClient is the platform billing API adapter. Implementations live
// under store/.
type StoreClient interface {
	ProductResolver
	QueryPurchases(ctx context.Context, appUserID string) ([]*StoreTransaction, error)
	QueryPurchaseHistory(ctx context.Context, appUserID string) ([]*StoreTransaction, error)
	Consume(ctx context.Context, tx *StoreTransaction) error
	Acknowledge(ctx context.Context, tx *StoreTransaction) error
}

// PurchaseParams describes a purchase the app wants to start.
type PurchaseParams struct {
	Product              *StoreProduct
	PresentedOfferingID  string
	SubscriptionOptionID string
	IsPersonalizedPrice  bool
}

// PurchaseLauncher is implemented by store adapters able to start a purchase.
type PurchaseLauncher interface {
	LaunchPurchaseFlow(ctx context.Context, appUserID string, params PurchaseParams) (*StoreTransaction, error)
}

// OfflineEntitlements computes degraded customer info from local data.
type OfflineEntitlements interface {
	ShouldCalculateOfflineCustomerInfoInGetCustomerInfoRequest(ctx context.Context, isServerError bool, appUserID string) bool
	CalculateAndCacheOfflineCustomerInfo(ctx context.Context, appUserID string) (*CustomerInfo, error)
	// OfflineCustomerInfo returns the resident offline snapshot, if any.
	OfflineCustomerInfo() *CustomerInfo
	ResetOfflineCustomerInfoCache()
}

// SubscriberAttributesStore exposes unsynced attributes to the posting pipeline.
type SubscriberAttributesStore interface {
	GetUnsyncedSubscriberAttributes(ctx context.Context, appUserID string) map[string]SubscriberAttribute
	MarkAsSynced(ctx context.Context, appUserID string, synced map[string]SubscriberAttribute, errs []AttributeError)
}

// TransactionMetadataStore keeps receipt data for tokens that are in flight.
type TransactionMetadataStore interface {
	CacheTransactionMetadata(ctx context.Context, meta TransactionMetadata) error
	GetAllTransactionMetadata(ctx context.Context) []TransactionMetadata
	ClearTransactionMetadata(ctx context.Context, tokens ...string) error
}

// AppUserIDProvider returns the currently identified app user.
type AppUserIDProvider interface {
	CurrentAppUserID() string
}

// Clock abstracts time for staleness checks.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func clockOrSystem(c Clock) Clock {
	if c == nil {
		return systemClock{}
	}
	return c
}
