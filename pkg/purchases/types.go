package purchases

import (
	"crypto/sha1" //nolint:gosec // token fingerprint, not a security boundary
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VerificationResult describes how a CustomerInfo was verified.
type VerificationResult string

const (
	VerificationNotRequested     VerificationResult = "NOT_REQUESTED"
	VerificationVerified         VerificationResult = "VERIFIED"
	VerificationVerifiedOnDevice VerificationResult = "VERIFIED_ON_DEVICE"
	VerificationFailed           VerificationResult = "FAILED"
)

// Store identifies the marketplace a purchase was made in.
type Store string

const (
	StorePlayStore    Store = "PLAY_STORE"
	StoreAmazon       Store = "AMAZON"
	StoreStripe       Store = "STRIPE"
	StorePromotional  Store = "PROMOTIONAL"
	StoreUnknownStore Store = "UNKNOWN_STORE"
)

// PeriodType is the kind of period an entitlement is currently in.
type PeriodType string

const (
	PeriodNormal PeriodType = "NORMAL"
	PeriodIntro  PeriodType = "INTRO"
	PeriodTrial  PeriodType = "TRIAL"
)

// ProductType distinguishes subscriptions from one-time products.
type ProductType string

const (
	ProductTypeSubs    ProductType = "SUBS"
	ProductTypeInApp   ProductType = "INAPP"
	ProductTypeUnknown ProductType = "UNKNOWN"
)

// PurchaseState is the state of a purchase as reported by the store.
type PurchaseState int

const (
	PurchaseStateUnspecified PurchaseState = iota
	PurchaseStatePurchased
	PurchaseStatePending
)

func (s PurchaseState) String() string {
	switch s {
	case PurchaseStatePurchased:
		return "PURCHASED"
	case PurchaseStatePending:
		return "PENDING"
	default:
		return "UNSPECIFIED_STATE"
	}
}

// EntitlementInfo is a single named grant of access held by a subscriber.
type EntitlementInfo struct {
	Identifier           string             `json:"identifier"`
	ProductIdentifier    string             `json:"product_identifier"`
	IsActive             bool               `json:"is_active"`
	WillRenew            bool               `json:"will_renew"`
	PeriodType           PeriodType         `json:"period_type"`
	LatestPurchaseDate   time.Time          `json:"latest_purchase_date"`
	OriginalPurchaseDate time.Time          `json:"original_purchase_date"`
	ExpirationDate       *time.Time         `json:"expiration_date,omitempty"`
	Store                Store              `json:"store"`
	IsSandbox            bool               `json:"is_sandbox"`
	Verification         VerificationResult `json:"verification"`
}

func (e EntitlementInfo) equal(o EntitlementInfo) bool {
	return e.Identifier == o.Identifier &&
		e.ProductIdentifier == o.ProductIdentifier &&
		e.IsActive == o.IsActive &&
		e.WillRenew == o.WillRenew &&
		e.PeriodType == o.PeriodType &&
		e.LatestPurchaseDate.Equal(o.LatestPurchaseDate) &&
		e.OriginalPurchaseDate.Equal(o.OriginalPurchaseDate) &&
		timePtrEqual(e.ExpirationDate, o.ExpirationDate) &&
		e.Store == o.Store &&
		e.IsSandbox == o.IsSandbox
}

// CustomerInfo is an immutable snapshot of a subscriber's entitlements and
// subscriptions as of RequestDate. Callers must not mutate a CustomerInfo
// after it has been handed to the SDK.
type CustomerInfo struct {
	OriginalAppUserID  string                     `json:"original_app_user_id"`
	Entitlements       map[string]EntitlementInfo `json:"entitlements"`
	AllExpirationDates map[string]*time.Time      `json:"all_expiration_dates"`
	AllPurchaseDates   map[string]time.Time       `json:"all_purchase_dates"`
	RequestDate        time.Time                  `json:"request_date"`
	FirstSeen          time.Time                  `json:"first_seen"`
	ManagementURL      string                     `json:"management_url,omitempty"`
	Verification       VerificationResult         `json:"verification"`
	SchemaVersion      int                        `json:"schema_version"`
}

// ActiveEntitlements returns the entitlements currently marked active.
func (c *CustomerInfo) ActiveEntitlements() map[string]EntitlementInfo {
	active := make(map[string]EntitlementInfo)
	if c == nil {
		return active
	}
	for id, ent := range c.Entitlements {
		if ent.IsActive {
			active[id] = ent
		}
	}
	return active
}

// HasActiveEntitlement reports whether the named entitlement is active.
func (c *CustomerInfo) HasActiveEntitlement(identifier string) bool {
	if c == nil {
		return false
	}
	ent, ok := c.Entitlements[identifier]
	return ok && ent.IsActive
}

// ActiveSubscriptions returns product ids whose expiration lies after the request date.
func (c *CustomerInfo) ActiveSubscriptions() []string {
	if c == nil {
		return nil
	}
	var active []string
	for productID, exp := range c.AllExpirationDates {
		if exp == nil || exp.After(c.RequestDate) {
			active = append(active, productID)
		}
	}
	return active
}

// SameEntitlements reports whether both snapshots carry the same
// entitlement-bearing content. Request dates and verification are ignored.
func (c *CustomerInfo) SameEntitlements(o *CustomerInfo) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.OriginalAppUserID != o.OriginalAppUserID {
		return false
	}
	if len(c.Entitlements) != len(o.Entitlements) {
		return false
	}
	for id, ent := range c.Entitlements {
		other, ok := o.Entitlements[id]
		if !ok || !ent.equal(other) {
			return false
		}
	}
	if len(c.AllExpirationDates) != len(o.AllExpirationDates) {
		return false
	}
	for id, exp := range c.AllExpirationDates {
		other, ok := o.AllExpirationDates[id]
		if !ok || !timePtrEqual(exp, other) {
			return false
		}
	}
	if len(c.AllPurchaseDates) != len(o.AllPurchaseDates) {
		return false
	}
	for id, d := range c.AllPurchaseDates {
		other, ok := o.AllPurchaseDates[id]
		if !ok || !d.Equal(other) {
			return false
		}
	}
	return true
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// CacheFetchPolicy controls how a retrieval request resolves a CustomerInfo.
type CacheFetchPolicy int

const (
	// CacheOnly never touches the network.
	CacheOnly CacheFetchPolicy = iota
	// FetchCurrent always calls the network, ignoring the cache.
	FetchCurrent
	// CachedOrFetched serves the cache when it is fresh, else fetches.
	CachedOrFetched
	// NotStaleCachedOrCurrent serves the cache only if it is not stale.
	NotStaleCachedOrCurrent
)

// DefaultCacheFetchPolicy is used when callers do not pick a policy.
const DefaultCacheFetchPolicy = CachedOrFetched

func (p CacheFetchPolicy) String() string {
	switch p {
	case CacheOnly:
		return "CACHE_ONLY"
	case FetchCurrent:
		return "FETCH_CURRENT"
	case CachedOrFetched:
		return "CACHED_OR_FETCHED"
	case NotStaleCachedOrCurrent:
		return "NOT_STALE_CACHED_OR_CURRENT"
	default:
		return "UNKNOWN"
	}
}

// ParseCacheFetchPolicy parses the textual policy name (case-insensitive).
// An empty string yields DefaultCacheFetchPolicy.
func ParseCacheFetchPolicy(s string) (CacheFetchPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return DefaultCacheFetchPolicy, nil
	case "CACHE_ONLY":
		return CacheOnly, nil
	case "FETCH_CURRENT":
		return FetchCurrent, nil
	case "CACHED_OR_FETCHED":
		return CachedOrFetched, nil
	case "NOT_STALE_CACHED_OR_CURRENT":
		return NotStaleCachedOrCurrent, nil
	}
	return DefaultCacheFetchPolicy, ErrInvalidCacheFetchPolicy
}

// StoreTransaction is one purchase record surfaced by the billing layer.
// It is rebuilt from every store query and never persisted as-is.
type StoreTransaction struct {
	OrderID              string        `json:"order_id,omitempty"`
	ProductIDs           []string      `json:"product_ids"`
	Type                 ProductType   `json:"type"`
	PurchaseTime         time.Time     `json:"purchase_time"`
	PurchaseToken        string        `json:"purchase_token"`
	PurchaseState        PurchaseState `json:"purchase_state"`
	IsAutoRenewing       bool          `json:"is_auto_renewing"`
	IsAcknowledged       bool          `json:"is_acknowledged"`
	StoreUserID          string        `json:"store_user_id,omitempty"`
	Marketplace          string        `json:"marketplace,omitempty"`
	PresentedOfferingID  string        `json:"presented_offering_id,omitempty"`
	SubscriptionOptionID string        `json:"subscription_option_id,omitempty"`
	Store                Store         `json:"store"`
}

// ProductID returns the first product id of the transaction.
func (t *StoreTransaction) ProductID() string {
	if t == nil || len(t.ProductIDs) == 0 {
		return ""
	}
	return t.ProductIDs[0]
}

// TokenHash returns the de-duplication key for a purchase token.
func TokenHash(token string) string {
	sum := sha1.Sum([]byte(token)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// StoreProduct is a product as described by the store.
type StoreProduct struct {
	ID                   string          `json:"id"`
	Type                 ProductType     `json:"type"`
	Title                string          `json:"title,omitempty"`
	Price                decimal.Decimal `json:"price"`
	Currency             string          `json:"currency"`
	Period               string          `json:"period,omitempty"`
	FreeTrialPeriod      string          `json:"free_trial_period,omitempty"`
	IntroductoryPeriod   string          `json:"introductory_period,omitempty"`
	SubscriptionOptionID string          `json:"subscription_option_id,omitempty"`
}

// ReceiptInfo is the receipt metadata posted alongside a purchase token.
type ReceiptInfo struct {
	ProductIDs           []string         `json:"product_ids"`
	PresentedOfferingID  string           `json:"presented_offering_id,omitempty"`
	SubscriptionOptionID string           `json:"subscription_option_id,omitempty"`
	Price                *decimal.Decimal `json:"price,omitempty"`
	Currency             string           `json:"currency,omitempty"`
	Duration             string           `json:"duration,omitempty"`
	IntroDuration        string           `json:"intro_duration,omitempty"`
	TrialDuration        string           `json:"trial_duration,omitempty"`
	PurchaseTime         *time.Time       `json:"purchase_time,omitempty"`
}

// NewReceiptInfo derives receipt metadata from a transaction and, when known,
// the product it was made for.
func NewReceiptInfo(tx *StoreTransaction, product *StoreProduct) *ReceiptInfo {
	info := &ReceiptInfo{
		ProductIDs:           append([]string(nil), tx.ProductIDs...),
		PresentedOfferingID:  tx.PresentedOfferingID,
		SubscriptionOptionID: tx.SubscriptionOptionID,
	}
	if !tx.PurchaseTime.IsZero() {
		pt := tx.PurchaseTime
		info.PurchaseTime = &pt
	}
	if product != nil {
		price := product.Price
		info.Price = &price
		info.Currency = product.Currency
		info.Duration = product.Period
		info.IntroDuration = product.IntroductoryPeriod
		info.TrialDuration = product.FreeTrialPeriod
		if info.SubscriptionOptionID == "" {
			info.SubscriptionOptionID = product.SubscriptionOptionID
		}
	}
	return info
}

// SubscriberAttribute is a key/value pair attached to the app user.
type SubscriberAttribute struct {
	Key       string    `json:"key"`
	Value     *string   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
	IsSynced  bool      `json:"is_synced"`
}

// AttributeError is a per-attribute failure reported by the backend.
type AttributeError struct {
	KeyName string `json:"key_name"`
	Message string `json:"message"`
}

// SyncResultKind tags a SyncPendingPurchaseResult.
type SyncResultKind int

const (
	SyncAutoSyncDisabled SyncResultKind = iota
	SyncNoPendingPurchases
	SyncSuccess
	SyncError
)

func (k SyncResultKind) String() string {
	switch k {
	case SyncAutoSyncDisabled:
		return "auto_sync_disabled"
	case SyncNoPendingPurchases:
		return "no_pending_purchases"
	case SyncSuccess:
		return "success"
	case SyncError:
		return "error"
	default:
		return "unknown"
	}
}

// SyncPendingPurchaseResult is the outcome of one pending purchase sync.
// CustomerInfo is set only for SyncSuccess and Err only for SyncError.
type SyncPendingPurchaseResult struct {
	Kind         SyncResultKind
	CustomerInfo *CustomerInfo
	Err          *PurchasesError
}

func syncAutoSyncDisabled() SyncPendingPurchaseResult {
	return SyncPendingPurchaseResult{Kind: SyncAutoSyncDisabled}
}

func syncNoPendingPurchases() SyncPendingPurchaseResult {
	return SyncPendingPurchaseResult{Kind: SyncNoPendingPurchases}
}

func syncSuccess(info *CustomerInfo) SyncPendingPurchaseResult {
	return SyncPendingPurchaseResult{Kind: SyncSuccess, CustomerInfo: info}
}

func syncError(err *PurchasesError) SyncPendingPurchaseResult {
	return SyncPendingPurchaseResult{Kind: SyncError, Err: err}
}

// PostReceiptInitiationSource tells the backend why a receipt is posted.
type PostReceiptInitiationSource string

const (
	SourcePurchase                PostReceiptInitiationSource = "purchase"
	SourceRestore                 PostReceiptInitiationSource = "restore"
	SourceUnsyncedActivePurchases PostReceiptInitiationSource = "unsynced_active_purchases"
)

// ProductMapping maps one store product to the entitlements it unlocks.
type ProductMapping struct {
	ProductIdentifier string   `json:"product_identifier"`
	BasePlanID        string   `json:"base_plan_id,omitempty"`
	Entitlements      []string `json:"entitlements"`
}

// ProductEntitlementMapping is used to compute entitlements offline.
type ProductEntitlementMapping struct {
	Mappings map[string]ProductMapping `json:"product_entitlement_mapping"`
}

// EntitlementsFor returns the entitlements unlocked by the product id,
// matching either "product" or "product:base_plan" keys.
func (m *ProductEntitlementMapping) EntitlementsFor(productID string) []string {
	if m == nil {
		return nil
	}
	if pm, ok := m.Mappings[productID]; ok {
		return pm.Entitlements
	}
	for _, pm := range m.Mappings {
		if pm.ProductIdentifier == productID {
			return pm.Entitlements
		}
	}
	return nil
}

// TransactionMetadata is receipt data persisted while a token is in flight.
type TransactionMetadata struct {
	Token       string                      `json:"token"`
	ReceiptInfo *ReceiptInfo                `json:"receipt_info"`
	Source      PostReceiptInitiationSource `json:"source"`
	StoreUserID string                      `json:"store_user_id,omitempty"`
	Marketplace string                      `json:"marketplace,omitempty"`
	AppUserID   string                      `json:"app_user_id"`
}
