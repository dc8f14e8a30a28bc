// Package playstore implements purchases.StoreClient on the Google Play
// Developer API for hosts that validate Play purchases server side.
package playstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

const (
	defaultRegionCode  = "US"
	defaultConcurrency = 4

	subscriptionStateActive      = "SUBSCRIPTION_STATE_ACTIVE"
	subscriptionStateGracePeriod = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
	subscriptionStatePending     = "SUBSCRIPTION_STATE_PENDING"
	subscriptionStateCanceled    = "SUBSCRIPTION_STATE_CANCELED"
	acknowledgementStateAcked    = "ACKNOWLEDGEMENT_STATE_ACKNOWLEDGED"

	productPurchaseStatePurchased = 0
	productPurchaseStatePending   = 2
	productConsumptionStateNew    = 0
	productAcknowledgedState      = 1
)

// Config holds Play Store adapter configuration.
type Config struct {
	// PackageName is the Android application id
	PackageName string

	// Service is an optional preconfigured API client. If nil, one is
	// created from ClientOptions.
	Service *androidpublisher.Service

	// ClientOptions configure the API client (credentials, endpoint)
	ClientOptions []option.ClientOption

	// Registry maps app users to purchase tokens
	Registry TokenRegistry

	// RegionCode selects the regional subscription price (default: "US")
	RegionCode string

	// Concurrency bounds parallel token lookups (default: 4)
	Concurrency int

	// Logger is optional
	Logger purchases.Logger
}

// Store implements purchases.StoreClient.
type Store struct {
	svc         *androidpublisher.Service
	packageName string
	registry    TokenRegistry
	regionCode  string
	concurrency int
	logger      purchases.Logger
	now         func() time.Time
}

var _ purchases.StoreClient = (*Store)(nil)

// New creates a Play Store adapter.
func New(ctx context.Context, config Config) (*Store, error) {
	if strings.TrimSpace(config.PackageName) == "" {
		return nil, fmt.Errorf("package name is required")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("token registry is required")
	}

	svc := config.Service
	if svc == nil {
		var err error
		svc, err = androidpublisher.NewService(ctx, config.ClientOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to create android publisher client: %w", err)
		}
	}

	// Set defaults
	if config.RegionCode == "" {
		config.RegionCode = defaultRegionCode
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	logger := config.Logger
	if logger == nil {
		logger = &purchases.NoopLogger{}
	}

	return &Store{
		svc:         svc,
		packageName: config.PackageName,
		registry:    config.Registry,
		regionCode:  config.RegionCode,
		concurrency: config.Concurrency,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// RegisterPurchase records a token reported by a client and resolves it.
func (s *Store) RegisterPurchase(ctx context.Context, appUserID string, ref TokenRef) (*purchases.StoreTransaction, error) {
	if ref.Token == "" || ref.ProductID == "" {
		return nil, purchases.NewError(purchases.PurchaseInvalidError, "token and product id are required")
	}
	tx, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Add(ctx, appUserID, ref); err != nil {
		return nil, purchases.WrapError(purchases.UnknownError, err)
	}
	return tx, nil
}

// Resolve looks the token up with the Play Developer API.
func (s *Store) Resolve(ctx context.Context, ref TokenRef) (*purchases.StoreTransaction, error) {
	switch ref.Type {
	case purchases.ProductTypeSubs:
		sub, err := s.svc.Purchases.Subscriptionsv2.Get(s.packageName, ref.Token).Context(ctx).Do()
		if err != nil {
			return nil, storeError(err)
		}
		return s.subscriptionTransaction(ref, sub), nil
	case purchases.ProductTypeInApp:
		p, err := s.svc.Purchases.Products.Get(s.packageName, ref.ProductID, ref.Token).Context(ctx).Do()
		if err != nil {
			return nil, storeError(err)
		}
		return productTransaction(ref, p), nil
	default:
		return nil, purchases.NewError(purchases.PurchaseInvalidError, "unknown product type")
	}
}

// QueryPurchases returns the user's active purchases.
func (s *Store) QueryPurchases(ctx context.Context, appUserID string) ([]*purchases.StoreTransaction, error) {
	resolved, err := s.resolveAll(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	var active []*purchases.StoreTransaction
	for _, r := range resolved {
		if r.active {
			active = append(active, r.tx)
		}
	}
	return active, nil
}

// QueryPurchaseHistory returns every purchase the API still knows about.
func (s *Store) QueryPurchaseHistory(ctx context.Context, appUserID string) ([]*purchases.StoreTransaction, error) {
	resolved, err := s.resolveAll(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	all := make([]*purchases.StoreTransaction, 0, len(resolved))
	for _, r := range resolved {
		all = append(all, r.tx)
	}
	return all, nil
}

type resolvedPurchase struct {
	tx     *purchases.StoreTransaction
	active bool
}

func (s *Store) resolveAll(ctx context.Context, appUserID string) ([]resolvedPurchase, error) {
	refs, err := s.registry.Tokens(ctx, appUserID)
	if err != nil {
		return nil, purchases.WrapError(purchases.StoreProblemError, err)
	}

	results := make([]*resolvedPurchase, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			tx, active, err := s.resolveWithState(gctx, ref)
			if isGone(err) {
				s.logger.Debug("purchase token no longer known to the store",
					purchases.Field{Key: "product_id", Value: ref.ProductID},
				)
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = &resolvedPurchase{tx: tx, active: active}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storeError(err)
	}

	out := make([]resolvedPurchase, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Store) resolveWithState(ctx context.Context, ref TokenRef) (*purchases.StoreTransaction, bool, error) {
	switch ref.Type {
	case purchases.ProductTypeSubs:
		sub, err := s.svc.Purchases.Subscriptionsv2.Get(s.packageName, ref.Token).Context(ctx).Do()
		if err != nil {
			return nil, false, err
		}
		return s.subscriptionTransaction(ref, sub), s.subscriptionActive(sub), nil
	case purchases.ProductTypeInApp:
		p, err := s.svc.Purchases.Products.Get(s.packageName, ref.ProductID, ref.Token).Context(ctx).Do()
		if err != nil {
			return nil, false, err
		}
		active := p.ConsumptionState == productConsumptionStateNew &&
			(p.PurchaseState == productPurchaseStatePurchased || p.PurchaseState == productPurchaseStatePending)
		return productTransaction(ref, p), active, nil
	default:
		return nil, false, nil
	}
}

// Consume implements purchases.StoreClient.
func (s *Store) Consume(ctx context.Context, tx *purchases.StoreTransaction) error {
	err := s.svc.Purchases.Products.Consume(s.packageName, tx.ProductID(), tx.PurchaseToken).Context(ctx).Do()
	if err != nil {
		return storeError(err)
	}
	return nil
}

// Acknowledge implements purchases.StoreClient.
func (s *Store) Acknowledge(ctx context.Context, tx *purchases.StoreTransaction) error {
	var err error
	if tx.Type == purchases.ProductTypeSubs {
		err = s.svc.Purchases.Subscriptions.Acknowledge(s.packageName, tx.ProductID(), tx.PurchaseToken,
			&androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}).Context(ctx).Do()
	} else {
		err = s.svc.Purchases.Products.Acknowledge(s.packageName, tx.ProductID(), tx.PurchaseToken,
			&androidpublisher.ProductPurchasesAcknowledgeRequest{}).Context(ctx).Do()
	}
	if err != nil {
		return storeError(err)
	}
	return nil
}

// QueryProducts implements purchases.ProductResolver. Subscription ids may
// name a base plan as "product:base_plan".
func (s *Store) QueryProducts(ctx context.Context, productType purchases.ProductType, productIDs []string) ([]*purchases.StoreProduct, error) {
	var (
		mu  sync.Mutex
		out []*purchases.StoreProduct
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range productIDs {
		g.Go(func() error {
			var (
				p   *purchases.StoreProduct
				err error
			)
			if productType == purchases.ProductTypeSubs {
				p, err = s.subscriptionProduct(gctx, id)
			} else {
				p, err = s.inAppProduct(gctx, id)
			}
			if isGone(err) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, p)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storeError(err)
	}
	return out, nil
}

func (s *Store) inAppProduct(ctx context.Context, sku string) (*purchases.StoreProduct, error) {
	p, err := s.svc.Inappproducts.Get(s.packageName, sku).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	product := &purchases.StoreProduct{
		ID:              p.Sku,
		Type:            purchases.ProductTypeInApp,
		Period:          p.SubscriptionPeriod,
		FreeTrialPeriod: p.TrialPeriod,
	}
	if listing, ok := p.Listings[p.DefaultLanguage]; ok {
		product.Title = listing.Title
	}
	if p.DefaultPrice != nil {
		product.Currency = p.DefaultPrice.Currency
		if micros, err := decimal.NewFromString(p.DefaultPrice.PriceMicros); err == nil {
			product.Price = micros.Shift(-6)
		}
	}
	return product, nil
}

func (s *Store) subscriptionProduct(ctx context.Context, id string) (*purchases.StoreProduct, error) {
	productID, basePlanID, _ := strings.Cut(id, ":")
	sub, err := s.svc.Monetization.Subscriptions.Get(s.packageName, productID).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	product := &purchases.StoreProduct{
		ID:   id,
		Type: purchases.ProductTypeSubs,
	}
	if len(sub.Listings) > 0 {
		product.Title = sub.Listings[0].Title
	}
	for _, plan := range sub.BasePlans {
		if plan.AutoRenewingBasePlanType == nil || (basePlanID != "" && plan.BasePlanId != basePlanID) {
			continue
		}
		product.Period = plan.AutoRenewingBasePlanType.BillingPeriodDuration
		product.SubscriptionOptionID = plan.BasePlanId
		for _, rc := range plan.RegionalConfigs {
			if rc.RegionCode == s.regionCode && rc.Price != nil {
				product.Currency = rc.Price.CurrencyCode
				product.Price = decimal.New(rc.Price.Units, 0).Add(decimal.New(rc.Price.Nanos, -9))
			}
		}
		break
	}
	return product, nil
}

func (s *Store) subscriptionActive(sub *androidpublisher.SubscriptionPurchaseV2) bool {
	switch sub.SubscriptionState {
	case subscriptionStateActive, subscriptionStateGracePeriod, subscriptionStatePending:
		return true
	case subscriptionStateCanceled:
		// Still entitled until the paid period ends.
		for _, item := range sub.LineItems {
			if expiry, err := time.Parse(time.RFC3339, item.ExpiryTime); err == nil && expiry.After(s.now()) {
				return true
			}
		}
	}
	return false
}

func (s *Store) subscriptionTransaction(ref TokenRef, sub *androidpublisher.SubscriptionPurchaseV2) *purchases.StoreTransaction {
	tx := &purchases.StoreTransaction{
		OrderID:        sub.LatestOrderId,
		Type:           purchases.ProductTypeSubs,
		PurchaseToken:  ref.Token,
		PurchaseState:  purchases.PurchaseStatePurchased,
		IsAcknowledged: sub.AcknowledgementState == acknowledgementStateAcked,
		Store:          purchases.StorePlayStore,
		Marketplace:    sub.RegionCode,
	}
	if sub.SubscriptionState == subscriptionStatePending {
		tx.PurchaseState = purchases.PurchaseStatePending
	}
	if start, err := time.Parse(time.RFC3339, sub.StartTime); err == nil {
		tx.PurchaseTime = start.UTC()
	}
	if ids := sub.ExternalAccountIdentifiers; ids != nil {
		tx.StoreUserID = ids.ObfuscatedExternalAccountId
	}
	for _, item := range sub.LineItems {
		tx.ProductIDs = append(tx.ProductIDs, item.ProductId)
		if item.AutoRenewingPlan != nil && item.AutoRenewingPlan.AutoRenewEnabled {
			tx.IsAutoRenewing = true
		}
		if tx.SubscriptionOptionID == "" && item.OfferDetails != nil {
			tx.SubscriptionOptionID = item.OfferDetails.BasePlanId
			if item.OfferDetails.OfferId != "" {
				tx.SubscriptionOptionID += ":" + item.OfferDetails.OfferId
			}
		}
	}
	if len(tx.ProductIDs) == 0 {
		tx.ProductIDs = []string{ref.ProductID}
	}
	return tx
}

func productTransaction(ref TokenRef, p *androidpublisher.ProductPurchase) *purchases.StoreTransaction {
	productID := p.ProductId
	if productID == "" {
		productID = ref.ProductID
	}
	tx := &purchases.StoreTransaction{
		OrderID:        p.OrderId,
		ProductIDs:     []string{productID},
		Type:           purchases.ProductTypeInApp,
		PurchaseTime:   time.UnixMilli(p.PurchaseTimeMillis).UTC(),
		PurchaseToken:  ref.Token,
		PurchaseState:  purchases.PurchaseStatePurchased,
		IsAcknowledged: p.AcknowledgementState == productAcknowledgedState,
		StoreUserID:    p.ObfuscatedExternalAccountId,
		Store:          purchases.StorePlayStore,
	}
	if p.PurchaseState == productPurchaseStatePending {
		tx.PurchaseState = purchases.PurchaseStatePending
	}
	return tx
}

// isGone reports whether the API no longer knows the token or product.
func isGone(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone)
}

func storeError(err error) error {
	var pe *purchases.PurchasesError
	if errors.As(err, &pe) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return purchases.WrapError(purchases.InsufficientPermissionsError, err)
		case http.StatusNotFound, http.StatusGone:
			return purchases.WrapError(purchases.PurchaseInvalidError, err)
		}
	}
	return purchases.WrapError(purchases.StoreProblemError, err)
}
