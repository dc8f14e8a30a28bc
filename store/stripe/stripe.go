// Package stripe implements purchases.StoreClient on Stripe Billing for web
// purchases. Subscriptions map to SUBS transactions keyed by subscription id.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

const defaultMetadataKey = "app_user_id"

// ErrCustomerNotFound is returned by a CustomerIDResolver when the app user
// has no Stripe customer.
var ErrCustomerNotFound = errors.New("stripe customer not found")

// CustomerIDResolver maps an app user id to a Stripe customer id.
type CustomerIDResolver func(ctx context.Context, appUserID string) (string, error)

// Config holds Stripe adapter configuration.
type Config struct {
	// APIKey is the Stripe secret key. Ignored when Client is set.
	APIKey string

	// Client is an optional preconfigured Stripe client
	Client *stripe.Client

	// ResolveCustomerID overrides the metadata search
	ResolveCustomerID CustomerIDResolver

	// MetadataKey is the customer metadata key holding the app user id
	// (default: "app_user_id")
	MetadataKey string

	// Logger is optional
	Logger purchases.Logger
}

// Store implements purchases.StoreClient.
type Store struct {
	client      *stripe.Client
	resolve     CustomerIDResolver
	metadataKey string
	logger      purchases.Logger

	mu        sync.RWMutex
	customers map[string]string
}

var _ purchases.StoreClient = (*Store)(nil)

// New creates a Stripe adapter.
func New(config Config) (*Store, error) {
	client := config.Client
	if client == nil {
		if config.APIKey == "" {
			return nil, fmt.Errorf("stripe api key is required")
		}
		client = stripe.NewClient(config.APIKey)
	}

	// Set defaults
	if config.MetadataKey == "" {
		config.MetadataKey = defaultMetadataKey
	}
	logger := config.Logger
	if logger == nil {
		logger = &purchases.NoopLogger{}
	}

	s := &Store{
		client:      client,
		metadataKey: config.MetadataKey,
		logger:      logger,
		customers:   make(map[string]string),
	}
	s.resolve = config.ResolveCustomerID
	if s.resolve == nil {
		s.resolve = s.searchCustomer
	}
	return s, nil
}

// QueryPurchases returns subscriptions that currently grant access.
func (s *Store) QueryPurchases(ctx context.Context, appUserID string) ([]*purchases.StoreTransaction, error) {
	subs, err := s.listSubscriptions(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	var out []*purchases.StoreTransaction
	for _, sub := range subs {
		if grantsAccess(sub.Status) || sub.Status == stripe.SubscriptionStatusIncomplete {
			out = append(out, subscriptionTransaction(sub))
		}
	}
	return out, nil
}

// QueryPurchaseHistory returns every subscription of the customer.
func (s *Store) QueryPurchaseHistory(ctx context.Context, appUserID string) ([]*purchases.StoreTransaction, error) {
	subs, err := s.listSubscriptions(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	out := make([]*purchases.StoreTransaction, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionTransaction(sub))
	}
	return out, nil
}

// Consume is a no-op. Stripe has no consumable purchases.
func (s *Store) Consume(context.Context, *purchases.StoreTransaction) error {
	return nil
}

// Acknowledge is a no-op. Stripe payments need no acknowledgement.
func (s *Store) Acknowledge(context.Context, *purchases.StoreTransaction) error {
	return nil
}

// QueryProducts looks the ids up as Stripe prices.
func (s *Store) QueryProducts(ctx context.Context, productType purchases.ProductType, productIDs []string) ([]*purchases.StoreProduct, error) {
	var out []*purchases.StoreProduct
	for _, id := range productIDs {
		params := &stripe.PriceRetrieveParams{}
		params.AddExpand("product")
		price, err := s.client.V1Prices.Retrieve(ctx, id, params)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, purchases.WrapError(purchases.StoreProblemError, err)
		}
		product := priceProduct(price)
		if productType != purchases.ProductTypeUnknown && product.Type != productType {
			continue
		}
		out = append(out, product)
	}
	return out, nil
}

func (s *Store) listSubscriptions(ctx context.Context, appUserID string) ([]*stripe.Subscription, error) {
	customerID, err := s.customerID(ctx, appUserID)
	if errors.Is(err, ErrCustomerNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, purchases.WrapError(purchases.StoreProblemError, err)
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subs []*stripe.Subscription
	for sub, err := range s.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, purchases.WrapError(purchases.StoreProblemError, fmt.Errorf("failed to list subscriptions: %w", err))
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Store) customerID(ctx context.Context, appUserID string) (string, error) {
	s.mu.RLock()
	id, ok := s.customers[appUserID]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := s.resolve(ctx, appUserID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.customers[appUserID] = id
	s.mu.Unlock()
	return id, nil
}

func (s *Store) searchCustomer(ctx context.Context, appUserID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", s.metadataKey, strings.ReplaceAll(appUserID, "'", "\\'"))

	for cust, err := range s.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can return partial matches
		if cust.Metadata != nil && cust.Metadata[s.metadataKey] == appUserID {
			return cust.ID, nil
		}
	}
	s.logger.Debug("no stripe customer for app user", purchases.Field{Key: "app_user_id", Value: appUserID})
	return "", ErrCustomerNotFound
}

func grantsAccess(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		return true
	}
	return false
}

func subscriptionTransaction(sub *stripe.Subscription) *purchases.StoreTransaction {
	tx := &purchases.StoreTransaction{
		Type:           purchases.ProductTypeSubs,
		PurchaseTime:   time.Unix(sub.StartDate, 0).UTC(),
		PurchaseToken:  sub.ID,
		PurchaseState:  purchases.PurchaseStatePurchased,
		IsAutoRenewing: grantsAccess(sub.Status) && !sub.CancelAtPeriodEnd,
		IsAcknowledged: true,
		Store:          purchases.StoreStripe,
	}
	if sub.Status == stripe.SubscriptionStatusIncomplete {
		tx.PurchaseState = purchases.PurchaseStatePending
	}
	if sub.Customer != nil {
		tx.StoreUserID = sub.Customer.ID
	}
	if sub.LatestInvoice != nil {
		tx.OrderID = sub.LatestInvoice.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil {
				tx.ProductIDs = append(tx.ProductIDs, item.Price.ID)
			}
		}
	}
	return tx
}

// Currencies without a minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

func priceProduct(price *stripe.Price) *purchases.StoreProduct {
	currency := strings.ToUpper(string(price.Currency))
	exp := int32(-2)
	if zeroDecimalCurrencies[currency] {
		exp = 0
	}

	product := &purchases.StoreProduct{
		ID:       price.ID,
		Type:     purchases.ProductTypeInApp,
		Title:    price.Nickname,
		Price:    decimal.New(price.UnitAmount, exp),
		Currency: currency,
	}
	if price.Product != nil && price.Product.Name != "" {
		product.Title = price.Product.Name
	}
	if r := price.Recurring; r != nil {
		product.Type = purchases.ProductTypeSubs
		product.Period = isoPeriod(string(r.Interval), r.IntervalCount)
		if r.TrialPeriodDays > 0 {
			product.FreeTrialPeriod = fmt.Sprintf("P%dD", r.TrialPeriodDays)
		}
	}
	return product
}

func isoPeriod(interval string, count int64) string {
	if count <= 0 {
		count = 1
	}
	switch interval {
	case "day":
		return fmt.Sprintf("P%dD", count)
	case "week":
		return fmt.Sprintf("P%dW", count)
	case "month":
		return fmt.Sprintf("P%dM", count)
	case "year":
		return fmt.Sprintf("P%dY", count)
	}
	return ""
}

func isNotFound(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.HTTPStatusCode == 404
}
