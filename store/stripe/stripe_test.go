package stripe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	s, err := New(Config{APIKey: "sk_test_123"})
	require.NoError(t, err)
	assert.Equal(t, defaultMetadataKey, s.metadataKey)
}

func TestSubscriptionTransaction(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := &stripe.Subscription{
		ID:            "sub_123",
		Status:        stripe.SubscriptionStatusActive,
		StartDate:     start.Unix(),
		Customer:      &stripe.Customer{ID: "cus_1"},
		LatestInvoice: &stripe.Invoice{ID: "in_1"},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{Price: &stripe.Price{ID: "price_monthly"}},
		}},
	}

	tx := subscriptionTransaction(sub)
	assert.Equal(t, "sub_123", tx.PurchaseToken)
	assert.Equal(t, []string{"price_monthly"}, tx.ProductIDs)
	assert.Equal(t, "cus_1", tx.StoreUserID)
	assert.Equal(t, "in_1", tx.OrderID)
	assert.Equal(t, start, tx.PurchaseTime)
	assert.Equal(t, purchases.StoreStripe, tx.Store)
	assert.True(t, tx.IsAutoRenewing)
	assert.True(t, tx.IsAcknowledged)
	assert.Equal(t, purchases.PurchaseStatePurchased, tx.PurchaseState)

	sub.CancelAtPeriodEnd = true
	assert.False(t, subscriptionTransaction(sub).IsAutoRenewing)

	sub.Status = stripe.SubscriptionStatusIncomplete
	assert.Equal(t, purchases.PurchaseStatePending, subscriptionTransaction(sub).PurchaseState)
}

func TestPriceProduct(t *testing.T) {
	monthly := priceProduct(&stripe.Price{
		ID:         "price_monthly",
		Currency:   "usd",
		UnitAmount: 499,
		Product:    &stripe.Product{Name: "Pro"},
		Recurring:  &stripe.PriceRecurring{Interval: "month", IntervalCount: 1, TrialPeriodDays: 7},
	})
	assert.Equal(t, purchases.ProductTypeSubs, monthly.Type)
	assert.Equal(t, "4.99", monthly.Price.String())
	assert.Equal(t, "USD", monthly.Currency)
	assert.Equal(t, "P1M", monthly.Period)
	assert.Equal(t, "P7D", monthly.FreeTrialPeriod)
	assert.Equal(t, "Pro", monthly.Title)

	yen := priceProduct(&stripe.Price{ID: "price_coins", Currency: "jpy", UnitAmount: 500, Nickname: "Coins"})
	assert.Equal(t, purchases.ProductTypeInApp, yen.Type)
	assert.Equal(t, "500", yen.Price.String())
	assert.Equal(t, "Coins", yen.Title)
}

func TestIsoPeriod(t *testing.T) {
	assert.Equal(t, "P3M", isoPeriod("month", 3))
	assert.Equal(t, "P1Y", isoPeriod("year", 0))
	assert.Equal(t, "P2W", isoPeriod("week", 2))
	assert.Equal(t, "", isoPeriod("fortnight", 1))
}

func TestStore_CustomerResolution(t *testing.T) {
	calls := 0
	s, err := New(Config{
		APIKey: "sk_test_123",
		ResolveCustomerID: func(_ context.Context, appUserID string) (string, error) {
			calls++
			if appUserID == "ghost" {
				return "", ErrCustomerNotFound
			}
			return "cus_" + appUserID, nil
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := s.customerID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "cus_alice", id)
	_, _ = s.customerID(ctx, "alice")
	assert.Equal(t, 1, calls)

	// Unknown customers have no purchases rather than an error.
	txs, err := s.QueryPurchases(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestStore_ConsumeAndAcknowledgeAreNoops(t *testing.T) {
	s, err := New(Config{APIKey: "sk_test_123"})
	require.NoError(t, err)
	tx := &purchases.StoreTransaction{PurchaseToken: "sub_1"}
	assert.NoError(t, s.Consume(context.Background(), tx))
	assert.NoError(t, s.Acknowledge(context.Background(), tx))
}
