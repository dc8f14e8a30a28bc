package productcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
	"github.com/mihaimyh/gopurchases/store/memory"
)

type countingResolver struct {
	calls    [][]string
	products map[string]*purchases.StoreProduct
	err      error
}

func (r *countingResolver) QueryProducts(_ context.Context, _ purchases.ProductType, ids []string) ([]*purchases.StoreProduct, error) {
	r.calls = append(r.calls, ids)
	if r.err != nil {
		return nil, r.err
	}
	var out []*purchases.StoreProduct
	for _, id := range ids {
		if p, ok := r.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func newResolver() *countingResolver {
	return &countingResolver{products: map[string]*purchases.StoreProduct{
		"monthly": {ID: "monthly", Type: purchases.ProductTypeSubs, Price: decimal.RequireFromString("4.99")},
		"yearly":  {ID: "yearly", Type: purchases.ProductTypeSubs, Price: decimal.RequireFromString("39.99")},
	}}
}

func TestCache_QueryProducts(t *testing.T) {
	resolver := newResolver()
	c := New(resolver, time.Minute)
	defer c.Close()
	ctx := context.Background()

	got, err := c.QueryProducts(ctx, purchases.ProductTypeSubs, []string{"monthly"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = c.QueryProducts(ctx, purchases.ProductTypeSubs, []string{"yearly", "monthly", "unknown"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "yearly", got[0].ID)
	assert.Equal(t, "monthly", got[1].ID)

	// Only the misses reach the resolver.
	require.Len(t, resolver.calls, 2)
	assert.Equal(t, []string{"yearly", "unknown"}, resolver.calls[1])

	_, err = c.QueryProducts(ctx, purchases.ProductTypeSubs, []string{"monthly", "yearly"})
	require.NoError(t, err)
	assert.Len(t, resolver.calls, 2)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := New(newResolver(), time.Minute)
	defer c.Close()
	ctx := context.Background()

	_, err := c.QueryProducts(ctx, purchases.ProductTypeSubs, []string{"monthly"})
	require.NoError(t, err)
	first, err := c.QueryProducts(ctx, purchases.ProductTypeSubs, []string{"monthly"})
	require.NoError(t, err)
	first[0].Title = "mutated"

	second, err := c.QueryProducts(ctx, purchases.ProductTypeSubs, []string{"monthly"})
	require.NoError(t, err)
	assert.Empty(t, second[0].Title)
}

func TestCache_InvalidateAndErrors(t *testing.T) {
	resolver := newResolver()
	c := New(resolver, 0)
	defer c.Close()
	ctx := context.Background()

	_, err := c.QueryProducts(ctx, purchases.ProductTypeSubs, []string{"monthly"})
	require.NoError(t, err)
	c.Invalidate(purchases.ProductTypeSubs, "monthly")

	resolver.err = errors.New("store down")
	_, err = c.QueryProducts(ctx, purchases.ProductTypeSubs, []string{"monthly"})
	assert.Error(t, err)
}

func TestWrapStore(t *testing.T) {
	inner := memory.New(&purchases.StoreProduct{ID: "coins", Type: purchases.ProductTypeInApp})
	s := WrapStore(inner, time.Minute)
	defer s.Close()
	ctx := context.Background()

	got, err := s.QueryProducts(ctx, purchases.ProductTypeInApp, []string{"coins"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	tx, err := inner.LaunchPurchaseFlow(ctx, "user-1", purchases.PurchaseParams{Product: got[0]})
	require.NoError(t, err)

	active, err := s.QueryPurchases(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, tx.PurchaseToken, active[0].PurchaseToken)
}
