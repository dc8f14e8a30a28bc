// Package productcache caches store product lookups in memory.
package productcache

import (
	"context"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// DefaultTTL applies when New is given no TTL.
const DefaultTTL = 5 * time.Minute

// Cache decorates a purchases.ProductResolver with a TTL cache.
type Cache struct {
	resolver purchases.ProductResolver
	cache    *ttlcache.Cache
}

// New wraps resolver. A non-positive ttl uses DefaultTTL.
func New(resolver purchases.ProductResolver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	return &Cache{
		resolver: resolver,
		cache:    cache,
	}
}

// QueryProducts returns cached products and fetches the rest in one call.
func (c *Cache) QueryProducts(ctx context.Context, productType purchases.ProductType, productIDs []string) ([]*purchases.StoreProduct, error) {
	found := make(map[string]*purchases.StoreProduct, len(productIDs))
	var missing []string
	for _, id := range productIDs {
		if cached, ok := c.cache.Get(toCacheKey(productType, id)); ok {
			found[id] = copyProduct(cached.(*purchases.StoreProduct))
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		fetched, err := c.resolver.QueryProducts(ctx, productType, missing)
		if err != nil {
			return nil, err
		}
		for _, p := range fetched {
			c.cache.Set(toCacheKey(productType, p.ID), copyProduct(p))
			found[p.ID] = p
		}
	}

	out := make([]*purchases.StoreProduct, 0, len(found))
	for _, id := range productIDs {
		if p, ok := found[id]; ok {
			out = append(out, p)
			delete(found, id)
		}
	}
	return out, nil
}

// Invalidate drops a cached product.
func (c *Cache) Invalidate(productType purchases.ProductType, productID string) {
	c.cache.Remove(toCacheKey(productType, productID))
}

// Close stops the expiry goroutine.
func (c *Cache) Close() {
	c.cache.Close()
}

func toCacheKey(productType purchases.ProductType, id string) string {
	return string(productType) + ":" + id
}

func copyProduct(p *purchases.StoreProduct) *purchases.StoreProduct {
	copied := *p
	return &copied
}

// StoreClient decorates a purchases.StoreClient so product lookups go
// through the cache while purchase calls pass straight through.
type StoreClient struct {
	purchases.StoreClient
	products *Cache
}

// WrapStore wraps store with a product cache.
func WrapStore(store purchases.StoreClient, ttl time.Duration) *StoreClient {
	return &StoreClient{StoreClient: store, products: New(store, ttl)}
}

// QueryProducts implements purchases.ProductResolver.
func (s *StoreClient) QueryProducts(ctx context.Context, productType purchases.ProductType, productIDs []string) ([]*purchases.StoreProduct, error) {
	return s.products.QueryProducts(ctx, productType, productIDs)
}

// Close stops the cache.
func (s *StoreClient) Close() {
	s.products.Close()
}
