// Package memory provides an in-memory purchases.StoreClient that simulates a
// platform store. It backs the examples, the CLI demo mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// Store implements purchases.StoreClient and purchases.PurchaseLauncher.
type Store struct {
	mu        sync.RWMutex
	products  map[string]*purchases.StoreProduct
	purchases map[string][]*record // by app user id
	now       func() time.Time

	// Pending makes LaunchPurchaseFlow return pending purchases.
	Pending bool
}

type record struct {
	tx       *purchases.StoreTransaction
	consumed bool
}

var (
	_ purchases.StoreClient      = (*Store)(nil)
	_ purchases.PurchaseLauncher = (*Store)(nil)
)

// New creates a store selling the given products.
func New(products ...*purchases.StoreProduct) *Store {
	s := &Store{
		products:  make(map[string]*purchases.StoreProduct),
		purchases: make(map[string][]*record),
		now:       time.Now,
	}
	for _, p := range products {
		s.AddProduct(p)
	}
	return s
}

// AddProduct adds or replaces a product.
func (s *Store) AddProduct(p *purchases.StoreProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *p
	s.products[p.ID] = &clone
}

// QueryProducts implements purchases.ProductResolver. Unknown ids are skipped.
func (s *Store) QueryProducts(_ context.Context, productType purchases.ProductType, productIDs []string) ([]*purchases.StoreProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*purchases.StoreProduct
	for _, id := range productIDs {
		p, ok := s.products[id]
		if !ok || (productType != purchases.ProductTypeUnknown && p.Type != productType) {
			continue
		}
		clone := *p
		out = append(out, &clone)
	}
	return out, nil
}

// LaunchPurchaseFlow completes a purchase immediately.
func (s *Store) LaunchPurchaseFlow(_ context.Context, appUserID string, params purchases.PurchaseParams) (*purchases.StoreTransaction, error) {
	if params.Product == nil {
		return nil, purchases.NewError(purchases.PurchaseInvalidError, "product is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[params.Product.ID]
	if !ok {
		return nil, purchases.NewError(purchases.ProductNotAvailableForPurchaseError, params.Product.ID)
	}
	for _, r := range s.purchases[appUserID] {
		if !r.consumed && r.tx.ProductID() == product.ID && product.Type == purchases.ProductTypeSubs {
			return nil, purchases.NewError(purchases.ProductAlreadyPurchasedError, product.ID)
		}
	}

	state := purchases.PurchaseStatePurchased
	if s.Pending {
		state = purchases.PurchaseStatePending
	}
	tx := &purchases.StoreTransaction{
		OrderID:              "GPA." + strings.ToUpper(uuid.NewString()[:18]),
		ProductIDs:           []string{product.ID},
		Type:                 product.Type,
		PurchaseTime:         s.now().UTC(),
		PurchaseToken:        uuid.NewString(),
		PurchaseState:        state,
		IsAutoRenewing:       product.Type == purchases.ProductTypeSubs,
		PresentedOfferingID:  params.PresentedOfferingID,
		SubscriptionOptionID: params.SubscriptionOptionID,
		Store:                purchases.StorePlayStore,
	}
	s.purchases[appUserID] = append(s.purchases[appUserID], &record{tx: tx})

	clone := *tx
	return &clone, nil
}

// CompletePending moves a pending purchase to the purchased state.
func (s *Store) CompletePending(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(token)
	if r == nil {
		return fmt.Errorf("unknown purchase token")
	}
	r.tx.PurchaseState = purchases.PurchaseStatePurchased
	return nil
}

// QueryPurchases returns the user's unconsumed purchases.
func (s *Store) QueryPurchases(_ context.Context, appUserID string) ([]*purchases.StoreTransaction, error) {
	return s.list(appUserID, false), nil
}

// QueryPurchaseHistory returns every purchase the user ever made.
func (s *Store) QueryPurchaseHistory(_ context.Context, appUserID string) ([]*purchases.StoreTransaction, error) {
	return s.list(appUserID, true), nil
}

// Consume implements purchases.StoreClient.
func (s *Store) Consume(_ context.Context, tx *purchases.StoreTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(tx.PurchaseToken)
	if r == nil {
		return purchases.NewError(purchases.PurchaseInvalidError, "unknown purchase token")
	}
	if r.tx.Type != purchases.ProductTypeInApp {
		return purchases.NewError(purchases.PurchaseInvalidError, "only in-app products can be consumed")
	}
	r.consumed = true
	return nil
}

// Acknowledge implements purchases.StoreClient.
func (s *Store) Acknowledge(_ context.Context, tx *purchases.StoreTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(tx.PurchaseToken)
	if r == nil {
		return purchases.NewError(purchases.PurchaseInvalidError, "unknown purchase token")
	}
	r.tx.IsAcknowledged = true
	return nil
}

func (s *Store) list(appUserID string, includeConsumed bool) []*purchases.StoreTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*purchases.StoreTransaction
	for _, r := range s.purchases[appUserID] {
		if r.consumed && !includeConsumed {
			continue
		}
		clone := *r.tx
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PurchaseTime.Before(out[j].PurchaseTime)
	})
	return out
}

// find must be called with the lock held.
func (s *Store) find(token string) *record {
	for _, records := range s.purchases {
		for _, r := range records {
			if r.tx.PurchaseToken == token {
				return r
			}
		}
	}
	return nil
}
