package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

const defaultIdleTTL = 30 * time.Minute

// Client is the part of *purchases.Purchases the handler and middleware use.
type Client interface {
	GetCustomerInfo(ctx context.Context, policy purchases.CacheFetchPolicy) (*purchases.CustomerInfo, error)
	SyncPurchases(ctx context.Context) (*purchases.CustomerInfo, error)
	RestorePurchases(ctx context.Context) (*purchases.CustomerInfo, error)
}

// Clients resolves the Client for an app user.
type Clients interface {
	ForUser(ctx context.Context, appUserID string) (Client, error)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Config is the template every per-user instance is built from.
	// AppUserID is overwritten and KeyPrefix is extended with the user id.
	Config purchases.Config

	// Dependencies are shared by every instance
	Dependencies purchases.Dependencies

	// IdleTTL evicts instances unused for this long (default: 30 minutes)
	IdleTTL time.Duration
}

// Registry builds one purchases.Purchases per app user on shared
// collaborators, so a server can answer for many users.
type Registry struct {
	config RegistryConfig

	mu    sync.Mutex
	cache *ttlcache.Cache
}

var _ Clients = (*Registry)(nil)

// NewRegistry creates a registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Dependencies.Backend == nil || config.Dependencies.Store == nil || config.Dependencies.Storage == nil {
		return nil, fmt.Errorf("backend, store and storage are required")
	}

	// Set defaults
	if config.IdleTTL <= 0 {
		config.IdleTTL = defaultIdleTTL
	}
	if config.Config.KeyPrefix == "" {
		config.Config.KeyPrefix = "purchases."
	}

	cache := ttlcache.NewCache()
	cache.SetTTL(config.IdleTTL)
	return &Registry{config: config, cache: cache}, nil
}

// ForUser returns the instance for appUserID, creating it on first use.
func (r *Registry) ForUser(ctx context.Context, appUserID string) (Client, error) {
	return r.Purchases(ctx, appUserID)
}

// Purchases is ForUser returning the concrete facade.
func (r *Registry) Purchases(ctx context.Context, appUserID string) (*purchases.Purchases, error) {
	if appUserID == "" {
		return nil, purchases.NewError(purchases.InvalidAppUserIDError, "app user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache.Get(appUserID); ok {
		return cached.(*purchases.Purchases), nil
	}

	config := r.config.Config
	config.AppUserID = appUserID
	config.KeyPrefix = r.config.Config.KeyPrefix + appUserID + "."
	p, err := purchases.New(ctx, config, r.config.Dependencies)
	if err != nil {
		return nil, err
	}
	r.cache.Set(appUserID, p)
	return p, nil
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	return r.cache.Count()
}

// Close stops the eviction goroutine.
func (r *Registry) Close() {
	r.cache.Close()
}
