package playstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// TokenRef identifies a purchase token the Play Developer API can resolve.
type TokenRef struct {
	Token     string                `json:"token"`
	ProductID string                `json:"product_id"`
	Type      purchases.ProductType `json:"type"`
}

// TokenRegistry remembers which purchase tokens belong to an app user. The
// Play Developer API cannot list purchases by user, so the host records
// tokens as clients report them.
type TokenRegistry interface {
	Add(ctx context.Context, appUserID string, ref TokenRef) error
	Tokens(ctx context.Context, appUserID string) ([]TokenRef, error)
}

const registryKeyPrefix = "playstore.tokens."

// KeyValueRegistry is a TokenRegistry on any purchases.KeyValueStore.
type KeyValueRegistry struct {
	mu    sync.Mutex
	store purchases.KeyValueStore
}

// NewKeyValueRegistry creates a registry on store.
func NewKeyValueRegistry(store purchases.KeyValueStore) *KeyValueRegistry {
	return &KeyValueRegistry{store: store}
}

// Add records ref for appUserID. Known tokens are ignored.
func (r *KeyValueRegistry) Add(ctx context.Context, appUserID string, ref TokenRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs, err := r.load(ctx, appUserID)
	if err != nil {
		return err
	}
	for _, existing := range refs {
		if existing.Token == ref.Token {
			return nil
		}
	}
	refs = append(refs, ref)

	data, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	return r.store.Set(ctx, registryKeyPrefix+appUserID, data)
}

// Tokens returns every token recorded for appUserID.
func (r *KeyValueRegistry) Tokens(ctx context.Context, appUserID string) ([]TokenRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx, appUserID)
}

func (r *KeyValueRegistry) load(ctx context.Context, appUserID string) ([]TokenRef, error) {
	data, err := r.store.Get(ctx, registryKeyPrefix+appUserID)
	if errors.Is(err, purchases.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	var refs []TokenRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	return refs, nil
}
