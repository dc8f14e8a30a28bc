package purchases

import (
	"context"
	"sort"
	"sync"
)

// LocalTransactionMetadataStore persists receipt data per purchase token so
// purchases interrupted before their post completed can be posted later.
type LocalTransactionMetadataStore struct {
	cache *DeviceCache
	mu    sync.Mutex
}

// NewLocalTransactionMetadataStore creates a metadata store sharing the
// device cache's key-value store.
func NewLocalTransactionMetadataStore(cache *DeviceCache) *LocalTransactionMetadataStore {
	return &LocalTransactionMetadataStore{cache: cache}
}

func (s *LocalTransactionMetadataStore) read(ctx context.Context) map[string]TransactionMetadata {
	all := make(map[string]TransactionMetadata)
	s.cache.getJSON(ctx, s.cache.transactionMetadataKey(), &all)
	return all
}

// CacheTransactionMetadata stores meta under its token hash. An existing
// entry for the same token is kept.
func (s *LocalTransactionMetadataStore) CacheTransactionMetadata(ctx context.Context, meta TransactionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.read(ctx)
	h := TokenHash(meta.Token)
	if _, ok := all[h]; ok {
		return nil
	}
	all[h] = meta
	return s.cache.setJSON(ctx, s.cache.transactionMetadataKey(), all)
}

// GetAllTransactionMetadata returns every stored entry ordered by token.
func (s *LocalTransactionMetadataStore) GetAllTransactionMetadata(ctx context.Context) []TransactionMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.read(ctx)
	out := make([]TransactionMetadata, 0, len(all))
	for _, m := range all {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

func (s *LocalTransactionMetadataStore) ClearTransactionMetadata(ctx context.Context, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.read(ctx)
	removed := false
	for _, t := range tokens {
		h := TokenHash(t)
		if _, ok := all[h]; ok {
			delete(all, h)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	if len(all) == 0 {
		return s.cache.store.Delete(ctx, s.cache.transactionMetadataKey())
	}
	return s.cache.setJSON(ctx, s.cache.transactionMetadataKey(), all)
}
