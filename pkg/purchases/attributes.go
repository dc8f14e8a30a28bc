package purchases

import (
	"context"
	"sync"
)

// SubscriberAttributesManager stores attributes set by the app until the
// backend accepts them with a receipt post.
type SubscriberAttributesManager struct {
	cache  *DeviceCache
	clock  Clock
	logger Logger
	mu     sync.Mutex
}

// NewSubscriberAttributesManager creates an attributes manager on top of cache.
func NewSubscriberAttributesManager(cache *DeviceCache, logger Logger) *SubscriberAttributesManager {
	return &SubscriberAttributesManager{
		cache:  cache,
		clock:  cache.clock,
		logger: loggerOrNoop(logger),
	}
}

func (m *SubscriberAttributesManager) read(ctx context.Context, appUserID string) map[string]SubscriberAttribute {
	attrs := make(map[string]SubscriberAttribute)
	m.cache.getJSON(ctx, m.cache.subscriberAttributesKey(appUserID), &attrs)
	return attrs
}

// SetAttributes records new values. A nil value deletes the attribute on the
// backend. Unchanged values are left alone so they are not re-sent.
func (m *SubscriberAttributesManager) SetAttributes(ctx context.Context, appUserID string, values map[string]*string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attrs := m.read(ctx, appUserID)
	now := m.clock.Now().UTC()
	changed := false
	for key, v := range values {
		if cur, ok := attrs[key]; ok && stringPtrEqual(cur.Value, v) {
			continue
		}
		attrs[key] = SubscriberAttribute{Key: key, Value: v, UpdatedAt: now}
		changed = true
	}
	if !changed {
		return nil
	}
	return m.cache.setJSON(ctx, m.cache.subscriberAttributesKey(appUserID), attrs)
}

// GetAllAttributes returns every known attribute for the user.
func (m *SubscriberAttributesManager) GetAllAttributes(ctx context.Context, appUserID string) map[string]SubscriberAttribute {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(ctx, appUserID)
}

func (m *SubscriberAttributesManager) GetUnsyncedSubscriberAttributes(
	ctx context.Context,
	appUserID string,
) map[string]SubscriberAttribute {
	m.mu.Lock()
	defer m.mu.Unlock()

	unsynced := make(map[string]SubscriberAttribute)
	for k, a := range m.read(ctx, appUserID) {
		if !a.IsSynced {
			unsynced[k] = a
		}
	}
	return unsynced
}

// MarkAsSynced flags the posted attributes as synced unless they changed
// after the snapshot was taken. Attribute errors from the backend are logged.
func (m *SubscriberAttributesManager) MarkAsSynced(
	ctx context.Context,
	appUserID string,
	synced map[string]SubscriberAttribute,
	errs []AttributeError,
) {
	for _, e := range errs {
		m.logger.Error("subscriber attribute rejected by backend",
			Field{"appUserId", appUserID},
			Field{"key", e.KeyName},
			Field{"message", e.Message},
		)
	}
	if len(synced) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	attrs := m.read(ctx, appUserID)
	for k, sent := range synced {
		cur, ok := attrs[k]
		if !ok || !cur.UpdatedAt.Equal(sent.UpdatedAt) || !stringPtrEqual(cur.Value, sent.Value) {
			continue
		}
		cur.IsSynced = true
		attrs[k] = cur
	}
	if err := m.cache.setJSON(ctx, m.cache.subscriberAttributesKey(appUserID), attrs); err != nil {
		m.logger.Warn("failed to mark subscriber attributes as synced",
			Field{"appUserId", appUserID},
			Field{"error", err.Error()},
		)
	}
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
