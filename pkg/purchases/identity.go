package purchases

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const anonymousIDPrefix = "$RCAnonymousID:"

// IsAnonymousAppUserID reports whether id was generated by the SDK.
func IsAnonymousAppUserID(id string) bool {
	return strings.HasPrefix(id, anonymousIDPrefix)
}

// GenerateAnonymousAppUserID returns a new "$RCAnonymousID:<32 hex>" id.
func GenerateAnonymousAppUserID() string {
	return anonymousIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IdentityManager owns the current app user id and user switches.
type IdentityManager struct {
	cache   *DeviceCache
	backend Backend
	offline OfflineEntitlements
	updater *CustomerInfoUpdateHandler
	logger  Logger

	mu      sync.RWMutex
	current string
}

// NewIdentityManager creates an identity manager. offline may be nil.
func NewIdentityManager(cache *DeviceCache, backend Backend, offline OfflineEntitlements, logger Logger) *IdentityManager {
	return &IdentityManager{
		cache:   cache,
		backend: backend,
		offline: offline,
		logger:  loggerOrNoop(logger),
	}
}

// CurrentAppUserID returns the identified user, or "" before Configure.
func (m *IdentityManager) CurrentAppUserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CurrentUserIsAnonymous reports whether the current id is SDK-generated.
func (m *IdentityManager) CurrentUserIsAnonymous() bool {
	return IsAnonymousAppUserID(m.CurrentAppUserID())
}

// Configure sets the initial user. An empty appUserID reuses the persisted
// id, or generates an anonymous one.
func (m *IdentityManager) Configure(ctx context.Context, appUserID string) error {
	appUserID = strings.TrimSpace(appUserID)
	if appUserID == "" {
		appUserID = m.cache.GetCachedAppUserID(ctx)
	}
	if appUserID == "" {
		appUserID = GenerateAnonymousAppUserID()
	}

	previous := m.cache.GetCachedAppUserID(ctx)
	if previous != "" && previous != appUserID {
		m.clearUserCaches(ctx, previous)
	}

	m.mu.Lock()
	m.current = appUserID
	m.mu.Unlock()

	m.logger.Debug("identified app user", Field{"appUserId", appUserID})
	return m.cache.CacheAppUserID(ctx, appUserID)
}

// LogIn switches to newAppUserID through the backend. created reports
// whether the backend created a new subscriber.
func (m *IdentityManager) LogIn(ctx context.Context, newAppUserID string) (*CustomerInfo, bool, error) {
	newAppUserID = strings.TrimSpace(newAppUserID)
	if newAppUserID == "" {
		return nil, false, NewError(InvalidAppUserIDError, "app user id is empty")
	}

	old := m.CurrentAppUserID()
	info, created, err := m.backend.LogIn(ctx, old, newAppUserID)
	if err != nil {
		ce := classify(err)
		m.logger.Warn("log in failed",
			Field{"appUserId", old},
			Field{"newAppUserId", newAppUserID},
			Field{"error", ce.err.Error()},
		)
		return nil, false, ce.err
	}

	m.switchUser(ctx, old, newAppUserID)
	if m.updater != nil {
		m.updater.CacheAndNotifyListeners(ctx, newAppUserID, info)
	}
	m.logger.Info("logged in", Field{"appUserId", newAppUserID}, Field{"created", created})
	return info, created, nil
}

// LogOut switches to a fresh anonymous id. It fails when the current user is
// already anonymous.
func (m *IdentityManager) LogOut(ctx context.Context) (string, error) {
	old := m.CurrentAppUserID()
	if IsAnonymousAppUserID(old) {
		return "", NewError(LogOutWithAnonymousUserError, "")
	}
	anonymous := GenerateAnonymousAppUserID()
	m.switchUser(ctx, old, anonymous)
	m.logger.Info("logged out", Field{"appUserId", anonymous})
	return anonymous, nil
}

func (m *IdentityManager) switchUser(ctx context.Context, old, next string) {
	m.clearUserCaches(ctx, old)

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	if err := m.cache.CacheAppUserID(ctx, next); err != nil {
		m.logger.Warn("failed to persist app user id", Field{"appUserId", next}, Field{"error", err.Error()})
	}
}

func (m *IdentityManager) clearUserCaches(ctx context.Context, appUserID string) {
	if err := m.cache.ClearCachesForAppUserID(ctx, appUserID); err != nil {
		m.logger.Warn("failed to clear caches", Field{"appUserId", appUserID}, Field{"error", err.Error()})
	}
	if m.offline != nil {
		m.offline.ResetOfflineCustomerInfoCache()
	}
	if m.updater != nil {
		m.updater.Reset()
	}
}
