package purchases

import (
	"context"
	"sync"
)

// CustomerInfoListener receives customer info updates.
type CustomerInfoListener interface {
	OnReceived(info *CustomerInfo)
}

// CustomerInfoListenerFunc adapts a function to CustomerInfoListener.
type CustomerInfoListenerFunc func(info *CustomerInfo)

func (f CustomerInfoListenerFunc) OnReceived(info *CustomerInfo) { f(info) }

// CustomerInfoUpdateHandler caches customer info and notifies listeners
// only when the entitlement-bearing content changes.
type CustomerInfoUpdateHandler struct {
	cache    CacheStore
	identity AppUserIDProvider
	offline  OfflineEntitlements
	logger   Logger
	metrics  Metrics

	// writes serializes cache writes and the matching notification per
	// app user id.
	writes userLocks

	mu          sync.Mutex
	listener    CustomerInfoListener
	subscribers map[int]CustomerInfoListener
	nextID      int
	lastSent    *CustomerInfo
}

// NewCustomerInfoUpdateHandler creates the update handler. offline may be nil.
func NewCustomerInfoUpdateHandler(
	cache CacheStore,
	identity AppUserIDProvider,
	offline OfflineEntitlements,
	logger Logger,
	metrics Metrics,
) *CustomerInfoUpdateHandler {
	return &CustomerInfoUpdateHandler{
		cache:       cache,
		identity:    identity,
		offline:     offline,
		logger:      loggerOrNoop(logger),
		metrics:     metricsOrNoop(metrics),
		subscribers: make(map[int]CustomerInfoListener),
	}
}

// CacheAndNotifyListeners stores info for appUserID and notifies listeners.
// A backend-sourced snapshot replaces any resident offline snapshot. Writes
// for the same user are applied one at a time, so the cached value is always
// the last one delivered to listeners.
func (h *CustomerInfoUpdateHandler) CacheAndNotifyListeners(ctx context.Context, appUserID string, info *CustomerInfo) {
	h.cacheAndNotify(ctx, appUserID, info, nil)
}

// cacheAndNotify is CacheAndNotifyListeners with a hook run after the
// cache write, while the user's write lock is still held.
func (h *CustomerInfoUpdateHandler) cacheAndNotify(
	ctx context.Context,
	appUserID string,
	info *CustomerInfo,
	written func(*CustomerInfo),
) {
	if info == nil {
		return
	}
	unlock := h.writes.lock(appUserID)
	defer unlock()

	if h.offline != nil && info.Verification != VerificationVerifiedOnDevice {
		h.offline.ResetOfflineCustomerInfoCache()
	}
	if err := h.cache.CacheCustomerInfo(ctx, appUserID, info); err != nil {
		h.logger.Warn("failed to cache customer info",
			Field{"appUserId", appUserID},
			Field{"error", err.Error()},
		)
	}
	if written != nil {
		written(info)
	}
	h.NotifyListeners(info)
}

// NotifyListeners delivers info unless it matches the last delivered value.
func (h *CustomerInfoUpdateHandler) NotifyListeners(info *CustomerInfo) {
	if info == nil {
		return
	}

	h.mu.Lock()
	if h.lastSent != nil && h.lastSent.SameEntitlements(info) {
		h.mu.Unlock()
		return
	}
	h.lastSent = info
	targets := h.targetsLocked()
	h.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	h.logger.Debug("sending updated customer info to listeners",
		Field{"appUserId", info.OriginalAppUserID},
		Field{"listeners", len(targets)},
	)
	for _, l := range targets {
		l.OnReceived(info)
	}
	h.metrics.RecordListenerNotification()
}

func (h *CustomerInfoUpdateHandler) targetsLocked() []CustomerInfoListener {
	targets := make([]CustomerInfoListener, 0, len(h.subscribers)+1)
	if h.listener != nil {
		targets = append(targets, h.listener)
	}
	for _, s := range h.subscribers {
		targets = append(targets, s)
	}
	return targets
}

// SetListener replaces the updated customer info listener. When a value is
// known (the offline snapshot first, then the cache) it is replayed once to
// the new listener. Passing nil removes the listener. Updates are delivered
// on the goroutine that wrote them, while that user's writes are held, so a
// listener must not write customer info for the same user synchronously.
func (h *CustomerInfoUpdateHandler) SetListener(ctx context.Context, l CustomerInfoListener) {
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()

	if l != nil {
		h.replay(ctx, l)
	}
}

// Subscribe registers an additional listener and replays the last known
// value to it. The returned func unsubscribes.
func (h *CustomerInfoUpdateHandler) Subscribe(ctx context.Context, l CustomerInfoListener) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = l
	h.mu.Unlock()

	h.replay(ctx, l)

	return func() {
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
	}
}

func (h *CustomerInfoUpdateHandler) replay(ctx context.Context, l CustomerInfoListener) {
	info := h.lastKnown(ctx)
	if info == nil {
		return
	}

	h.mu.Lock()
	h.lastSent = info
	h.mu.Unlock()

	l.OnReceived(info)
	h.metrics.RecordListenerNotification()
}

func (h *CustomerInfoUpdateHandler) lastKnown(ctx context.Context) *CustomerInfo {
	if h.offline != nil {
		if info := h.offline.OfflineCustomerInfo(); info != nil {
			return info
		}
	}
	return h.cache.GetCachedCustomerInfo(ctx, h.identity.CurrentAppUserID())
}

// Reset forgets the last delivered value, e.g. after the user changed.
func (h *CustomerInfoUpdateHandler) Reset() {
	h.mu.Lock()
	h.lastSent = nil
	h.mu.Unlock()
}

// userLocks hands out one mutex per key and drops it when unused.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*userLock)
	}
	ul, ok := l.locks[key]
	if !ok {
		ul = &userLock{}
		l.locks[key] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
