package purchases

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAnonymousAppUserID(t *testing.T) {
	id := GenerateAnonymousAppUserID()
	assert.Regexp(t, regexp.MustCompile(`^\$RCAnonymousID:[0-9a-f]{32}$`), id)
	assert.True(t, IsAnonymousAppUserID(id))
	assert.False(t, IsAnonymousAppUserID("user-1"))
	assert.NotEqual(t, id, GenerateAnonymousAppUserID())
}

func TestIdentityManager_Configure(t *testing.T) {
	ctx := context.Background()
	cache, err := NewDeviceCache(newMapStore(), DeviceCacheConfig{})
	require.NoError(t, err)

	m := NewIdentityManager(cache, &fakeBackend{}, nil, nil)
	require.NoError(t, m.Configure(ctx, ""))
	anonymous := m.CurrentAppUserID()
	assert.True(t, IsAnonymousAppUserID(anonymous))

	// A restart reuses the persisted id.
	again := NewIdentityManager(cache, &fakeBackend{}, nil, nil)
	require.NoError(t, again.Configure(ctx, ""))
	assert.Equal(t, anonymous, again.CurrentAppUserID())

	// Configuring a different user drops the previous user's caches.
	require.NoError(t, cache.CacheCustomerInfo(ctx, anonymous, customerInfoFor(anonymous)))
	require.NoError(t, again.Configure(ctx, "user-1"))
	assert.Equal(t, "user-1", again.CurrentAppUserID())
	assert.Nil(t, cache.GetCachedCustomerInfo(ctx, anonymous))
}

func TestPurchases_LogInAndLogOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AppUserID: "user-1"})
	h.seedCache(t, "user-1", customerInfoFor("user-1", "old"))
	listener := &recordingListener{}
	h.p.SetUpdatedCustomerInfoListener(ctx, listener)
	require.Equal(t, 1, listener.count())

	var loggedIn []string
	h.backend.logInFn = func(current, next string) (*CustomerInfo, bool, error) {
		loggedIn = append(loggedIn, current+"->"+next)
		return customerInfoFor(next, "pro"), false, nil
	}

	info, created, err := h.p.LogIn(ctx, "user-2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "user-2", info.OriginalAppUserID)
	assert.Equal(t, "user-2", h.p.AppUserID())
	assert.Equal(t, []string{"user-1->user-2"}, loggedIn)
	assert.Nil(t, h.p.cache.GetCachedCustomerInfo(ctx, "user-1"))
	assert.NotNil(t, h.p.cache.GetCachedCustomerInfo(ctx, "user-2"))
	assert.Equal(t, 2, listener.count())

	// Logging in as the current user does not call the backend.
	_, _, err = h.p.LogIn(ctx, "user-2")
	require.NoError(t, err)
	assert.Len(t, loggedIn, 1)

	info, err = h.p.LogOut(ctx)
	require.NoError(t, err)
	assert.True(t, h.p.IsAnonymous())
	assert.Equal(t, h.p.AppUserID(), info.OriginalAppUserID)

	_, err = h.p.LogOut(ctx)
	assert.ErrorIs(t, err, ErrLogOutWithAnonymousUser)
}

func TestPurchases_LogInFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AppUserID: "user-1"})

	_, _, err := h.p.LogIn(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidAppUserID)

	h.backend.logInFn = func(string, string) (*CustomerInfo, bool, error) {
		return nil, false, errors.New("connection reset")
	}
	_, _, err = h.p.LogIn(ctx, "user-2")
	require.Error(t, err)
	assert.Equal(t, "user-1", h.p.AppUserID())
}
