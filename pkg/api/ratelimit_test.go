package api

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Window(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.allow("1.1.1.1"))
	assert.True(t, limiter.allow("1.1.1.1"))
	assert.False(t, limiter.allow("1.1.1.1"))
	assert.True(t, limiter.allow("2.2.2.2"), "limits are per key")

	now = now.Add(time.Minute + time.Second)
	assert.True(t, limiter.allow("1.1.1.1"), "window reset")
}

func TestRateLimiter_CleanupRemovesExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(10, time.Second)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 150; i++ {
		limiter.allow(fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Len(t, limiter.requests, 150)

	now = now.Add(2 * time.Second)
	for i := 0; i < 60; i++ {
		limiter.allow(fmt.Sprintf("10.1.0.%d", i))
	}
	// The 200th request triggers cleanup of every expired bucket.
	assert.LessOrEqual(t, len(limiter.requests), 60)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:1234", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(req))
}
