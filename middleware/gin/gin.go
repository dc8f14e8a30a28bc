// Package gin provides Gin middleware that gates routes on an active
// entitlement.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gopurchases/pkg/api"
	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// CustomerInfoKey is the gin context key holding the retrieved customer info
const CustomerInfoKey = "purchases:customerInfo"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Clients resolves the SDK instance for a user (required)
	Clients api.Clients

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Entitlement is the entitlement identifier to require (required)
	Entitlement string

	// FetchPolicy names the cache fetch policy used for the lookup
	// Default: CACHED_OR_FETCHED
	FetchPolicy string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the entitlement is not active
	// If nil, returns 403 JSON
	OnForbidden func(c *gongin.Context, info *purchases.CustomerInfo)

	// OnError is called when customer info cannot be retrieved
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// RequireEntitlement creates a Gin middleware that aborts requests from
// users without the configured entitlement.
func RequireEntitlement(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Clients == nil {
		panic("gopurchases/gin: Config.Clients is required")
	}
	if cfg.GetUserID == nil {
		panic("gopurchases/gin: Config.GetUserID is required")
	}
	if cfg.Entitlement == "" {
		panic("gopurchases/gin: Config.Entitlement is required")
	}
	policy, err := purchases.ParseCacheFetchPolicy(cfg.FetchPolicy)
	if err != nil {
		panic("gopurchases/gin: invalid Config.FetchPolicy " + cfg.FetchPolicy)
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		client, err := cfg.Clients.ForUser(ctx, userID)
		var info *purchases.CustomerInfo
		if err == nil {
			info, err = client.GetCustomerInfo(ctx, policy)
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
			}
			c.Abort()
			return
		}

		if !info.HasActiveEntitlement(cfg.Entitlement) {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, info)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{
					"error":       "Forbidden",
					"entitlement": cfg.Entitlement,
				})
			}
			c.Abort()
			return
		}

		c.Set(CustomerInfoKey, info)
		c.Next()
	}
}

// CustomerInfo returns the customer info stored by the middleware
func CustomerInfo(c *gongin.Context) (*purchases.CustomerInfo, bool) {
	v, ok := c.Get(CustomerInfoKey)
	if !ok {
		return nil, false
	}
	info, ok := v.(*purchases.CustomerInfo)
	return info, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a URL parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
