// Package echo provides Echo middleware that gates routes on an active
// entitlement.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gopurchases/pkg/api"
	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// CustomerInfoKey is the echo context key holding the retrieved customer info
const CustomerInfoKey = "purchases:customerInfo"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the entitlement is not active
	// If nil, returns 403 JSON
	OnForbidden func(c echo.Context, info *purchases.CustomerInfo) error

	// OnError is called when customer info cannot be retrieved
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// RequireEntitlement creates an Echo middleware that rejects users without
// the configured entitlement.
func RequireEntitlement(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Clients == nil {
		panic("gopurchases/echo: Config.Clients is required")
	}
	if cfg.GetUserID == nil {
		panic("gopurchases/echo: Config.GetUserID is required")
	}
	if cfg.Entitlement == "" {
		panic("gopurchases/echo: Config.Entitlement is required")
	}
	policy, err := purchases.ParseCacheFetchPolicy(cfg.FetchPolicy)
	if err != nil {
		panic("gopurchases/echo: invalid Config.FetchPolicy " + cfg.FetchPolicy)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			ctx := c.Request().Context()
			client, err := cfg.Clients.ForUser(ctx, userID)
			var info *purchases.CustomerInfo
			if err == nil {
				info, err = client.GetCustomerInfo(ctx, policy)
			}
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
			}

			if !info.HasActiveEntitlement(cfg.Entitlement) {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c, info)
				}
				return c.JSON(http.StatusForbidden, map[string]string{
					"error":       "Forbidden",
					"entitlement": cfg.Entitlement,
				})
			}

			c.Set(CustomerInfoKey, info)
			return next(c)
		}
	}
}

// CustomerInfo returns the customer info stored by the middleware
func CustomerInfo(c echo.Context) (*purchases.CustomerInfo, bool) {
	info, ok := c.Get(CustomerInfoKey).(*purchases.CustomerInfo)
	return info, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
