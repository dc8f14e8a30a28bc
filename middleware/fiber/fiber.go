// Package fiber provides Fiber middleware that gates routes on an active
// entitlement.
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gopurchases/pkg/api"
	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// CustomerInfoKey is the Locals key holding the retrieved customer info
const CustomerInfoKey = "purchases:customerInfo"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the entitlement is not active
	// If nil, returns 403 JSON
	OnForbidden func(c *fiber.Ctx, info *purchases.CustomerInfo) error

	// OnError is called when customer info cannot be retrieved
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// RequireEntitlement creates a Fiber middleware that rejects users without
// the configured entitlement.
func RequireEntitlement(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Clients == nil {
		panic("gopurchases/fiber: Config.Clients is required")
	}
	if cfg.GetUserID == nil {
		panic("gopurchases/fiber: Config.GetUserID is required")
	}
	if cfg.Entitlement == "" {
		panic("gopurchases/fiber: Config.Entitlement is required")
	}
	policy, err := purchases.ParseCacheFetchPolicy(cfg.FetchPolicy)
	if err != nil {
		panic("gopurchases/fiber: invalid Config.FetchPolicy " + cfg.FetchPolicy)
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		ctx := c.UserContext()
		client, err := cfg.Clients.ForUser(ctx, userID)
		var info *purchases.CustomerInfo
		if err == nil {
			info, err = client.GetCustomerInfo(ctx, policy)
		}
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
		}

		if !info.HasActiveEntitlement(cfg.Entitlement) {
			if cfg.OnForbidden != nil {
				return cfg.OnForbidden(c, info)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":       "Forbidden",
				"entitlement": cfg.Entitlement,
			})
		}

		c.Locals(CustomerInfoKey, info)
		return c.Next()
	}
}

// CustomerInfo returns the customer info stored by the middleware
func CustomerInfo(c *fiber.Ctx) (*purchases.CustomerInfo, bool) {
	info, ok := c.Locals(CustomerInfoKey).(*purchases.CustomerInfo)
	return info, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
