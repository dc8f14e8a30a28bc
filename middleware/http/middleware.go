// Package http provides net/http middleware that gates handlers on an
// active entitlement.
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gopurchases/pkg/api"
	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Clients resolves the SDK instance for a user (required)
	Clients api.Clients

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Entitlement is the entitlement identifier to require (required)
	Entitlement string

	// FetchPolicy names the cache fetch policy used for the lookup
	// Default: CACHED_OR_FETCHED
	FetchPolicy string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the entitlement is not active
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, info *purchases.CustomerInfo)

	// OnError is called when customer info cannot be retrieved
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireEntitlement creates an HTTP middleware that only lets requests
// through when the user holds the configured entitlement.
func RequireEntitlement(config Config) func(http.Handler) http.Handler {
	if config.Clients == nil {
		panic("gopurchases/http: Config.Clients is required")
	}
	if config.GetUserID == nil {
		panic("gopurchases/http: Config.GetUserID is required")
	}
	if config.Entitlement == "" {
		panic("gopurchases/http: Config.Entitlement is required")
	}
	policy, err := purchases.ParseCacheFetchPolicy(config.FetchPolicy)
	if err != nil {
		panic("gopurchases/http: invalid Config.FetchPolicy " + config.FetchPolicy)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ctx := r.Context()
			info, err := customerInfo(ctx, config.Clients, userID, policy)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				}
				return
			}

			if !info.HasActiveEntitlement(config.Entitlement) {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, info)
				} else {
					http.Error(w, "Forbidden", http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCustomerInfo(ctx, info)))
		})
	}
}

// HandlerFunc is RequireEntitlement for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireEntitlement(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func customerInfo(
	ctx context.Context, clients api.Clients, userID string, policy purchases.CacheFetchPolicy,
) (*purchases.CustomerInfo, error) {
	client, err := clients.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return client.GetCustomerInfo(ctx, policy)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "purchases:userID"

	// CustomerInfoKey is the context key for the retrieved customer info
	CustomerInfoKey ContextKey = "purchases:customerInfo"
)

// WithCustomerInfo adds customer info to a context
func WithCustomerInfo(ctx context.Context, info *purchases.CustomerInfo) context.Context {
	return context.WithValue(ctx, CustomerInfoKey, info)
}

// CustomerInfoFromContext returns the customer info stored by the middleware
func CustomerInfoFromContext(ctx context.Context) (*purchases.CustomerInfo, bool) {
	info, ok := ctx.Value(CustomerInfoKey).(*purchases.CustomerInfo)
	return info, ok
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
