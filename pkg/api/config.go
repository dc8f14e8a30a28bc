package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// Config holds configuration for the purchases API handler
type Config struct {
	// Clients resolves the SDK instance serving a user (required)
	Clients Clients

	// GetUserID extracts the app user id from the request (required)
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, retrieval, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional
	Logger purchases.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Clients == nil {
		return fmt.Errorf("clients is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new purchases API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &purchases.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
