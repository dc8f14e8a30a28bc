package backend

import (
	"net/http"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// Config configures the HTTP backend client.
type Config struct {
	// APIKey is the public SDK key. A leading "Bearer " is stripped.
	APIKey string

	// BaseURL defaults to https://api.revenuecat.com/v1.
	BaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Platform is sent as X-Platform (default "android").
	Platform string

	// AppVersion is sent as X-Client-Version when set.
	AppVersion string

	// Metrics is optional. If nil, metrics are silently ignored.
	Metrics Metrics

	// Logger is optional. If nil, nothing is logged.
	Logger purchases.Logger
}
