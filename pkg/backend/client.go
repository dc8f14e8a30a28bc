package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

const (
	defaultBaseURL     = "https://api.revenuecat.com/v1"
	defaultHTTPTimeout = 10 * time.Second
	defaultPlatform    = "android"
	sdkVersion         = "1.0.0"
	maxResponseBytes   = 1 << 20
)

// Endpoint labels used for metrics and logs.
const (
	endpointSubscriber = "/subscribers/{id}"
	endpointReceipts   = "/receipts"
	endpointMapping    = "/product_entitlement_mapping"
	endpointIdentify   = "/subscribers/identify"
)

// Client implements purchases.Backend over the REST API. Identical
// concurrent requests share one round trip.
type Client struct {
	baseURL    string
	apiKey     string
	platform   string
	appVersion string
	httpClient *http.Client
	metrics    Metrics
	logger     purchases.Logger
	group      singleflight.Group
}

var _ purchases.Backend = (*Client)(nil)

// NewClient creates a backend client.
func NewClient(config Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	// Allow API key to be provided as a Bearer token and strip the prefix.
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	platform := config.Platform
	if platform == "" {
		platform = defaultPlatform
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	logger := config.Logger
	if logger == nil {
		logger = &purchases.NoopLogger{}
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		platform:   platform,
		appVersion: config.AppVersion,
		httpClient: httpClient,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// GetCustomerInfo fetches the subscriber.
func (c *Client) GetCustomerInfo(ctx context.Context, appUserID string, appInBackground bool) (*purchases.CustomerInfo, error) {
	path := "/subscribers/" + url.PathEscape(appUserID)
	key := fmt.Sprintf("GET %s bg=%t", path, appInBackground)

	v, err := c.coalesce(key, endpointSubscriber, func() (interface{}, error) {
		res, err := c.do(ctx, http.MethodGet, endpointSubscriber, path, nil, appInBackground)
		if err != nil {
			return nil, err
		}
		return res.customerInfo()
	})
	if err != nil {
		return nil, err
	}
	return v.(*purchases.CustomerInfo), nil
}

// PostReceiptData posts a purchase token for validation.
func (c *Client) PostReceiptData(ctx context.Context, req *purchases.PostReceiptRequest) (*purchases.PostReceiptResponse, error) {
	body := newPostReceiptBody(req)
	key := fmt.Sprintf("POST %s %s %s %t %s", endpointReceipts, req.AppUserID, purchases.TokenHash(req.PurchaseToken), req.IsRestore, req.InitiationSource)

	v, err := c.coalesce(key, endpointReceipts, func() (interface{}, error) {
		res, err := c.do(ctx, http.MethodPost, endpointReceipts, endpointReceipts, body, false)
		if err != nil {
			return nil, err
		}
		info, err := res.customerInfo()
		if err != nil {
			return nil, err
		}
		return &purchases.PostReceiptResponse{
			CustomerInfo:    info,
			AttributeErrors: res.attributeErrors(),
			RawBody:         res.body,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*purchases.PostReceiptResponse), nil
}

// GetProductEntitlementMapping fetches the product to entitlement mapping.
func (c *Client) GetProductEntitlementMapping(ctx context.Context) (*purchases.ProductEntitlementMapping, error) {
	v, err := c.coalesce("GET "+endpointMapping, endpointMapping, func() (interface{}, error) {
		res, err := c.do(ctx, http.MethodGet, endpointMapping, endpointMapping, nil, false)
		if err != nil {
			return nil, err
		}
		var mapping purchases.ProductEntitlementMapping
		if err := json.Unmarshal(res.body, &mapping); err != nil {
			return nil, newDecodeError(res.status, fmt.Errorf("failed to parse response: %w", err))
		}
		if mapping.Mappings == nil {
			mapping.Mappings = make(map[string]purchases.ProductMapping)
		}
		return &mapping, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*purchases.ProductEntitlementMapping), nil
}

// LogIn aliases currentAppUserID to newAppUserID. created reports whether
// the backend created a new subscriber.
func (c *Client) LogIn(ctx context.Context, currentAppUserID, newAppUserID string) (*purchases.CustomerInfo, bool, error) {
	body := map[string]string{
		"app_user_id":     currentAppUserID,
		"new_app_user_id": newAppUserID,
	}
	res, err := c.do(ctx, http.MethodPost, endpointIdentify, endpointIdentify, body, false)
	if err != nil {
		return nil, false, err
	}
	info, err := res.customerInfo()
	if err != nil {
		return nil, false, err
	}
	return info, res.status == http.StatusCreated, nil
}

func (c *Client) coalesce(key, endpoint string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, shared := c.group.Do(key, fn)
	if shared {
		c.metrics.RecordCoalescedRequest(endpoint)
	}
	return v, err
}

type response struct {
	status int
	body   []byte
}

func (r *response) customerInfo() (*purchases.CustomerInfo, error) {
	var payload subscriberResponse
	if err := json.Unmarshal(r.body, &payload); err != nil {
		return nil, newDecodeError(r.status, fmt.Errorf("failed to parse response: %w", err))
	}
	info, err := payload.toCustomerInfo()
	if err != nil {
		return nil, newDecodeError(r.status, err)
	}
	return info, nil
}

func (r *response) attributeErrors() []purchases.AttributeError {
	var payload subscriberResponse
	if err := json.Unmarshal(r.body, &payload); err != nil || payload.AttributeErrors == nil {
		return nil
	}
	return payload.AttributeErrors.AttributeErrors
}

// do performs one request. Failures are always *purchases.BackendError.
func (c *Client) do(ctx context.Context, method, endpoint, path string, payload interface{}, appInBackground bool) (*response, error) {
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordAPICall(endpoint, status)
		c.metrics.RecordAPICallDuration(endpoint, time.Since(start))
	}()

	var reader io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &purchases.BackendError{
				Err:      purchases.WrapError(purchases.UnknownError, fmt.Errorf("failed to encode request: %w", err)),
				Behavior: purchases.ShouldNotConsume,
			}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, newTransportError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Platform", c.platform)
	req.Header.Set("X-Version", sdkVersion)
	req.Header.Set("X-Is-Backgrounded", strconv.FormatBool(appInBackground))
	if c.appVersion != "" {
		req.Header.Set("X-Client-Version", c.appVersion)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed",
			purchases.Field{Key: "endpoint", Value: endpoint},
			purchases.Field{Key: "error", Value: err},
		)
		return nil, newTransportError(fmt.Errorf("failed to call %s: %w", endpoint, err))
	}
	defer res.Body.Close()
	status = strconv.Itoa(res.StatusCode)

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, newTransportError(fmt.Errorf("failed to read response: %w", err))
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		backendErr := newHTTPError(res.StatusCode, data)
		c.logger.Debug("backend returned error",
			purchases.Field{Key: "endpoint", Value: endpoint},
			purchases.Field{Key: "status", Value: res.StatusCode},
			purchases.Field{Key: "code", Value: string(backendErr.Err.Code)},
		)
		return nil, backendErr
	}

	return &response{status: res.StatusCode, body: data}, nil
}
