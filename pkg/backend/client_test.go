package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

const subscriberJSON = `{
  "request_date": "2024-03-10T12:00:00Z",
  "subscriber": {
    "original_app_user_id": "user-1",
    "first_seen": "2024-01-01T00:00:00Z",
    "management_url": "https://play.google.com/store/account/subscriptions",
    "entitlements": {
      "pro": {"expires_date": "2024-04-01T09:00:00Z", "product_identifier": "monthly", "purchase_date": "2024-03-01T09:00:00Z"},
      "legacy": {"expires_date": "2024-02-01T09:00:00Z", "product_identifier": "old_monthly", "purchase_date": "2024-01-01T09:00:00Z"},
      "lifetime": {"expires_date": null, "product_identifier": "forever", "purchase_date": "2024-02-01T09:00:00Z"}
    },
    "subscriptions": {
      "monthly": {
        "expires_date": "2024-04-01T09:00:00Z",
        "purchase_date": "2024-03-01T09:00:00Z",
        "original_purchase_date": "2024-01-01T09:00:00Z",
        "period_type": "trial",
        "store": "play_store",
        "is_sandbox": true,
        "unsubscribe_detected_at": null,
        "billing_issues_detected_at": null
      },
      "old_monthly": {
        "expires_date": "2024-02-01T09:00:00Z",
        "purchase_date": "2024-01-01T09:00:00Z",
        "period_type": "normal",
        "store": "play_store",
        "unsubscribe_detected_at": "2024-01-15T00:00:00Z"
      }
    },
    "non_subscriptions": {
      "forever": [{"id": "a", "purchase_date": "2024-02-01T09:00:00Z", "store": "stripe"}]
    }
  }
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		APIKey:     "Bearer goog_test",
		BaseURL:    server.URL + "/v1/",
		AppVersion: "2.3.4",
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{APIKey: "  "})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	client, err := NewClient(Config{APIKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL, client.baseURL)
	assert.Equal(t, defaultHTTPTimeout, client.httpClient.Timeout)
}

func TestClient_GetCustomerInfo(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/subscribers/user%201", r.URL.EscapedPath())
		assert.Equal(t, "Bearer goog_test", r.Header.Get("Authorization"))
		assert.Equal(t, "android", r.Header.Get("X-Platform"))
		assert.Equal(t, "2.3.4", r.Header.Get("X-Client-Version"))
		assert.Equal(t, "true", r.Header.Get("X-Is-Backgrounded"))
		_, _ = io.WriteString(w, subscriberJSON)
	})

	info, err := client.GetCustomerInfo(context.Background(), "user 1", true)
	require.NoError(t, err)

	assert.Equal(t, "user-1", info.OriginalAppUserID)
	assert.Equal(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), info.RequestDate)
	assert.Equal(t, purchases.VerificationNotRequested, info.Verification)

	pro := info.Entitlements["pro"]
	assert.True(t, pro.IsActive)
	assert.True(t, pro.WillRenew)
	assert.True(t, pro.IsSandbox)
	assert.Equal(t, purchases.PeriodTrial, pro.PeriodType)
	assert.Equal(t, purchases.StorePlayStore, pro.Store)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), pro.OriginalPurchaseDate)

	legacy := info.Entitlements["legacy"]
	assert.False(t, legacy.IsActive)
	assert.False(t, legacy.WillRenew)

	lifetime := info.Entitlements["lifetime"]
	assert.True(t, lifetime.IsActive)
	assert.Nil(t, lifetime.ExpirationDate)
	assert.Equal(t, purchases.StoreStripe, lifetime.Store)

	assert.ElementsMatch(t, []string{"monthly"}, info.ActiveSubscriptions())
	assert.Contains(t, info.AllPurchaseDates, "forever")
}

func TestClient_CoalescesIdenticalGets(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_, _ = io.WriteString(w, subscriberJSON)
	})

	var wg sync.WaitGroup
	results := make([]*purchases.CustomerInfo, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := client.GetCustomerInfo(context.Background(), "user-1", false)
			assert.NoError(t, err)
			results[i] = info
		}(i)
	}

	// Give every goroutine time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, info := range results {
		assert.Same(t, results[0], info)
	}
}

func TestClient_PostReceiptData(t *testing.T) {
	var got map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/receipts", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		resp := map[string]interface{}{}
		assert.NoError(t, json.Unmarshal([]byte(subscriberJSON), &resp))
		resp["attributes_error_response"] = map[string]interface{}{
			"attribute_errors": []map[string]string{{"key_name": "$email", "message": "invalid"}},
		}
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	price := decimal.RequireFromString("4.99")
	purchaseTime := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	email := "a@b"
	res, err := client.PostReceiptData(context.Background(), &purchases.PostReceiptRequest{
		PurchaseToken: "token-1",
		AppUserID:     "user-1",
		IsRestore:     true,
		ReceiptInfo: &purchases.ReceiptInfo{
			ProductIDs:          []string{"monthly"},
			PresentedOfferingID: "default",
			Price:               &price,
			Currency:            "USD",
			Duration:            "P1M",
			PurchaseTime:        &purchaseTime,
		},
		Attributes: map[string]purchases.SubscriberAttribute{
			"$email": {Key: "$email", Value: &email, UpdatedAt: purchaseTime},
		},
		InitiationSource: purchases.SourceRestore,
	})
	require.NoError(t, err)

	assert.Equal(t, "token-1", got["fetch_token"])
	assert.Equal(t, true, got["is_restore"])
	assert.Equal(t, "restore", got["initiation_source"])
	assert.Equal(t, "default", got["presented_offering_identifier"])
	assert.Equal(t, 4.99, got["price"])
	assert.Equal(t, "P1M", got["normal_duration"])
	assert.Equal(t, float64(purchaseTime.UnixMilli()), got["purchase_time"])
	assert.Contains(t, got["attributes"], "$email")

	assert.True(t, res.CustomerInfo.HasActiveEntitlement("pro"))
	assert.Equal(t, []purchases.AttributeError{{KeyName: "$email", Message: "invalid"}}, res.AttributeErrors)
	assert.NotEmpty(t, res.RawBody)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      purchases.ErrorCode
		wantServer    bool
		wantBehavior  purchases.PostReceiptErrorBehavior
		wantAttrCount int
	}{
		{
			name:         "server error is retried",
			status:       http.StatusInternalServerError,
			body:         `{"code": 7110, "message": "boom"}`,
			wantCode:     purchases.UnexpectedBackendResponseError,
			wantServer:   true,
			wantBehavior: purchases.ShouldNotConsume,
		},
		{
			name:         "invalid receipt finishes the token",
			status:       http.StatusBadRequest,
			body:         `{"code": 7103, "message": "bad token"}`,
			wantCode:     purchases.InvalidReceiptError,
			wantBehavior: purchases.ShouldBeMarkedSynced,
		},
		{
			name:         "unsupported product is retried",
			status:       http.StatusBadRequest,
			body:         `{"code": 7662, "message": "malformed"}`,
			wantCode:     purchases.UnsupportedError,
			wantBehavior: purchases.ShouldNotConsume,
		},
		{
			name:         "unauthorized without body",
			status:       http.StatusUnauthorized,
			body:         ``,
			wantCode:     purchases.InvalidCredentialsError,
			wantBehavior: purchases.ShouldBeMarkedSynced,
		},
		{
			name:          "attribute errors are carried",
			status:        http.StatusBadRequest,
			body:          `{"code": 7263, "message": "attrs", "attributes_error_response": {"attribute_errors": [{"key_name": "$email", "message": "bad"}]}}`,
			wantCode:      purchases.InvalidSubscriberAttributesError,
			wantBehavior:  purchases.ShouldBeMarkedSynced,
			wantAttrCount: 1,
		},
		{
			name:         "unknown code",
			status:       http.StatusConflict,
			body:         `{"code": 1, "message": "?"}`,
			wantCode:     purchases.UnknownBackendError,
			wantBehavior: purchases.ShouldBeMarkedSynced,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := client.PostReceiptData(context.Background(), &purchases.PostReceiptRequest{
				PurchaseToken: "token-1",
				AppUserID:     "user-1",
			})
			var be *purchases.BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.wantCode, be.Err.Code)
			assert.Equal(t, tt.wantServer, be.IsServerError)
			assert.Equal(t, tt.wantBehavior, be.Behavior)
			assert.Equal(t, tt.status, be.StatusCode)
			assert.Len(t, be.AttributeErrors, tt.wantAttrCount)
		})
	}
}

func TestClient_TransportAndDecodeErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{not json`)
	})
	_, err := client.GetCustomerInfo(context.Background(), "user-1", false)
	var be *purchases.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, purchases.UnexpectedBackendResponseError, be.Err.Code)
	assert.False(t, be.IsServerError)

	down, err := NewClient(Config{APIKey: "key", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = down.GetCustomerInfo(context.Background(), "user-1", false)
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, purchases.ErrNetwork)
	assert.Equal(t, purchases.ShouldNotConsume, be.Behavior)
}

func TestClient_GetProductEntitlementMapping(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/product_entitlement_mapping", r.URL.Path)
		_, _ = io.WriteString(w, `{"product_entitlement_mapping": {
			"monthly:base": {"product_identifier": "monthly", "base_plan_id": "base", "entitlements": ["pro"]}
		}}`)
	})

	mapping, err := client.GetProductEntitlementMapping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"pro"}, mapping.EntitlementsFor("monthly"))
}

func TestClient_LogIn(t *testing.T) {
	status := http.StatusCreated
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscribers/identify", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "$RCAnonymousID:abc", body["app_user_id"])
		assert.Equal(t, "user-1", body["new_app_user_id"])
		w.WriteHeader(status)
		_, _ = io.WriteString(w, subscriberJSON)
	})

	info, created, err := client.LogIn(context.Background(), "$RCAnonymousID:abc", "user-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "user-1", info.OriginalAppUserID)

	status = http.StatusOK
	_, created, err = client.LogIn(context.Background(), "$RCAnonymousID:abc", "user-1")
	require.NoError(t, err)
	assert.False(t, created)
}

type recordingMetrics struct {
	mu        sync.Mutex
	calls     []string
	coalesced int
}

func (m *recordingMetrics) RecordAPICall(endpoint, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, endpoint+" "+status)
}

func (m *recordingMetrics) RecordAPICallDuration(string, time.Duration) {}

func (m *recordingMetrics) RecordCoalescedRequest(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coalesced++
}

func TestClient_RecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	metrics := &recordingMetrics{}
	client, err := NewClient(Config{APIKey: "key", BaseURL: server.URL, Metrics: metrics})
	require.NoError(t, err)

	_, err = client.GetProductEntitlementMapping(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"/product_entitlement_mapping 503"}, metrics.calls)
}
