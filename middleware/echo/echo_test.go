package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gopurchases/pkg/api"
	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

type stubClient struct {
	info *purchases.CustomerInfo
	err  error
}

func (c *stubClient) GetCustomerInfo(context.Context, purchases.CacheFetchPolicy) (*purchases.CustomerInfo, error) {
	return c.info, c.err
}

func (c *stubClient) SyncPurchases(context.Context) (*purchases.CustomerInfo, error) {
	return c.info, c.err
}

func (c *stubClient) RestorePurchases(context.Context) (*purchases.CustomerInfo, error) {
	return c.info, c.err
}

type stubClients map[string]*stubClient

func (s stubClients) ForUser(_ context.Context, userID string) (api.Client, error) {
	if c, ok := s[userID]; ok {
		return c, nil
	}
	return nil, errors.New("no client")
}

func TestRequireEntitlement(t *testing.T) {
	clients := stubClients{
		"pro-user": {info: &purchases.CustomerInfo{Entitlements: map[string]purchases.EntitlementInfo{
			"premium": {Identifier: "premium", IsActive: true},
		}}},
		"free-user": {info: &purchases.CustomerInfo{}},
		"broken":    {err: purchases.NewError(purchases.NetworkError, "timeout")},
	}

	e := echo.New()
	e.GET("/premium", func(c echo.Context) error {
		if _, ok := CustomerInfo(c); !ok {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.String(http.StatusOK, "ok")
	}, RequireEntitlement(Config{
		Clients:     clients,
		GetUserID:   FromHeader("X-User-ID"),
		Entitlement: "premium",
	}))

	tests := map[string]int{
		"pro-user":  http.StatusOK,
		"free-user": http.StatusForbidden,
		"broken":    http.StatusServiceUnavailable,
		"":          http.StatusUnauthorized,
	}
	for userID, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/premium", nil)
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("user %q: expected status %d, got %d", userID, want, rec.Code)
		}
	}
}

func TestRequireEntitlement_OnForbidden(t *testing.T) {
	clients := stubClients{"free-user": {info: &purchases.CustomerInfo{}}}
	e := echo.New()
	e.GET("/premium", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, RequireEntitlement(Config{
		Clients:     clients,
		GetUserID:   FromHeader("X-User-ID"),
		Entitlement: "premium",
		OnForbidden: func(c echo.Context, _ *purchases.CustomerInfo) error {
			return c.JSON(http.StatusPaymentRequired, map[string]string{"paywall": "premium"})
		},
	}))

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("X-User-ID", "free-user")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
}
