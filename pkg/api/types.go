package api

import (
	"time"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// CustomerInfoResponse is the JSON view of a customer's purchases
type CustomerInfoResponse struct {
	AppUserID           string                               `json:"app_user_id"`
	ActiveEntitlements  []string                             `json:"active_entitlements"`
	ActiveSubscriptions []string                             `json:"active_subscriptions"`
	Entitlements        map[string]purchases.EntitlementInfo `json:"entitlements"`
	ManagementURL       string                               `json:"management_url,omitempty"`
	RequestDate         time.Time                            `json:"request_date"`
	Verification        purchases.VerificationResult         `json:"verification"`
}

// ErrorResponse is returned for failed requests
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
