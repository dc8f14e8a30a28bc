package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

const (
	defaultWebhookMaxBodyBytes = 256 * 1024
	defaultWebhookRateLimit    = 100
	defaultWebhookRateWindow   = time.Minute
)

// Server notification event types with special handling.
const (
	EventTypeTest     = "TEST"
	EventTypeTransfer = "TRANSFER"
)

var errPayloadTooLarge = errors.New("payload too large")

// WebhookConfig configures the server notification receiver.
type WebhookConfig struct {
	// Clients resolves the SDK instance for each affected user (required)
	Clients Clients

	// Secret is the shared authorization value configured for the
	// webhook in the backend dashboard (required)
	Secret string

	// AcceptHMAC also accepts a base64 HMAC-SHA256 of the body, keyed by
	// Secret, in the X-RevenueCat-Signature header.
	AcceptHMAC bool

	// MaxBodyBytes caps the request body (default: 256KB)
	MaxBodyBytes int64

	// RateLimit is the number of requests allowed per client IP in
	// RateLimitWindow (default: 100 per minute)
	RateLimit       int
	RateLimitWindow time.Duration

	// OnEvent is called after the affected users were refreshed.
	OnEvent func(ctx context.Context, event WebhookEvent)

	// Logger is optional
	Logger purchases.Logger
}

// WebhookEvent describes a processed server notification.
type WebhookEvent struct {
	ID             string
	Type           string
	AppUserID      string
	ProductID      string
	EntitlementIDs []string
	EventTimestamp time.Time

	// ExpiresAt is nil for non-expiring products
	ExpiresAt *time.Time

	// Refreshed holds the fetched customer info per affected user
	Refreshed map[string]*purchases.CustomerInfo
}

// WebhookHandler receives backend server notifications and refreshes the
// cached customer info of the users they concern, notifying their listeners.
type WebhookHandler struct {
	config  WebhookConfig
	limiter *rateLimiter
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(config WebhookConfig) (*WebhookHandler, error) {
	if config.Clients == nil {
		return nil, fmt.Errorf("invalid config: clients is required")
	}
	if strings.TrimSpace(config.Secret) == "" {
		return nil, fmt.Errorf("invalid config: secret is required")
	}

	// Set defaults
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultWebhookMaxBodyBytes
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultWebhookRateLimit
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultWebhookRateWindow
	}
	if config.Logger == nil {
		config.Logger = &purchases.NoopLogger{}
	}

	return &WebhookHandler{
		config:  config,
		limiter: newRateLimiter(config.RateLimit, config.RateLimitWindow),
	}, nil
}

type webhookPayload struct {
	APIVersion string `json:"api_version"`
	Event      struct {
		ID                string   `json:"id"`
		Type              string   `json:"type"`
		AppUserID         string   `json:"app_user_id"`
		OriginalAppUserID string   `json:"original_app_user_id"`
		Aliases           []string `json:"aliases"`
		TransferredFrom   []string `json:"transferred_from"`
		TransferredTo     []string `json:"transferred_to"`
		ProductID         string   `json:"product_id"`
		EntitlementID     string   `json:"entitlement_id"`
		EntitlementIDs    []string `json:"entitlement_ids"`
		ExpirationAtMs    int64    `json:"expiration_at_ms"`
		EventTimestampMs  int64    `json:"event_timestamp_ms"`
	} `json:"event"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	if !h.limiter.allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
		return
	}

	body, err := readBody(w, r, h.config.MaxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}

	if !h.verify(credentials(r), body) {
		h.config.Logger.Warn("webhook rejected", purchases.Field{Key: "reason", Value: "unauthorized"})
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid payload"})
		return
	}

	event := newWebhookEvent(&payload)
	if event.Type == EventTypeTest {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	users := affectedUsers(&payload)
	if len(users) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "app_user_id is required"})
		return
	}

	ctx := r.Context()
	event.Refreshed = make(map[string]*purchases.CustomerInfo, len(users))
	for _, userID := range users {
		info, err := h.refresh(ctx, userID)
		if err != nil {
			h.config.Logger.Error("webhook refresh failed",
				purchases.Field{Key: "eventId", Value: event.ID},
				purchases.Field{Key: "appUserId", Value: userID},
				purchases.Field{Key: "error", Value: err.Error()},
			)
			// Non-2xx makes the backend redeliver the event.
			resp := ErrorResponse{Error: err.Error()}
			var pe *purchases.PurchasesError
			if errors.As(err, &pe) {
				resp.Code = string(pe.Code)
			}
			writeJSON(w, StatusFor(err), resp)
			return
		}
		event.Refreshed[userID] = info
	}

	h.config.Logger.Info("webhook processed",
		purchases.Field{Key: "eventId", Value: event.ID},
		purchases.Field{Key: "type", Value: event.Type},
		purchases.Field{Key: "users", Value: len(users)},
	)

	if h.config.OnEvent != nil {
		h.config.OnEvent(ctx, event)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) refresh(ctx context.Context, appUserID string) (*purchases.CustomerInfo, error) {
	client, err := h.config.Clients.ForUser(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	return client.GetCustomerInfo(ctx, purchases.FetchCurrent)
}

func (h *WebhookHandler) verify(tokenOrSig string, body []byte) bool {
	if tokenOrSig == "" {
		return false
	}
	secret := []byte(h.config.Secret)
	if subtle.ConstantTimeCompare([]byte(tokenOrSig), secret) == 1 {
		return true
	}
	if !h.config.AcceptHMAC {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(tokenOrSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

func credentials(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	if auth != "" {
		return auth
	}
	return strings.TrimSpace(r.Header.Get("X-RevenueCat-Signature"))
}

func newWebhookEvent(p *webhookPayload) WebhookEvent {
	event := WebhookEvent{
		ID:             p.Event.ID,
		Type:           strings.ToUpper(strings.TrimSpace(p.Event.Type)),
		AppUserID:      p.Event.AppUserID,
		ProductID:      p.Event.ProductID,
		EntitlementIDs: p.Event.EntitlementIDs,
		EventTimestamp: millisToTime(p.Event.EventTimestampMs),
	}
	if len(event.EntitlementIDs) == 0 && p.Event.EntitlementID != "" {
		event.EntitlementIDs = []string{p.Event.EntitlementID}
	}
	if p.Event.ExpirationAtMs > 0 {
		exp := millisToTime(p.Event.ExpirationAtMs)
		event.ExpiresAt = &exp
	}
	return event
}

// affectedUsers lists the app user ids whose customer info changed. A
// transfer moves purchases, so both sides are refreshed.
func affectedUsers(p *webhookPayload) []string {
	var candidates []string
	if strings.EqualFold(p.Event.Type, EventTypeTransfer) {
		candidates = append(candidates, p.Event.TransferredFrom...)
		candidates = append(candidates, p.Event.TransferredTo...)
	} else {
		candidates = append(candidates, p.Event.AppUserID)
		if p.Event.AppUserID == "" {
			candidates = append(candidates, p.Event.OriginalAppUserID)
		}
	}

	seen := make(map[string]bool, len(candidates))
	users := make([]string, 0, len(candidates))
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if id == "" || len(id) > maxUserIDLen || seen[id] {
			continue
		}
		seen[id] = true
		users = append(users, id)
	}
	return users
}

func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w (max %d bytes)", errPayloadTooLarge, limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
