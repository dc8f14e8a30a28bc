package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for customer info and purchase sync
type Handler struct {
	config Config
}

// Routes returns a mux serving the handler's endpoints:
//
//	GET  /customer-info?policy=CACHED_OR_FETCHED
//	POST /sync
//	POST /restore
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /customer-info", h.GetCustomerInfo)
	mux.HandleFunc("POST /sync", h.SyncPurchases)
	mux.HandleFunc("POST /restore", h.RestorePurchases)
	return mux
}

// GetCustomerInfo returns the user's customer info using the policy from
// the "policy" query parameter.
func (h *Handler) GetCustomerInfo(w http.ResponseWriter, r *http.Request) {
	policy, err := purchases.ParseCacheFetchPolicy(r.URL.Query().Get("policy"))
	if err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %q", err, r.URL.Query().Get("policy")), http.StatusBadRequest)
		return
	}

	client, ok := h.client(w, r)
	if !ok {
		return
	}
	info, err := client.GetCustomerInfo(r.Context(), policy)
	h.respond(w, r, info, err)
}

// SyncPurchases re-posts the user's purchase history.
func (h *Handler) SyncPurchases(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	info, err := client.SyncPurchases(r.Context())
	h.respond(w, r, info, err)
}

// RestorePurchases re-posts the user's purchase history as a restore.
func (h *Handler) RestorePurchases(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	info, err := client.RestorePurchases(r.Context())
	h.respond(w, r, info, err)
}

func (h *Handler) client(w http.ResponseWriter, r *http.Request) (Client, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return nil, false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return nil, false
	}

	client, err := h.config.Clients.ForUser(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err, StatusFor(err))
		return nil, false
	}
	return client, true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, info *purchases.CustomerInfo, err error) {
	if err != nil {
		h.config.Logger.Warn("purchases request failed",
			purchases.Field{Key: "path", Value: r.URL.Path},
			purchases.Field{Key: "error", Value: err.Error()},
		)
		h.handleError(w, r, err, StatusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(NewCustomerInfoResponse(info)); err != nil {
		// Response already started
		return
	}
}

// NewCustomerInfoResponse converts info to its JSON view.
func NewCustomerInfoResponse(info *purchases.CustomerInfo) CustomerInfoResponse {
	active := make([]string, 0)
	for id := range info.ActiveEntitlements() {
		active = append(active, id)
	}
	sort.Strings(active)

	subs := info.ActiveSubscriptions()
	if subs == nil {
		subs = []string{}
	}
	sort.Strings(subs)

	entitlements := info.Entitlements
	if entitlements == nil {
		entitlements = map[string]purchases.EntitlementInfo{}
	}

	return CustomerInfoResponse{
		AppUserID:           info.OriginalAppUserID,
		ActiveEntitlements:  active,
		ActiveSubscriptions: subs,
		Entitlements:        entitlements,
		ManagementURL:       info.ManagementURL,
		RequestDate:         info.RequestDate,
		Verification:        info.Verification,
	}
}

// StatusFor maps an SDK error to an HTTP status code.
func StatusFor(err error) int {
	var pe *purchases.PurchasesError
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Code {
	case purchases.InvalidAppUserIDError, purchases.PurchaseInvalidError:
		return http.StatusBadRequest
	case purchases.CustomerInfoError:
		return http.StatusNotFound
	case purchases.OperationAlreadyInProgressError:
		return http.StatusConflict
	case purchases.ReceiptAlreadyInUseError, purchases.InvalidReceiptError:
		return http.StatusUnprocessableEntity
	case purchases.NetworkError, purchases.StoreProblemError, purchases.UnknownBackendError,
		purchases.UnexpectedBackendResponseError, purchases.InvalidCredentialsError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var pe *purchases.PurchasesError
	if errors.As(err, &pe) {
		resp.Code = string(pe.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		_ = encodeErr
	}
}
