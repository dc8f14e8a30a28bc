package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// customerInfoSchemaVersion is stamped on every parsed CustomerInfo.
const customerInfoSchemaVersion = 3

// subscriberResponse is the body of GET /subscribers/{id}, POST /receipts
// and POST /subscribers/identify.
type subscriberResponse struct {
	RequestDate string     `json:"request_date"`
	Subscriber  subscriber `json:"subscriber"`

	AttributeErrors *attributeErrorsEnvelope `json:"attributes_error_response,omitempty"`
}

type subscriber struct {
	OriginalAppUserID string                                 `json:"original_app_user_id"`
	FirstSeen         string                                 `json:"first_seen"`
	ManagementURL     *string                                `json:"management_url"`
	Entitlements      map[string]subscriberEntitlement       `json:"entitlements"`
	Subscriptions     map[string]subscriberSubscription      `json:"subscriptions"`
	NonSubscriptions  map[string][]subscriberNonSubscription `json:"non_subscriptions"`
}

type subscriberEntitlement struct {
	ExpiresDate       *string `json:"expires_date"`
	ProductIdentifier string  `json:"product_identifier"`
	PurchaseDate      *string `json:"purchase_date"`
}

type subscriberSubscription struct {
	ExpiresDate             *string `json:"expires_date"`
	PurchaseDate            *string `json:"purchase_date"`
	OriginalPurchaseDate    *string `json:"original_purchase_date"`
	PeriodType              string  `json:"period_type"`
	Store                   string  `json:"store"`
	IsSandbox               bool    `json:"is_sandbox"`
	UnsubscribeDetectedAt   *string `json:"unsubscribe_detected_at"`
	BillingIssuesDetectedAt *string `json:"billing_issues_detected_at"`
}

type subscriberNonSubscription struct {
	ID           string `json:"id"`
	PurchaseDate string `json:"purchase_date"`
	Store        string `json:"store"`
	IsSandbox    bool   `json:"is_sandbox"`
}

// toCustomerInfo converts the wire model. Entitlements are active while
// their expiration lies after the request date.
func (r *subscriberResponse) toCustomerInfo() (*purchases.CustomerInfo, error) {
	requestDate, err := parseTime(r.RequestDate)
	if err != nil {
		return nil, fmt.Errorf("invalid request_date: %w", err)
	}
	s := r.Subscriber
	if strings.TrimSpace(s.OriginalAppUserID) == "" {
		return nil, fmt.Errorf("missing original_app_user_id")
	}

	info := &purchases.CustomerInfo{
		OriginalAppUserID:  s.OriginalAppUserID,
		Entitlements:       make(map[string]purchases.EntitlementInfo, len(s.Entitlements)),
		AllExpirationDates: make(map[string]*time.Time),
		AllPurchaseDates:   make(map[string]time.Time),
		RequestDate:        requestDate,
		Verification:       purchases.VerificationNotRequested,
		SchemaVersion:      customerInfoSchemaVersion,
	}
	if firstSeen, err := parseTime(s.FirstSeen); err == nil {
		info.FirstSeen = firstSeen
	}
	if s.ManagementURL != nil {
		info.ManagementURL = *s.ManagementURL
	}

	for productID, sub := range s.Subscriptions {
		info.AllExpirationDates[productID] = parseOptionalTime(sub.ExpiresDate)
		if purchased := parseOptionalTime(sub.PurchaseDate); purchased != nil {
			info.AllPurchaseDates[productID] = *purchased
		}
	}
	for productID, items := range s.NonSubscriptions {
		// The latest purchase wins.
		for _, item := range items {
			purchased, err := parseTime(item.PurchaseDate)
			if err != nil {
				continue
			}
			if prev, ok := info.AllPurchaseDates[productID]; !ok || purchased.After(prev) {
				info.AllPurchaseDates[productID] = purchased
			}
		}
	}

	for id, ent := range s.Entitlements {
		info.Entitlements[id] = entitlementInfo(id, ent, s, requestDate)
	}
	return info, nil
}

func entitlementInfo(id string, ent subscriberEntitlement, s subscriber, requestDate time.Time) purchases.EntitlementInfo {
	productID := strings.TrimSpace(ent.ProductIdentifier)
	info := purchases.EntitlementInfo{
		Identifier:        id,
		ProductIdentifier: productID,
		ExpirationDate:    parseOptionalTime(ent.ExpiresDate),
		PeriodType:        purchases.PeriodNormal,
		Store:             purchases.StoreUnknownStore,
		Verification:      purchases.VerificationNotRequested,
	}
	if purchased := parseOptionalTime(ent.PurchaseDate); purchased != nil {
		info.LatestPurchaseDate = *purchased
		info.OriginalPurchaseDate = *purchased
	}
	info.IsActive = info.ExpirationDate == nil || info.ExpirationDate.After(requestDate)

	if sub, ok := s.Subscriptions[productID]; ok {
		info.Store = parseStore(sub.Store)
		info.PeriodType = parsePeriodType(sub.PeriodType)
		info.IsSandbox = sub.IsSandbox
		if original := parseOptionalTime(sub.OriginalPurchaseDate); original != nil {
			info.OriginalPurchaseDate = *original
		}
		info.WillRenew = info.ExpirationDate != nil &&
			info.Store != purchases.StorePromotional &&
			sub.UnsubscribeDetectedAt == nil &&
			sub.BillingIssuesDetectedAt == nil
		return info
	}
	if items := s.NonSubscriptions[productID]; len(items) > 0 {
		last := items[len(items)-1]
		info.Store = parseStore(last.Store)
		info.IsSandbox = last.IsSandbox
	}
	return info
}

func parseStore(value string) purchases.Store {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "play_store":
		return purchases.StorePlayStore
	case "amazon":
		return purchases.StoreAmazon
	case "stripe":
		return purchases.StoreStripe
	case "promotional":
		return purchases.StorePromotional
	default:
		return purchases.StoreUnknownStore
	}
}

func parsePeriodType(value string) purchases.PeriodType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "intro":
		return purchases.PeriodIntro
	case "trial":
		return purchases.PeriodTrial
	default:
		return purchases.PeriodNormal
	}
}

func parseOptionalTime(value *string) *time.Time {
	if value == nil {
		return nil
	}
	t, err := parseTime(*value)
	if err != nil {
		return nil
	}
	return &t
}

// parseTime parses a backend timestamp string.
func parseTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}
