package backend

import (
	"encoding/json"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// postReceiptBody is the JSON body of POST /receipts.
type postReceiptBody struct {
	FetchToken          string                    `json:"fetch_token"`
	AppUserID           string                    `json:"app_user_id"`
	ProductIDs          []string                  `json:"product_ids,omitempty"`
	IsRestore           bool                      `json:"is_restore"`
	ObserverMode        bool                      `json:"observer_mode"`
	InitiationSource    string                    `json:"initiation_source,omitempty"`
	PresentedOfferingID string                    `json:"presented_offering_identifier,omitempty"`
	SubscriptionOption  string                    `json:"subscription_option,omitempty"`
	Price               json.Number               `json:"price,omitempty"`
	Currency            string                    `json:"currency,omitempty"`
	NormalDuration      string                    `json:"normal_duration,omitempty"`
	IntroDuration       string                    `json:"intro_duration,omitempty"`
	TrialDuration       string                    `json:"trial_duration,omitempty"`
	PurchaseTimeMillis  int64                     `json:"purchase_time,omitempty"`
	StoreUserID         string                    `json:"store_user_id,omitempty"`
	Marketplace         string                    `json:"marketplace,omitempty"`
	Attributes          map[string]attributeValue `json:"attributes,omitempty"`
}

type attributeValue struct {
	Value       *string `json:"value"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
}

func newPostReceiptBody(req *purchases.PostReceiptRequest) *postReceiptBody {
	body := &postReceiptBody{
		FetchToken:       req.PurchaseToken,
		AppUserID:        req.AppUserID,
		IsRestore:        req.IsRestore,
		ObserverMode:     req.ObserverMode,
		InitiationSource: string(req.InitiationSource),
		StoreUserID:      req.StoreUserID,
		Marketplace:      req.Marketplace,
	}
	if info := req.ReceiptInfo; info != nil {
		body.ProductIDs = info.ProductIDs
		body.PresentedOfferingID = info.PresentedOfferingID
		body.SubscriptionOption = info.SubscriptionOptionID
		if info.Price != nil {
			body.Price = json.Number(info.Price.String())
			body.Currency = info.Currency
		}
		body.NormalDuration = info.Duration
		body.IntroDuration = info.IntroDuration
		body.TrialDuration = info.TrialDuration
		if info.PurchaseTime != nil {
			body.PurchaseTimeMillis = info.PurchaseTime.UnixMilli()
		}
	}
	if len(req.Attributes) > 0 {
		body.Attributes = make(map[string]attributeValue, len(req.Attributes))
		for key, attr := range req.Attributes {
			body.Attributes[key] = attributeValue{Value: attr.Value, UpdatedAtMs: attr.UpdatedAt.UnixMilli()}
		}
	}
	return body
}
