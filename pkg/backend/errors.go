package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// ErrMissingAPIKey is returned by NewClient when no API key is configured.
var ErrMissingAPIKey = errors.New("backend API key not configured")

// Backend error codes returned in the "code" field of error bodies.
const (
	codeInvalidPlatform              = 7000
	codeStoreProblem                 = 7101
	codeCannotTransferPurchase       = 7102
	codeInvalidReceiptToken          = 7103
	codeInvalidAppStoreSharedSecret  = 7104
	codeInvalidPaymentModeOrIntro    = 7105
	codeProductIDForReceiptMissing   = 7106
	codeInvalidPlayStoreCredentials  = 7107
	codeInternalServerError          = 7110
	codeEmptyAppUserID               = 7220
	codeInvalidAuthToken             = 7224
	codeInvalidAPIKey                = 7225
	codeBadRequest                   = 7226
	codePlayStoreQuotaExceeded       = 7229
	codePlayStoreInvalidPackageName  = 7230
	codePlayStoreGenericError        = 7231
	codeUserIneligibleForPromoOffer  = 7232
	codeInvalidAppleSubscriptionKey  = 7234
	codeInvalidSubscriberAttributes  = 7263
	codeInvalidSubscriberAttrsBody   = 7264
	codeProductIDsMalformed          = 7662
	codeSignatureVerificationFailure = 7780
)

var backendCodes = map[int]purchases.ErrorCode{
	codeInvalidPlatform:              purchases.ConfigurationError,
	codeStoreProblem:                 purchases.StoreProblemError,
	codeCannotTransferPurchase:       purchases.ReceiptAlreadyInUseError,
	codeInvalidReceiptToken:          purchases.InvalidReceiptError,
	codeInvalidAppStoreSharedSecret:  purchases.InvalidCredentialsError,
	codeInvalidPaymentModeOrIntro:    purchases.PurchaseInvalidError,
	codeProductIDForReceiptMissing:   purchases.PurchaseInvalidError,
	codeInvalidPlayStoreCredentials:  purchases.InvalidCredentialsError,
	codeInternalServerError:          purchases.UnexpectedBackendResponseError,
	codeEmptyAppUserID:               purchases.InvalidAppUserIDError,
	codeInvalidAuthToken:             purchases.InvalidCredentialsError,
	codeInvalidAPIKey:                purchases.InvalidCredentialsError,
	codeBadRequest:                   purchases.UnexpectedBackendResponseError,
	codePlayStoreQuotaExceeded:       purchases.StoreProblemError,
	codePlayStoreInvalidPackageName:  purchases.ConfigurationError,
	codePlayStoreGenericError:        purchases.StoreProblemError,
	codeUserIneligibleForPromoOffer:  purchases.IneligibleError,
	codeInvalidAppleSubscriptionKey:  purchases.InvalidCredentialsError,
	codeInvalidSubscriberAttributes:  purchases.InvalidSubscriberAttributesError,
	codeInvalidSubscriberAttrsBody:   purchases.InvalidSubscriberAttributesError,
	codeProductIDsMalformed:          purchases.UnsupportedError,
	codeSignatureVerificationFailure: purchases.SignatureVerificationError,
}

// errorBody is the JSON body of a non-2xx response.
type errorBody struct {
	Code            int                        `json:"code"`
	Message         string                     `json:"message"`
	AttributeErrors *attributeErrorsEnvelope   `json:"attributes_error_response,omitempty"`
	Attributes      []purchases.AttributeError `json:"attribute_errors,omitempty"`
}

type attributeErrorsEnvelope struct {
	AttributeErrors []purchases.AttributeError `json:"attribute_errors"`
}

func (b *errorBody) attributeErrors() []purchases.AttributeError {
	if b.AttributeErrors != nil && len(b.AttributeErrors.AttributeErrors) > 0 {
		return b.AttributeErrors.AttributeErrors
	}
	return b.Attributes
}

// errorCodeFor maps a backend error code to an ErrorCode. Unknown codes map
// to UnknownBackendError.
func errorCodeFor(code int) purchases.ErrorCode {
	if c, ok := backendCodes[code]; ok {
		return c
	}
	return purchases.UnknownBackendError
}

// newHTTPError classifies a non-2xx response. Server errors and unsupported
// requests keep the token for a retry; anything else finishes it.
func newHTTPError(status int, body []byte) *purchases.BackendError {
	var parsed errorBody
	code := purchases.UnknownBackendError
	message := fmt.Sprintf("status %d", status)
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Code != 0 || parsed.Message != "") {
		code = errorCodeFor(parsed.Code)
		if parsed.Message != "" {
			message = parsed.Message
		}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if code == purchases.UnknownBackendError {
			code = purchases.InvalidCredentialsError
		}
	}

	isServerError := status >= http.StatusInternalServerError
	behavior := purchases.ShouldBeMarkedSynced
	if isServerError || code == purchases.UnsupportedError {
		behavior = purchases.ShouldNotConsume
	}

	return &purchases.BackendError{
		Err:             purchases.NewError(code, message),
		IsServerError:   isServerError,
		Behavior:        behavior,
		AttributeErrors: parsed.attributeErrors(),
		StatusCode:      status,
	}
}

// newTransportError classifies a request that never produced a response.
func newTransportError(err error) *purchases.BackendError {
	return &purchases.BackendError{
		Err:      purchases.WrapError(purchases.NetworkError, err),
		Behavior: purchases.ShouldNotConsume,
	}
}

// newDecodeError classifies a 2xx response the client could not parse.
func newDecodeError(status int, err error) *purchases.BackendError {
	return &purchases.BackendError{
		Err:        purchases.WrapError(purchases.UnexpectedBackendResponseError, err),
		Behavior:   purchases.ShouldNotConsume,
		StatusCode: status,
	}
}
