package purchases

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned by KeyValueStore implementations for missing keys
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidCacheFetchPolicy is returned for unknown policy names
	ErrInvalidCacheFetchPolicy = errors.New("invalid cache fetch policy")

	// ErrStorageUnavailable is returned when no key-value store is configured
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrorCode is the stable classification of a PurchasesError.
type ErrorCode string

const (
	UnknownError                          ErrorCode = "UNKNOWN_ERROR"
	PurchaseCancelledError                ErrorCode = "PURCHASE_CANCELLED"
	StoreProblemError                     ErrorCode = "STORE_PROBLEM"
	PurchaseNotAllowedError               ErrorCode = "PURCHASE_NOT_ALLOWED"
	PurchaseInvalidError                  ErrorCode = "PURCHASE_INVALID"
	ProductNotAvailableForPurchaseError   ErrorCode = "PRODUCT_NOT_AVAILABLE_FOR_PURCHASE"
	ProductAlreadyPurchasedError          ErrorCode = "PRODUCT_ALREADY_PURCHASED"
	ReceiptAlreadyInUseError              ErrorCode = "RECEIPT_ALREADY_IN_USE"
	InvalidReceiptError                   ErrorCode = "INVALID_RECEIPT"
	MissingReceiptFileError               ErrorCode = "MISSING_RECEIPT_FILE"
	NetworkError                          ErrorCode = "NETWORK_ERROR"
	InvalidCredentialsError               ErrorCode = "INVALID_CREDENTIALS"
	UnexpectedBackendResponseError        ErrorCode = "UNEXPECTED_BACKEND_RESPONSE"
	InvalidAppUserIDError                 ErrorCode = "INVALID_APP_USER_ID"
	OperationAlreadyInProgressError       ErrorCode = "OPERATION_ALREADY_IN_PROGRESS"
	UnknownBackendError                   ErrorCode = "UNKNOWN_BACKEND_ERROR"
	InvalidSubscriberAttributesError      ErrorCode = "INVALID_SUBSCRIBER_ATTRIBUTES"
	IneligibleError                       ErrorCode = "INELIGIBLE"
	InsufficientPermissionsError          ErrorCode = "INSUFFICIENT_PERMISSIONS"
	PaymentPendingError                   ErrorCode = "PAYMENT_PENDING"
	ConfigurationError                    ErrorCode = "CONFIGURATION_ERROR"
	UnsupportedError                      ErrorCode = "UNSUPPORTED"
	CustomerInfoError                     ErrorCode = "CUSTOMER_INFO_ERROR"
	SignatureVerificationError            ErrorCode = "SIGNATURE_VERIFICATION_FAILED"
	ProductEntitlementMappingUnavailable  ErrorCode = "PRODUCT_ENTITLEMENT_MAPPING_UNAVAILABLE"
	OfflineEntitlementsUnsupportedProduct ErrorCode = "OFFLINE_ENTITLEMENTS_UNSUPPORTED_PRODUCT"
	LogOutWithAnonymousUserError          ErrorCode = "LOGOUT_CALLED_WITH_ANONYMOUS_USER"
)

var defaultMessages = map[ErrorCode]string{
	UnknownError:                          "Unknown error.",
	PurchaseCancelledError:                "Purchase was cancelled.",
	StoreProblemError:                     "There was a problem with the store.",
	PurchaseNotAllowedError:               "The device or user is not allowed to make the purchase.",
	PurchaseInvalidError:                  "One or more of the arguments provided are invalid.",
	ProductNotAvailableForPurchaseError:   "The product is not available for purchase.",
	ProductAlreadyPurchasedError:          "This product is already active for the user.",
	ReceiptAlreadyInUseError:              "The receipt is already in use by another subscriber.",
	InvalidReceiptError:                   "The receipt is not valid.",
	MissingReceiptFileError:               "The receipt is missing.",
	NetworkError:                          "Error performing request.",
	InvalidCredentialsError:               "There was a credentials issue. Check the underlying error for more details.",
	UnexpectedBackendResponseError:        "Received unexpected response from the backend.",
	InvalidAppUserIDError:                 "The app user id is not valid.",
	OperationAlreadyInProgressError:       "The operation is already in progress.",
	UnknownBackendError:                   "There was an unknown backend error.",
	InvalidSubscriberAttributesError:      "One or more of the attributes sent could not be saved.",
	IneligibleError:                       "The User is ineligible for that action.",
	InsufficientPermissionsError:          "App does not have sufficient permissions to make purchases.",
	PaymentPendingError:                   "The payment is pending.",
	ConfigurationError:                    "There is an issue with your configuration.",
	UnsupportedError:                      "There was a problem with the operation. Looks like we doesn't support that yet.",
	CustomerInfoError:                     "There was a problem related to the customer info.",
	SignatureVerificationError:            "Request failed signature verification.",
	ProductEntitlementMappingUnavailable:  "No product entitlement mapping available.",
	OfflineEntitlementsUnsupportedProduct: "Offline entitlements are not supported for this product.",
	LogOutWithAnonymousUserError:          "Called logOut but the current user is anonymous.",
}

// PurchasesError is the only error type surfaced to SDK callers.
type PurchasesError struct {
	Code              ErrorCode
	Message           string
	UnderlyingMessage string
	Err               error
}

// NewError builds a PurchasesError with the default message for code.
func NewError(code ErrorCode, underlying string) *PurchasesError {
	return &PurchasesError{Code: code, Message: defaultMessages[code], UnderlyingMessage: underlying}
}

// WrapError builds a PurchasesError that wraps err.
func WrapError(code ErrorCode, err error) *PurchasesError {
	pe := NewError(code, "")
	if err != nil {
		pe.UnderlyingMessage = err.Error()
		pe.Err = err
	}
	return pe
}

func (e *PurchasesError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessages[e.Code]
	}
	if e.UnderlyingMessage != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, msg, e.UnderlyingMessage)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *PurchasesError) Unwrap() error { return e.Err }

// Is matches any PurchasesError with the same code, so the Err* sentinels
// below work with errors.Is.
func (e *PurchasesError) Is(target error) bool {
	var pe *PurchasesError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Code == e.Code
}

// Code sentinels for errors.Is.
var (
	ErrPaymentPending             = &PurchasesError{Code: PaymentPendingError}
	ErrOperationAlreadyInProgress = &PurchasesError{Code: OperationAlreadyInProgressError}
	ErrCustomerInfo               = &PurchasesError{Code: CustomerInfoError}
	ErrNetwork                    = &PurchasesError{Code: NetworkError}
	ErrStoreProblem               = &PurchasesError{Code: StoreProblemError}
	ErrInvalidCredentials         = &PurchasesError{Code: InvalidCredentialsError}
	ErrUnsupported                = &PurchasesError{Code: UnsupportedError}
	ErrInvalidAppUserID           = &PurchasesError{Code: InvalidAppUserIDError}
	ErrConfiguration              = &PurchasesError{Code: ConfigurationError}
	ErrLogOutWithAnonymousUser    = &PurchasesError{Code: LogOutWithAnonymousUserError}
)

// PostReceiptErrorBehavior tells the posting pipeline what to do with a
// token whose post failed.
type PostReceiptErrorBehavior int

const (
	// ShouldNotConsume leaves the token for a later retry.
	ShouldNotConsume PostReceiptErrorBehavior = iota
	// ShouldBeMarkedSynced finishes the token despite the failure.
	ShouldBeMarkedSynced
)

// BackendError is the classified failure returned by Backend implementations.
type BackendError struct {
	Err             *PurchasesError
	IsServerError   bool
	Behavior        PostReceiptErrorBehavior
	AttributeErrors []AttributeError
	StatusCode      int
}

func (e *BackendError) Error() string {
	return e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

// ShouldConsume reports whether the token must be finished anyway.
func (e *BackendError) ShouldConsume() bool {
	return e.Behavior == ShouldBeMarkedSynced
}

// classifiedError is the pipeline view of any error returned by a collaborator.
type classifiedError struct {
	err             *PurchasesError
	isServerError   bool
	shouldConsume   bool
	attributeErrors []AttributeError
}

func classify(err error) classifiedError {
	var be *BackendError
	if errors.As(err, &be) && be.Err != nil {
		return classifiedError{
			err:             be.Err,
			isServerError:   be.IsServerError,
			shouldConsume:   be.ShouldConsume(),
			attributeErrors: be.AttributeErrors,
		}
	}
	return classifiedError{err: toPurchasesError(err)}
}

// toPurchasesError converts any error into a PurchasesError without losing
// an existing classification.
func toPurchasesError(err error) *PurchasesError {
	if err == nil {
		return nil
	}
	var pe *PurchasesError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WrapError(NetworkError, err)
	}
	return WrapError(UnknownError, err)
}
