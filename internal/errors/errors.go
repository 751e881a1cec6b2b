package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrConfig              = errors.New("catalog misconfiguration")
	ErrConflict            = errors.New("an upgrade is already pending")
	ErrDuplicate           = errors.New("transition already applied")
	ErrNotFound            = errors.New("not found")
	ErrAmountMismatch      = errors.New("confirmed amount does not match recorded amount")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInsufficientCredits = errors.New("insufficient add-on credits")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConfig              ErrorType = "config"
	ErrorTypeConflict            ErrorType = "conflict"
	ErrorTypeDuplicate           ErrorType = "duplicate"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeAmountMismatch      ErrorType = "amount_mismatch"
	ErrorTypeInvalidRequest      ErrorType = "invalid_request"
	ErrorTypeInsufficientCredits ErrorType = "insufficient_credits"
	ErrorTypeInternal            ErrorType = "internal"
)

var sentinels = map[ErrorType]error{
	ErrorTypeConfig:              ErrConfig,
	ErrorTypeConflict:            ErrConflict,
	ErrorTypeDuplicate:           ErrDuplicate,
	ErrorTypeNotFound:            ErrNotFound,
	ErrorTypeAmountMismatch:      ErrAmountMismatch,
	ErrorTypeInvalidRequest:      ErrInvalidRequest,
	ErrorTypeInsufficientCredits: ErrInsufficientCredits,
}

// BillingError is a structured error for entitlement and payment operations.
type BillingError struct {
	Type ErrorType
	Op   string // Operation that failed (e.g., "create_pending", "apply_payment_result")
	Key  string // Tenant or correlation ID the operation was keyed on
	Err  error  // Underlying error
}

func (e *BillingError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := sentinels[e.Type]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a new BillingError. A nil err is replaced by the sentinel for errorType.
func New(errorType ErrorType, op, key string, err error) *BillingError {
	if err == nil {
		err = sentinels[errorType]
		if err == nil {
			err = errors.New(string(errorType))
		}
	}
	return &BillingError{Type: errorType, Op: op, Key: key, Err: err}
}

// Helper functions

// Config reports a catalog misconfiguration. Never user-facing.
func Config(op string, format string, args ...any) error {
	return New(ErrorTypeConfig, op, "", fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...))
}

// Invalid reports a request rejected synchronously.
func Invalid(op string, format string, args ...any) error {
	return New(ErrorTypeInvalidRequest, op, "", fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...))
}

// Conflict reports a duplicate pending upgrade for a tenant.
func Conflict(op, tenantID string) error {
	return New(ErrorTypeConflict, op, tenantID, ErrConflict)
}

// Duplicate reports a transition that lost to an earlier, different one.
func Duplicate(op, correlationID string, err error) error {
	return New(ErrorTypeDuplicate, op, correlationID, fmt.Errorf("%w: %v", ErrDuplicate, err))
}

// NotFound reports an unknown key.
func NotFound(op, key string) error {
	return New(ErrorTypeNotFound, op, key, ErrNotFound)
}

// AmountMismatch reports a callback whose confirmed amount differs from the recorded one.
func AmountMismatch(op, correlationID, recorded, confirmed string) error {
	return New(ErrorTypeAmountMismatch, op, correlationID,
		fmt.Errorf("%w: recorded %s, confirmed %s", ErrAmountMismatch, recorded, confirmed))
}

// TypeOf returns the ErrorType carried by err, or ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var billingErr *BillingError
	if errors.As(err, &billingErr) {
		return billingErr.Type
	}
	for errorType, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return errorType
		}
	}
	return ErrorTypeInternal
}

// HTTPStatus maps an error to the status code surfaced to API callers.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeInvalidRequest, ErrorTypeInsufficientCredits:
		return http.StatusBadRequest
	case ErrorTypeConflict, ErrorTypeDuplicate:
		return http.StatusConflict
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeAmountMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// IsUserFacing reports whether the error message may be shown to the caller.
// Config and internal errors are logged, never echoed.
func IsUserFacing(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeConfig, ErrorTypeInternal, "":
		return false
	default:
		return true
	}
}
