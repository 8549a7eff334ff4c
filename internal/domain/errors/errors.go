package errors

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable classification returned to callers.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindNotFound               Kind = "not_found"
	KindUnsupportedProvider    Kind = "unsupported_provider"
	KindUnsupportedProductType Kind = "unsupported_product_type"
	KindFlowMismatch           Kind = "flow_mismatch"
	KindRefundWindowExpired    Kind = "refund_window_expired"
	KindExceedsRemainingQty    Kind = "exceeds_remaining_quantity"
	KindAmountExceedsRemaining Kind = "amount_exceeds_remaining"
	KindNotCancelable          Kind = "not_cancelable"
	KindProductUnavailable     Kind = "product_unavailable"
	KindProvider               Kind = "provider_error"
	KindProviderUnavailable    Kind = "provider_unavailable"
	KindConsistency            Kind = "consistency_error"
	KindConflict               Kind = "conflict"
	KindPaymentInProgress      Kind = "payment_in_progress"
	KindCancellationPending    Kind = "cancellation_pending"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindInternal               Kind = "internal"
)

var (
	// Lookup errors
	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrProductNotFound = errors.New("product not found")
	ErrAccountNotFound = errors.New("account not found")

	// Account errors
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidCurrency      = errors.New("invalid currency")
	ErrAccountInactive      = errors.New("account is inactive")
	ErrOptimisticLockFailed = errors.New("optimistic lock conflict")

	// Order and payment lifecycle errors
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrPaymentInProgress      = errors.New("payment already in progress")
	ErrCancellationPending    = errors.New("cancellation pending provider confirmation")
	ErrRefundWindowExpired    = errors.New("refund window expired")
	ErrExceedsRemainingQty    = errors.New("cancel quantity exceeds remaining quantity")
	ErrProductUnavailable     = errors.New("product unavailable")
	ErrFlowMismatch           = errors.New("payment flow mismatch")

	// Dispatch errors
	ErrUnsupportedProvider    = errors.New("unsupported payment provider")
	ErrUnsupportedProductType = errors.New("unsupported product type")

	// Provider errors
	ErrProviderUnavailable    = errors.New("payment provider unavailable")
	ErrProviderTimeout        = errors.New("provider request timeout")
	ErrNotCancelable          = errors.New("payment not cancelable")
	ErrAmountExceedsRemaining = errors.New("cancel amount exceeds remaining amount")
	ErrInvalidSignature       = errors.New("invalid callback signature")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// ProviderError carries a gateway rejection. Code and Message are the
// gateway's own values, kept for diagnosis.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s rejected request: [%s] %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a gateway rejection error.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message}
}

// ConsistencyError reports a mismatch between local state and what the
// provider reports. It is never resolved automatically.
type ConsistencyError struct {
	PaymentID string
	Detail    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("payment %s: state mismatch: %s", e.PaymentID, e.Detail)
}

// NewConsistencyError creates a new consistency error.
func NewConsistencyError(paymentID, detail string) *ConsistencyError {
	return &ConsistencyError{PaymentID: paymentID, Detail: detail}
}

var kindMappings = []struct {
	err  error
	kind Kind
}{
	{ErrOrderNotFound, KindNotFound},
	{ErrPaymentNotFound, KindNotFound},
	{ErrProductNotFound, KindNotFound},
	{ErrAccountNotFound, KindNotFound},
	{ErrUnsupportedProvider, KindUnsupportedProvider},
	{ErrUnsupportedProductType, KindUnsupportedProductType},
	{ErrFlowMismatch, KindFlowMismatch},
	{ErrRefundWindowExpired, KindRefundWindowExpired},
	{ErrExceedsRemainingQty, KindExceedsRemainingQty},
	{ErrAmountExceedsRemaining, KindAmountExceedsRemaining},
	{ErrNotCancelable, KindNotCancelable},
	{ErrProductUnavailable, KindProductUnavailable},
	{ErrProviderUnavailable, KindProviderUnavailable},
	{ErrProviderTimeout, KindProviderUnavailable},
	{ErrOptimisticLockFailed, KindConflict},
	{ErrLockAcquisitionFailed, KindConflict},
	{ErrDuplicateIdempotencyKey, KindConflict},
	{ErrPaymentInProgress, KindPaymentInProgress},
	{ErrCancellationPending, KindCancellationPending},
	{ErrInvalidStateTransition, KindInvalidStateTransition},
	{ErrInvalidSignature, KindValidation},
	{ErrValidationFailed, KindValidation},
	{ErrInvalidInput, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidCurrency, KindValidation},
}

// KindOf classifies err. Sentinels are matched before ProviderError, so a
// ProviderError wrapping ErrNotCancelable reports not_cancelable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var consistency *ConsistencyError
	if errors.As(err, &consistency) {
		return KindConsistency
	}
	for _, m := range kindMappings {
		if errors.Is(err, m.err) {
			return m.kind
		}
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return KindProvider
	}
	return KindInternal
}
