package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *DomainError
		expected string
	}{
		{
			name: "with wrapped error",
			err: &DomainError{
				Code:    "payment_failed",
				Message: "payment processing failed",
				Err:     errors.New("provider timeout"),
			},
			expected: "payment processing failed: provider timeout",
		},
		{
			name: "without wrapped error",
			err: &DomainError{
				Code:    "invalid_state",
				Message: "cannot process payment in current state",
				Err:     nil,
			},
			expected: "cannot process payment in current state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	domainErr := &DomainError{
		Code:    "test",
		Message: "test message",
		Err:     originalErr,
	}

	unwrapped := domainErr.Unwrap()
	assert.Equal(t, originalErr, unwrapped)
}

func TestNewDomainError(t *testing.T) {
	originalErr := errors.New("underlying error")
	err := NewDomainError("test_code", "test message", originalErr)

	assert.NotNil(t, err)
	assert.Equal(t, "test_code", err.Code)
	assert.Equal(t, "test message", err.Message)
	assert.Equal(t, originalErr, err.Err)
}

func TestNewDomainError_NilWrappedError(t *testing.T) {
	err := NewDomainError("test_code", "test message", nil)

	assert.NotNil(t, err)
	assert.Equal(t, "test_code", err.Code)
	assert.Equal(t, "test message", err.Message)
	assert.Nil(t, err.Err)
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Field:   "email",
		Message: "must be a valid email address",
	}

	expected := "validation failed for field email: must be a valid email address"
	assert.Equal(t, expected, err.Error())
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("username", "cannot be empty")

	assert.NotNil(t, err)
	assert.Equal(t, "username", err.Field)
	assert.Equal(t, "cannot be empty", err.Message)
}

func TestValidationError_IsValidationFailed(t *testing.T) {
	err := NewValidationError("quantity", "must be positive")
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestProviderError(t *testing.T) {
	err := NewProviderError("kakaopay", "-780", "approval failure")

	assert.Equal(t, "provider kakaopay rejected request: [-780] approval failure", err.Error())
	assert.Nil(t, err.Unwrap())

	err.Err = ErrNotCancelable
	assert.ErrorIs(t, err, ErrNotCancelable)
}

func TestConsistencyError(t *testing.T) {
	err := NewConsistencyError("pay-1", "provider reports 5000, expected 10000")
	assert.Equal(t, "payment pay-1: state mismatch: provider reports 5000, expected 10000", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", NewValidationError("field", "bad"), KindValidation},
		{"order not found", ErrOrderNotFound, KindNotFound},
		{"wrapped not found", fmt.Errorf("load: %w", ErrPaymentNotFound), KindNotFound},
		{"unsupported provider", ErrUnsupportedProvider, KindUnsupportedProvider},
		{"unsupported product type", ErrUnsupportedProductType, KindUnsupportedProductType},
		{"flow mismatch", ErrFlowMismatch, KindFlowMismatch},
		{"refund window", ErrRefundWindowExpired, KindRefundWindowExpired},
		{"over cancel", ErrExceedsRemainingQty, KindExceedsRemainingQty},
		{"product unavailable", ErrProductUnavailable, KindProductUnavailable},
		{"provider unavailable", ErrProviderUnavailable, KindProviderUnavailable},
		{"timeout", ErrProviderTimeout, KindProviderUnavailable},
		{"provider rejection", NewProviderError("p", "E1", "declined"), KindProvider},
		{"provider not cancelable", &ProviderError{Provider: "p", Code: "E2", Err: ErrNotCancelable}, KindNotCancelable},
		{"consistency", NewConsistencyError("x", "y"), KindConsistency},
		{"wrapped consistency", fmt.Errorf("reconcile: %w", NewConsistencyError("x", "y")), KindConsistency},
		{"conflict", ErrOptimisticLockFailed, KindConflict},
		{"pending cancel", ErrCancellationPending, KindCancellationPending},
		{"domain error wrapping transition", NewDomainError("invalid_transition", "nope", ErrInvalidStateTransition), KindInvalidStateTransition},
		{"unknown", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorUnwrapping(t *testing.T) {
	baseErr := ErrProviderTimeout
	wrappedErr := NewDomainError("provider_error", "provider call failed", baseErr)

	assert.True(t, errors.Is(wrappedErr, baseErr))
	assert.ErrorIs(t, wrappedErr, ErrProviderTimeout)
}
