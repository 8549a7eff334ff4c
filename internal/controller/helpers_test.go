package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		payload      any
		expectedBody string
	}{
		{
			name:         "simple map",
			status:       http.StatusOK,
			payload:      map[string]string{"message": "hello"},
			expectedBody: `{"message":"hello"}`,
		},
		{
			name:         "error response",
			status:       http.StatusBadRequest,
			payload:      ErrorResponse{Error: "bad request", Code: "validation_error"},
			expectedBody: `{"error":"bad request","code":"validation_error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeJSON(w, tt.status, tt.payload)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

func TestWriteError_ValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.NewValidationError("currency", "unsupported currency"))

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "validation_error", response.Code)
	assert.Contains(t, response.Error, "currency")
}

func TestWriteError_Kinds(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"order not found", domainErrors.ErrOrderNotFound, http.StatusNotFound, "not_found"},
		{"wrapped payment not found", fmt.Errorf("load: %w", domainErrors.ErrPaymentNotFound), http.StatusNotFound, "not_found"},
		{"unsupported provider", fmt.Errorf("resolve: %w", domainErrors.ErrUnsupportedProvider), http.StatusInternalServerError, "unsupported_provider"},
		{"unsupported product type", domainErrors.ErrUnsupportedProductType, http.StatusInternalServerError, "unsupported_product_type"},
		{"flow mismatch", domainErrors.ErrFlowMismatch, http.StatusUnprocessableEntity, "flow_mismatch"},
		{"refund window expired", domainErrors.ErrRefundWindowExpired, http.StatusUnprocessableEntity, "refund_window_expired"},
		{"exceeds quantity", domainErrors.ErrExceedsRemainingQty, http.StatusUnprocessableEntity, "exceeds_remaining_quantity"},
		{"not cancelable", domainErrors.ErrNotCancelable, http.StatusUnprocessableEntity, "not_cancelable"},
		{"product unavailable", domainErrors.ErrProductUnavailable, http.StatusUnprocessableEntity, "product_unavailable"},
		{"gateway rejection", domainErrors.NewProviderError("kakaopay", "-780", "approval failure"), http.StatusBadGateway, "provider_error"},
		{"gateway timeout", domainErrors.ErrProviderTimeout, http.StatusServiceUnavailable, "provider_unavailable"},
		{"inconsistency", domainErrors.NewConsistencyError(uuid.NewString(), "amount mismatch"), http.StatusInternalServerError, "consistency_error"},
		{"lock contention", domainErrors.ErrLockAcquisitionFailed, http.StatusConflict, "conflict"},
		{"payment in progress", domainErrors.ErrPaymentInProgress, http.StatusConflict, "payment_in_progress"},
		{"cancellation pending", domainErrors.ErrCancellationPending, http.StatusAccepted, "cancellation_pending"},
		{"invalid state transition", domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedCode, response.Code)
		})
	}
}

func TestWriteError_HidesGatewayDetails(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.NewProviderError("tosspayments", "REJECT_CARD_COMPANY", "card 1234-**** declined by issuer"))

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "payment provider rejected the request", response.Error)
	assert.NotContains(t, w.Body.String(), "1234")
}

func TestWriteError_HidesCancelRejectionDetails(t *testing.T) {
	paymentID := uuid.NewString()
	tests := []struct {
		name string
		err  error
		code string
	}{
		{
			name: "not cancelable",
			err:  fmt.Errorf("cancel payment %s: %w", paymentID, &domainErrors.ProviderError{Provider: "kakaopay", Code: "-721", Message: "already canceled tid T123", Err: domainErrors.ErrNotCancelable}),
			code: "not_cancelable",
		},
		{
			name: "amount exceeds remaining",
			err:  fmt.Errorf("cancel payment %s: %w", paymentID, &domainErrors.ProviderError{Provider: "tosspayments", Code: "NOT_CANCELABLE_AMOUNT", Message: "cancel amount 9000 > balance", Err: domainErrors.ErrAmountExceedsRemaining}),
			code: "amount_exceeds_remaining",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)

			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.code, response.Code)
			assert.NotContains(t, w.Body.String(), paymentID)
			assert.NotContains(t, w.Body.String(), "T123")
			assert.NotContains(t, w.Body.String(), "9000")
		})
	}
}

func TestWriteError_DomainErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.NewDomainError("refund_window_expired", "refund window closed at 2026-03-17", domainErrors.ErrRefundWindowExpired))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "refund_window_expired", response.Code)
	assert.Equal(t, "refund window closed at 2026-03-17", response.Error)
}

func TestWriteError_UnknownError_FallbackToInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("pq: relation does not exist"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "internal", response.Code)
	assert.Equal(t, "internal server error", response.Error)
}

func TestDecodeAndValidate_Success(t *testing.T) {
	body := `{"buyer_id":"buyer-1","currency":"KRW","payment_method":"CARD","items":[{"product_id":"P1000","quantity":2}]}`
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))

	var result CreateOrderRequest
	require.NoError(t, decodeAndValidate(req, &result))
	assert.Equal(t, "buyer-1", result.BuyerID)
	require.Len(t, result.Items, 1)
	assert.Equal(t, 2, result.Items[0].Quantity)
	assert.Nil(t, result.Items[0].UnitPrice)
}

func TestDecodeAndValidate_InvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{invalid json}`))

	var result CreateOrderRequest
	err := decodeAndValidate(req, &result)

	var validationErr *domainErrors.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "body", validationErr.Field)
	assert.Contains(t, validationErr.Message, "invalid JSON")
}

func TestDecodeAndValidate_Failures(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "unknown payment method",
			body:  `{"buyer_id":"b","currency":"KRW","payment_method":"CASH","items":[{"product_id":"P1000","quantity":1}]}`,
			field: "CreateOrderRequest.PaymentMethod",
		},
		{
			name:  "no items",
			body:  `{"buyer_id":"b","currency":"KRW","payment_method":"CARD","items":[]}`,
			field: "CreateOrderRequest.Items",
		},
		{
			name:  "zero quantity inside items",
			body:  `{"buyer_id":"b","currency":"KRW","payment_method":"CARD","items":[{"product_id":"P1000","quantity":0}]}`,
			field: "CreateOrderRequest.Items[0].Quantity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tt.body))

			var result CreateOrderRequest
			err := decodeAndValidate(req, &result)

			var validationErr *domainErrors.ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Contains(t, validationErr.Message, "validation failed")
		})
	}
}

func TestDecodeAndValidate_EmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader(nil))

	var result CancelOrderRequest
	assert.ErrorIs(t, decodeAndValidate(req, &result), domainErrors.ErrValidationFailed)
}

func TestUUIDParam(t *testing.T) {
	id := uuid.New()
	var got uuid.UUID
	var gotErr error

	r := chi.NewRouter()
	r.Get("/orders/{id}", func(w http.ResponseWriter, req *http.Request) {
		got, gotErr = uuidParam(req, "id")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/"+id.String(), nil))
	require.NoError(t, gotErr)
	assert.Equal(t, id, got)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/not-a-uuid", nil))
	assert.Equal(t, domainErrors.KindValidation, domainErrors.KindOf(gotErr))
}
