package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

// kindStatus maps error kinds to HTTP status. Business rejections are 4xx,
// gateway trouble is 502/503 and configuration gaps are 500.
var kindStatus = map[domainErrors.Kind]int{
	domainErrors.KindValidation:             http.StatusBadRequest,
	domainErrors.KindNotFound:               http.StatusNotFound,
	domainErrors.KindUnsupportedProvider:    http.StatusInternalServerError,
	domainErrors.KindUnsupportedProductType: http.StatusInternalServerError,
	domainErrors.KindFlowMismatch:           http.StatusUnprocessableEntity,
	domainErrors.KindRefundWindowExpired:    http.StatusUnprocessableEntity,
	domainErrors.KindExceedsRemainingQty:    http.StatusUnprocessableEntity,
	domainErrors.KindAmountExceedsRemaining: http.StatusUnprocessableEntity,
	domainErrors.KindNotCancelable:          http.StatusUnprocessableEntity,
	domainErrors.KindProductUnavailable:     http.StatusUnprocessableEntity,
	domainErrors.KindProvider:               http.StatusBadGateway,
	domainErrors.KindProviderUnavailable:    http.StatusServiceUnavailable,
	domainErrors.KindConsistency:            http.StatusInternalServerError,
	domainErrors.KindConflict:               http.StatusConflict,
	domainErrors.KindPaymentInProgress:      http.StatusConflict,
	domainErrors.KindCancellationPending:    http.StatusAccepted,
	domainErrors.KindInvalidStateTransition: http.StatusConflict,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := domainErrors.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	resp := ErrorResponse{Code: string(kind), Error: publicMessage(kind, err)}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

// publicMessage hides internals and gateway payloads from clients.
func publicMessage(kind domainErrors.Kind, err error) string {
	switch kind {
	case domainErrors.KindInternal:
		return "internal server error"
	case domainErrors.KindProvider:
		return "payment provider rejected the request"
	case domainErrors.KindProviderUnavailable:
		return "payment provider unavailable, please retry"
	case domainErrors.KindConsistency:
		return "payment state needs manual review"
	case domainErrors.KindConflict:
		return "concurrent modification, please retry"
	case domainErrors.KindCancellationPending:
		return "cancellation sent, awaiting provider confirmation"
	case domainErrors.KindNotCancelable:
		return "payment can no longer be canceled"
	case domainErrors.KindAmountExceedsRemaining:
		return "cancel amount exceeds the remaining payment amount"
	case domainErrors.KindUnsupportedProvider:
		return "payment provider is not available"
	}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Error()
	}
	var domainErr *domainErrors.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Namespace(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}

// uuidParam parses a UUID path parameter.
func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domainErrors.NewValidationError(name, "must be a UUID")
	}
	return id, nil
}
