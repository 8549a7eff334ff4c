package controller

import (
	"encoding/json"
	"net/http"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/cassiomorais/checkout/internal/service"
)

// PaymentController handles payment-related HTTP requests.
type PaymentController struct {
	orders *service.OrderService
}

// NewPaymentController creates a new PaymentController.
func NewPaymentController(orders *service.OrderService) *PaymentController {
	return &PaymentController{orders: orders}
}

// Get handles GET /api/v1/payments/{id}
func (h *PaymentController) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := h.orders.GetPayment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromPayment(p))
}

// Confirm handles POST /api/v1/payments/{id}/confirm. The body is passed to
// the gateway as-is, so it carries whatever the client widget returned.
func (h *PaymentController) Confirm(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var payload providers.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload) == 0 {
		writeError(w, domainErrors.NewValidationError("body", "confirmation payload is required"))
		return
	}

	res, err := h.orders.ConfirmPayment(r.Context(), id, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromPaymentResult(res))
}

// Reconcile handles POST /api/v1/payments/{id}/reconcile
func (h *PaymentController) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.orders.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		Action:      string(res.Action),
		Order:       FromOrder(res.Order),
		Payment:     FromPayment(res.Payment),
		FailedLines: fromFailures(res.FailedLines),
	})
}
