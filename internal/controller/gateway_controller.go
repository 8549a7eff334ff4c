package controller

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GatewayController receives traffic sent by payment gateways: server
// callbacks and the browser redirects that end a hosted checkout.
type GatewayController struct {
	orders *service.OrderService
	// errorURL receives the buyer when a return cannot be processed.
	errorURL string
}

// NewGatewayController creates a new GatewayController.
func NewGatewayController(orders *service.OrderService, errorURL string) *GatewayController {
	return &GatewayController{orders: orders, errorURL: errorURL}
}

type returnHandler func(ctx context.Context, paymentID uuid.UUID, providerID providers.ID, payload providers.Payload) (*service.ReturnResult, error)

// Callback handles POST /pg/{provider}/payments/{id}/callback
func (h *GatewayController) Callback(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	payload, err := readPayload(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.orders.OnPaymentCallback(r.Context(), id, providerParam(r), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromPaymentResult(res))
}

// Return handles GET /pg/{provider}/payments/{id}/return
func (h *GatewayController) Return(w http.ResponseWriter, r *http.Request) {
	h.redirect(w, r, h.orders.OnPaymentReturn)
}

// Cancel handles GET /pg/{provider}/payments/{id}/cancel, sent when the
// buyer abandons the hosted checkout.
func (h *GatewayController) Cancel(w http.ResponseWriter, r *http.Request) {
	h.redirect(w, r, h.orders.OnPaymentCancel)
}

func (h *GatewayController) redirect(w http.ResponseWriter, r *http.Request, handle returnHandler) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.redirectError(w, r, err)
		return
	}
	payload := providers.PayloadFromValues(r.URL.Query())

	res, err := handle(r.Context(), id, providerParam(r), payload)
	if res != nil && res.RedirectURL != "" {
		// The payment state is known even when follow-up work failed.
		if err != nil {
			log.Warn().Err(err).Str("payment_id", id.String()).Msg("gateway return completed with errors")
		}
		http.Redirect(w, r, res.RedirectURL, http.StatusSeeOther)
		return
	}
	if err != nil {
		h.redirectError(w, r, err)
		return
	}
	if res.PaymentResult != nil {
		writeJSON(w, http.StatusOK, FromPaymentResult(res.PaymentResult))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// redirectError sends the buyer's browser somewhere readable instead of a
// JSON error body. Without an error page the JSON error is returned.
func (h *GatewayController) redirectError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domainErrors.KindOf(err)
	log.Warn().Err(err).Str("kind", string(kind)).Str("path", r.URL.Path).Msg("gateway return failed")
	if h.errorURL == "" {
		writeError(w, err)
		return
	}
	u, perr := url.Parse(h.errorURL)
	if perr != nil {
		writeError(w, err)
		return
	}
	q := u.Query()
	q.Set("result", "ERROR")
	q.Set("code", string(kind))
	if id := chi.URLParam(r, "id"); id != "" {
		q.Set("payment_id", id)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusSeeOther)
}

func providerParam(r *http.Request) providers.ID {
	return providers.ID(chi.URLParam(r, "provider"))
}

// readPayload accepts JSON and form-encoded callbacks; gateways differ.
func readPayload(r *http.Request) (providers.Payload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return nil, domainErrors.NewValidationError("body", "invalid form: "+err.Error())
		}
		return providers.PayloadFromValues(r.PostForm), nil
	}

	var payload providers.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if payload == nil {
		payload = providers.Payload{}
	}
	return payload, nil
}
