package controller

import (
	"net/http"
	"strconv"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/google/uuid"
)

const maxPageSize = 100

// OrderController handles order-related HTTP requests.
type OrderController struct {
	orders *service.OrderService
}

// NewOrderController creates a new OrderController.
func NewOrderController(orders *service.OrderService) *OrderController {
	return &OrderController{orders: orders}
}

// Create handles POST /api/v1/orders
func (h *OrderController) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	items := make([]service.OrderItem, 0, len(req.Items))
	for i, it := range req.Items {
		item := service.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity}
		if it.UnitPrice != nil {
			amt, err := money.FromDecimal(*it.UnitPrice, req.Currency)
			if err != nil {
				writeError(w, domainErrors.NewValidationError("items["+strconv.Itoa(i)+"].unit_price", err.Error()))
				return
			}
			item.UnitPrice = &amt.Value
		}
		items = append(items, item)
	}

	o, err := h.orders.CreateOrder(r.Context(), service.CreateOrderRequest{
		BuyerID:       req.BuyerID,
		Items:         items,
		PaymentMethod: payment.Method(req.PaymentMethod),
		Currency:      req.Currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FromOrder(o))
}

// Get handles GET /api/v1/orders/{id}
func (h *OrderController) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	o, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromOrder(o))
}

// List handles GET /api/v1/orders. A cursor query parameter (empty to
// start) switches from offset to keyset paging.
func (h *OrderController) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := order.ListFilter{
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	if v := q.Get("buyer_id"); v != "" {
		filter.BuyerID = &v
	}
	if v := q.Get("status"); v != "" {
		s := order.Status(v)
		filter.Status = &s
	}

	limit, err := intQuery(q.Get("limit"), 20)
	if err != nil || limit <= 0 {
		writeError(w, domainErrors.NewValidationError("limit", "must be a positive integer"))
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if q.Has("cursor") {
		orders, next, err := h.orders.ScrollOrders(r.Context(), filter, q.Get("cursor"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, OrderScrollResponse{Orders: FromOrders(orders), NextCursor: next})
		return
	}

	offset, err := intQuery(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, domainErrors.NewValidationError("offset", "must be a non-negative integer"))
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	orders, total, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderListResponse{
		Orders: FromOrders(orders),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// StartPayment handles POST /api/v1/orders/{id}/payments
func (h *OrderController) StartPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req StartPaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.orders.StartPayment(r.Context(), service.StartPaymentRequest{
		OrderID:      id,
		ProviderID:   providers.ID(req.Provider),
		ExpectedFlow: providers.Flow(req.Flow),
		OrderName:    req.OrderName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FromSession(sess))
}

// ListPayments handles GET /api/v1/orders/{id}/payments
func (h *OrderController) ListPayments(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	payments, err := h.orders.ListPayments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*PaymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, FromPayment(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// Cancel handles POST /api/v1/orders/{id}/cancel
func (h *OrderController) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req CancelOrderRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.orders.CancelOrder(r.Context(), service.CancelOrderRequest{
		OrderID: id,
		Reason:  req.Reason,
		ActorID: req.ActorID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromCancelResult(res))
}

// CancelPartial handles POST /api/v1/orders/{id}/cancel-partial
func (h *OrderController) CancelPartial(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req PartialCancelRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	lines := make([]payment.LineCancel, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, payment.LineCancel{LineID: uuid.MustParse(l.LineID), Quantity: l.Quantity})
	}

	res, err := h.orders.CancelOrderPartial(r.Context(), service.PartialCancelRequest{
		OrderID: id,
		Lines:   lines,
		Reason:  req.Reason,
		ActorID: req.ActorID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromCancelResult(res))
}

// RetryFulfillment handles POST /api/v1/orders/{id}/fulfillment/retry
func (h *OrderController) RetryFulfillment(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.orders.RetryFulfillment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FulfillmentResponse{
		Order:       FromOrder(res.Order),
		FailedLines: fromFailures(res.FailedLines),
	})
}

func intQuery(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
