package controller

import (
	"time"

	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/shopspring/decimal"
)

// --- Request DTOs ---
// Money crosses the API as decimal strings in major units. Controllers
// convert to minor units before calling the service.

type CreateOrderRequest struct {
	BuyerID       string             `json:"buyer_id" validate:"required,max=64"`
	Currency      string             `json:"currency" validate:"required,len=3"`
	PaymentMethod string             `json:"payment_method" validate:"required,oneof=CARD EASY_PAY BANK_TRANSFER VIRTUAL_ACCOUNT MOBILE_PHONE GIFT_CERTIFICATE"`
	Items         []OrderItemRequest `json:"items" validate:"required,min=1,max=50,dive"`
}

type OrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"required,gt=0,lte=1000"`
	// UnitPrice is the price shown to the buyer; it must match the catalog.
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type StartPaymentRequest struct {
	Provider  string `json:"provider" validate:"required,max=32"`
	Flow      string `json:"flow,omitempty" validate:"omitempty,oneof=SERVER_INITIATED CLIENT_INITIATED"`
	OrderName string `json:"order_name,omitempty" validate:"max=100"`
}

type CancelOrderRequest struct {
	Reason  string `json:"reason" validate:"max=200"`
	ActorID string `json:"actor_id" validate:"required,max=64"`
}

type PartialCancelRequest struct {
	Lines   []LineCancelRequest `json:"lines" validate:"required,min=1,dive"`
	Reason  string              `json:"reason" validate:"max=200"`
	ActorID string              `json:"actor_id" validate:"required,max=64"`
}

type LineCancelRequest struct {
	LineID   string `json:"line_id" validate:"required,uuid"`
	Quantity int    `json:"quantity" validate:"required,gt=0"`
}

// --- Response DTOs ---

type LineResponse struct {
	ID                string          `json:"id"`
	ProductID         string          `json:"product_id"`
	ProductType       string          `json:"product_type"`
	Quantity          int             `json:"quantity"`
	CanceledQuantity  int             `json:"canceled_quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	FulfillmentStatus string          `json:"fulfillment_status"`
	FulfilledQuantity int             `json:"fulfilled_quantity"`
	RevokedQuantity   int             `json:"revoked_quantity"`
	FulfillmentError  *string         `json:"fulfillment_error,omitempty"`
}

type OrderResponse struct {
	ID             string          `json:"id"`
	BuyerID        string          `json:"buyer_id"`
	Status         string          `json:"status"`
	PaymentMethod  string          `json:"payment_method"`
	Total          decimal.Decimal `json:"total"`
	CanceledAmount decimal.Decimal `json:"canceled_amount"`
	Currency       string          `json:"currency"`
	Lines          []LineResponse  `json:"lines"`
	CancelReason   *string         `json:"cancel_reason,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
}

type PaymentResponse struct {
	ID                    string          `json:"id"`
	OrderID               string          `json:"order_id"`
	Provider              string          `json:"provider"`
	Method                string          `json:"method"`
	Status                string          `json:"status"`
	Amount                decimal.Decimal `json:"amount"`
	CanceledAmount        decimal.Decimal `json:"canceled_amount"`
	Currency              string          `json:"currency"`
	ProviderTransactionID *string         `json:"provider_transaction_id,omitempty"`
	PaidAt                *time.Time      `json:"paid_at,omitempty"`
	RefundableUntil       *time.Time      `json:"refundable_until,omitempty"`
	ExpiresAt             time.Time       `json:"expires_at"`
	CancelPending         bool            `json:"cancel_pending"`
	LastError             *string         `json:"last_error,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

type ClientSessionResponse struct {
	ClientKey  string          `json:"client_key"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	OrderName  string          `json:"order_name"`
	SuccessURL string          `json:"success_url"`
	FailURL    string          `json:"fail_url"`
}

type PaymentSessionResponse struct {
	Payment     *PaymentResponse       `json:"payment"`
	Flow        string                 `json:"flow"`
	RedirectURL string                 `json:"redirect_url,omitempty"`
	MobileURL   string                 `json:"mobile_url,omitempty"`
	Client      *ClientSessionResponse `json:"client,omitempty"`
}

type LineFailureResponse struct {
	LineID    string `json:"line_id"`
	ProductID string `json:"product_id"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
}

type PaymentResultResponse struct {
	Succeeded   bool                  `json:"succeeded"`
	Message     string                `json:"message,omitempty"`
	Order       *OrderResponse        `json:"order"`
	Payment     *PaymentResponse      `json:"payment"`
	FailedLines []LineFailureResponse `json:"failed_lines,omitempty"`
}

type CancelResponse struct {
	RefundedAmount decimal.Decimal       `json:"refunded_amount"`
	Order          *OrderResponse        `json:"order"`
	Payment        *PaymentResponse      `json:"payment,omitempty"`
	FailedLines    []LineFailureResponse `json:"failed_lines,omitempty"`
}

type ReconcileResponse struct {
	Action      string                `json:"action"`
	Order       *OrderResponse        `json:"order"`
	Payment     *PaymentResponse      `json:"payment"`
	FailedLines []LineFailureResponse `json:"failed_lines,omitempty"`
}

type FulfillmentResponse struct {
	Order       *OrderResponse        `json:"order"`
	FailedLines []LineFailureResponse `json:"failed_lines,omitempty"`
}

type OrderListResponse struct {
	Orders []*OrderResponse `json:"orders"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type OrderScrollResponse struct {
	Orders     []*OrderResponse `json:"orders"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

func minorToDecimal(value int64, currency string) decimal.Decimal {
	return money.Amount{Value: value, Currency: currency}.Decimal()
}

func FromOrder(o *order.Order) *OrderResponse {
	if o == nil {
		return nil
	}
	cur := o.Total.Currency
	resp := &OrderResponse{
		ID:             o.ID.String(),
		BuyerID:        o.BuyerID,
		Status:         string(o.Status),
		PaymentMethod:  string(o.PaymentMethod),
		Total:          o.Total.Decimal(),
		CanceledAmount: minorToDecimal(o.CanceledAmount, cur),
		Currency:       cur,
		Lines:          make([]LineResponse, 0, len(o.Lines)),
		CancelReason:   o.CancelReason,
		Version:        o.Version,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		PaidAt:         o.PaidAt,
	}
	for _, l := range o.Lines {
		resp.Lines = append(resp.Lines, LineResponse{
			ID:                l.ID.String(),
			ProductID:         l.ProductID,
			ProductType:       string(l.ProductType),
			Quantity:          l.Quantity,
			CanceledQuantity:  l.CanceledQuantity,
			UnitPrice:         l.UnitPrice.Decimal(),
			FulfillmentStatus: string(l.FulfillmentStatus),
			FulfilledQuantity: l.FulfilledQuantity,
			RevokedQuantity:   l.RevokedQuantity,
			FulfillmentError:  l.FulfillmentError,
		})
	}
	return resp
}

func FromOrders(orders []*order.Order) []*OrderResponse {
	out := make([]*OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, FromOrder(o))
	}
	return out
}

func FromPayment(p *payment.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	return &PaymentResponse{
		ID:                    p.ID.String(),
		OrderID:               p.OrderID.String(),
		Provider:              p.ProviderID,
		Method:                string(p.Method),
		Status:                string(p.Status),
		Amount:                p.Amount.Decimal(),
		CanceledAmount:        minorToDecimal(p.CanceledAmount, p.Amount.Currency),
		Currency:              p.Amount.Currency,
		ProviderTransactionID: p.ProviderTransactionID,
		PaidAt:                p.PaidAt,
		RefundableUntil:       p.RefundableUntil,
		ExpiresAt:             p.ExpiresAt,
		CancelPending:         p.PendingCancel != nil,
		LastError:             p.LastError,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

func FromSession(s *service.PaymentSession) *PaymentSessionResponse {
	resp := &PaymentSessionResponse{
		Payment: FromPayment(s.Payment),
		Flow:    string(s.Flow),
	}
	if s.Session != nil {
		resp.RedirectURL = s.Session.OnlineURL
		resp.MobileURL = s.Session.MobileURL
	}
	if cs := s.ClientSession; cs != nil {
		resp.Client = &ClientSessionResponse{
			ClientKey:  cs.ClientKey,
			Amount:     cs.Amount.Decimal(),
			Currency:   cs.Amount.Currency,
			OrderName:  cs.OrderName,
			SuccessURL: cs.SuccessURL,
			FailURL:    cs.FailURL,
		}
	}
	return resp
}

func fromFailures(failures []service.LineFailure) []LineFailureResponse {
	if len(failures) == 0 {
		return nil
	}
	out := make([]LineFailureResponse, 0, len(failures))
	for _, f := range failures {
		out = append(out, LineFailureResponse{
			LineID:    f.LineID.String(),
			ProductID: f.ProductID,
			Action:    f.Action,
			Reason:    f.Reason,
		})
	}
	return out
}

func FromPaymentResult(r *service.PaymentResult) *PaymentResultResponse {
	return &PaymentResultResponse{
		Succeeded:   r.Succeeded(),
		Message:     r.Message,
		Order:       FromOrder(r.Order),
		Payment:     FromPayment(r.Payment),
		FailedLines: fromFailures(r.FailedLines),
	}
}

func FromCancelResult(r *service.CancelResult) *CancelResponse {
	return &CancelResponse{
		RefundedAmount: minorToDecimal(r.RefundedAmount, r.Order.Total.Currency),
		Order:          FromOrder(r.Order),
		Payment:        FromPayment(r.Payment),
		FailedLines:    fromFailures(r.FailedLines),
	}
}
