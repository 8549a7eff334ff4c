package service

import (
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/google/uuid"
)

// Controllers convert their HTTP DTOs to these types.

type OrderItem struct {
	ProductID string
	Quantity  int
	// UnitPrice is the price the client saw. When set it must match the catalog.
	UnitPrice *int64
}

type CreateOrderRequest struct {
	BuyerID       string
	Items         []OrderItem
	PaymentMethod payment.Method
	Currency      string
}

type StartPaymentRequest struct {
	OrderID    uuid.UUID
	ProviderID providers.ID
	// ExpectedFlow is optional; when set the provider must use it.
	ExpectedFlow providers.Flow
	OrderName    string
}

// PaymentSession is what the buyer needs to pay: a redirect for
// server-initiated gateways, widget parameters for client-initiated ones.
type PaymentSession struct {
	Payment       *payment.Payment
	Flow          providers.Flow
	Session       *providers.Session
	ClientSession *providers.ClientSession
}

// LineFailure is a fulfillment or revocation that did not go through.
type LineFailure struct {
	LineID    uuid.UUID
	ProductID string
	Action    string
	Reason    string
}

// PaymentResult is the state after applying a gateway outcome.
type PaymentResult struct {
	Order       *order.Order
	Payment     *payment.Payment
	FailedLines []LineFailure
	Message     string
}

// Succeeded reports whether the payment ended up captured.
func (r *PaymentResult) Succeeded() bool {
	return r.Payment != nil && r.Payment.IsPaid()
}

type ReturnResult struct {
	*PaymentResult
	RedirectURL string
}

type CancelOrderRequest struct {
	OrderID uuid.UUID
	Reason  string
	ActorID string
}

type PartialCancelRequest struct {
	OrderID uuid.UUID
	Lines   []payment.LineCancel
	Reason  string
	ActorID string
}

type CancelResult struct {
	Order          *order.Order
	Payment        *payment.Payment
	RefundedAmount int64
	FailedLines    []LineFailure
}

// ReconcileAction names what Reconcile did.
type ReconcileAction string

const (
	ReconcileNoop              ReconcileAction = "noop"
	ReconcileCompleted         ReconcileAction = "completed"
	ReconcileFailed            ReconcileAction = "failed"
	ReconcileCancelFinalized   ReconcileAction = "cancel_finalized"
	ReconcileCancelReverted    ReconcileAction = "cancel_reverted"
	ReconcileResumed           ReconcileAction = "resumed"
	ReconcileStillPending      ReconcileAction = "pending"
	ReconcileInconsistencyFlag ReconcileAction = "inconsistent"
)

type ReconcileResult struct {
	Order       *order.Order
	Payment     *payment.Payment
	Action      ReconcileAction
	FailedLines []LineFailure
}

type FulfillmentResult struct {
	Order       *order.Order
	FailedLines []LineFailure
}
