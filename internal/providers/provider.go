package providers

import (
	"context"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/google/uuid"
)

// ID names a registered payment gateway.
type ID string

// Flow describes who drives payment initiation.
type Flow string

const (
	// FlowServerInitiated: the server calls the gateway and hands the buyer a redirect URL.
	FlowServerInitiated Flow = "SERVER_INITIATED"
	// FlowClientInitiated: the buyer's client talks to the gateway and the server confirms afterwards.
	FlowClientInitiated Flow = "CLIENT_INITIATED"
)

// Payload is the raw key/value body delivered by a gateway callback, return or cancel request.
// Each adapter decodes it into its own typed struct.
type Payload map[string]any

// OutcomeKind is the normalized result of a gateway event or query.
type OutcomeKind string

const (
	OutcomeSucceeded         OutcomeKind = "SUCCEEDED"
	OutcomeFailed            OutcomeKind = "FAILED"
	OutcomeCanceled          OutcomeKind = "CANCELED"
	OutcomePartiallyCanceled OutcomeKind = "PARTIALLY_CANCELED"
	OutcomePending           OutcomeKind = "PENDING"
)

// Outcome is what an adapter reports back. Adapters never touch payment state;
// the order service applies outcomes.
type Outcome struct {
	Kind           OutcomeKind
	TransactionID  string
	Amount         int64
	CanceledAmount int64
	ApprovedAt     time.Time
	Code           string
	Message        string
}

// IsTerminal reports whether the gateway considers the payment settled one way or the other.
func (o Outcome) IsTerminal() bool {
	return o.Kind != OutcomePending
}

// PaymentRef identifies a payment towards the gateway.
type PaymentRef struct {
	PaymentID      uuid.UUID
	OrderID        uuid.UUID
	BuyerID        string
	TransactionID  string
	Amount         money.Amount
	CanceledAmount int64
}

// PaymentRequest starts a payment session.
type PaymentRequest struct {
	PaymentID uuid.UUID
	OrderID   uuid.UUID
	BuyerID   string
	OrderName string
	Quantity  int
	Amount    money.Amount
	Method    payment.Method
}

// Session is returned by server-initiated gateways.
type Session struct {
	PaymentID     uuid.UUID
	TransactionID string
	OnlineURL     string
	MobileURL     string
}

// ClientSession carries what the buyer's client needs to open the gateway widget.
type ClientSession struct {
	PaymentID  uuid.UUID
	ClientKey  string
	Amount     money.Amount
	OrderName  string
	SuccessURL string
	FailURL    string
}

type ConfirmRequest struct {
	Ref     PaymentRef
	Payload Payload
}

type Confirmation struct {
	Success bool
	Message string
	Outcome Outcome
}

// CancelRequest asks the gateway to cancel Amount minor units. IdempotencyKey is
// stable per cancellation attempt so a gateway supporting it can dedupe.
type CancelRequest struct {
	Ref            PaymentRef
	Amount         int64
	Reason         string
	ActorID        string
	IdempotencyKey string
}

// CancelResult reports the gateway's totals after the cancellation.
type CancelResult struct {
	TransactionID  string
	CanceledAmount int64
	CanceledAt     time.Time
}

// ReturnResult is the outcome of a browser return plus where to send the buyer next.
type ReturnResult struct {
	Outcome     Outcome
	RedirectURL string
}

// Provider is the contract shared by every gateway adapter.
type Provider interface {
	ID() ID
	Flow() Flow

	// CancelPayment cancels whatever is still uncanceled.
	CancelPayment(ctx context.Context, req CancelRequest) (*CancelResult, error)
	// CancelPaymentPartial cancels req.Amount. Fails with ErrNotCancelable or
	// ErrAmountExceedsRemaining on gateway refusal.
	CancelPaymentPartial(ctx context.Context, req CancelRequest) (*CancelResult, error)

	VerifyCallback(ctx context.Context, payload Payload) bool
	HandleCallback(ctx context.Context, ref PaymentRef, payload Payload) (*Outcome, error)
	HandleReturn(ctx context.Context, ref PaymentRef, payload Payload) (*ReturnResult, error)
	HandleCancel(ctx context.Context, ref PaymentRef, payload Payload) (*Outcome, error)

	// QueryPayment reads the gateway's view of the payment. Safe to retry.
	QueryPayment(ctx context.Context, ref PaymentRef) (*Outcome, error)
}

// ServerInitiated gateways open the session server side.
type ServerInitiated interface {
	Provider
	RequestPayment(ctx context.Context, req PaymentRequest) (*Session, error)
}

// ClientInitiated gateways let the client open the session and confirm afterwards.
type ClientInitiated interface {
	Provider
	PreparePayment(ctx context.Context, req PaymentRequest) (*ClientSession, error)
	ConfirmPayment(ctx context.Context, req ConfirmRequest) (*Confirmation, error)
}
