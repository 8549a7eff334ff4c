// Package tosspayments adapts the Toss Payments core API. Payments are
// client-initiated: the buyer's browser opens the Toss widget with our client
// key, and the server confirms the payment key the widget returns.
package tosspayments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/providers"
)

const ID providers.ID = "tosspayments"

const signatureKey = "signature"

type Config struct {
	BaseURL         string
	SecretKey       string
	ClientKey       string
	WebhookSecret   string
	CallbackBaseURL string
	RedirectURL     string
}

type Provider struct {
	cfg    Config
	client *providers.GatewayClient
}

func New(cfg Config, opts ...providers.GatewayOption) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tosspayments.com"
	}
	token := base64.StdEncoding.EncodeToString([]byte(cfg.SecretKey + ":"))
	auth := func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) }
	opts = append([]providers.GatewayOption{providers.WithErrorDecoder(decodeError)}, opts...)
	return &Provider{
		cfg:    cfg,
		client: providers.NewGatewayClient(string(ID), cfg.BaseURL, auth, opts...),
	}
}

func (p *Provider) ID() providers.ID     { return ID }
func (p *Provider) Flow() providers.Flow { return providers.FlowClientInitiated }

// paymentObject is the subset of the Toss Payment object we read.
type paymentObject struct {
	PaymentKey    string     `json:"paymentKey"`
	OrderID       string     `json:"orderId"`
	Status        string     `json:"status"`
	TotalAmount   int64      `json:"totalAmount"`
	BalanceAmount int64      `json:"balanceAmount"`
	ApprovedAt    *time.Time `json:"approvedAt"`
	Method        string     `json:"method"`
	Cancels       []struct {
		CancelAmount int64     `json:"cancelAmount"`
		CanceledAt   time.Time `json:"canceledAt"`
	} `json:"cancels"`
}

func (o *paymentObject) lastCanceledAt() time.Time {
	var last time.Time
	for _, c := range o.Cancels {
		if c.CanceledAt.After(last) {
			last = c.CanceledAt
		}
	}
	return last
}

func (o *paymentObject) outcome() providers.Outcome {
	out := providers.Outcome{
		Kind:           mapStatus(o.Status),
		TransactionID:  o.PaymentKey,
		Amount:         o.TotalAmount,
		CanceledAmount: o.TotalAmount - o.BalanceAmount,
		Code:           o.Status,
	}
	if o.ApprovedAt != nil {
		out.ApprovedAt = *o.ApprovedAt
	}
	return out
}

// PreparePayment needs no network call: Toss creates the payment when the
// widget is opened with our client key.
func (p *Provider) PreparePayment(_ context.Context, req providers.PaymentRequest) (*providers.ClientSession, error) {
	base := p.paymentURL(req.PaymentID.String())
	return &providers.ClientSession{
		PaymentID:  req.PaymentID,
		ClientKey:  p.cfg.ClientKey,
		Amount:     req.Amount,
		OrderName:  req.OrderName,
		SuccessURL: base + "/return?result=success",
		FailURL:    base + "/return?result=fail",
	}, nil
}

type confirmPayload struct {
	PaymentKey string `mapstructure:"paymentKey"`
	OrderID    string `mapstructure:"orderId"`
	Amount     int64  `mapstructure:"amount"`
}

type confirmBody struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

func (p *Provider) ConfirmPayment(ctx context.Context, req providers.ConfirmRequest) (*providers.Confirmation, error) {
	in, err := providers.Decode[confirmPayload](req.Payload)
	if err != nil {
		return nil, err
	}
	if in.PaymentKey == "" {
		return nil, domainErrors.NewValidationError("paymentKey", "is required")
	}
	if in.OrderID != req.Ref.PaymentID.String() {
		return nil, domainErrors.NewValidationError("orderId", "does not belong to this payment")
	}
	// The client asserts the amount; anything other than what we charged is tampering.
	if in.Amount != req.Ref.Amount.Value {
		return &providers.Confirmation{
			Message: "confirmed amount does not match the order amount",
			Outcome: providers.Outcome{Kind: providers.OutcomeFailed, TransactionID: in.PaymentKey, Code: "AMOUNT_MISMATCH"},
		}, nil
	}

	var obj paymentObject
	err = p.client.Send(ctx, providers.Request{
		Method: http.MethodPost,
		Path:   "/v1/payments/confirm",
		Body:   confirmBody{PaymentKey: in.PaymentKey, OrderID: in.OrderID, Amount: in.Amount},
	}, &obj)
	var pe *domainErrors.ProviderError
	switch {
	case err == nil:
		out := obj.outcome()
		return &providers.Confirmation{Success: out.Kind == providers.OutcomeSucceeded, Outcome: out}, nil
	case errors.As(err, &pe):
		return &providers.Confirmation{
			Message: pe.Message,
			Outcome: providers.Outcome{Kind: providers.OutcomeFailed, TransactionID: in.PaymentKey, Code: pe.Code, Message: pe.Message},
		}, nil
	default:
		return nil, err
	}
}

type returnPayload struct {
	Result     string `mapstructure:"result"`
	PaymentKey string `mapstructure:"paymentKey"`
	Amount     int64  `mapstructure:"amount"`
	Code       string `mapstructure:"code"`
	Message    string `mapstructure:"message"`
}

// HandleReturn forwards the widget's redirect to the shop front end. A success
// return is still pending: the client has to call confirm.
func (p *Provider) HandleReturn(_ context.Context, ref providers.PaymentRef, payload providers.Payload) (*providers.ReturnResult, error) {
	in, err := providers.Decode[returnPayload](payload)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("order_id", ref.OrderID.String())
	q.Set("payment_id", ref.PaymentID.String())

	var out providers.Outcome
	if in.Result == "success" && in.PaymentKey != "" {
		out = providers.Outcome{Kind: providers.OutcomePending, TransactionID: in.PaymentKey, Amount: in.Amount}
		q.Set("payment_key", in.PaymentKey)
		q.Set("amount", strconv.FormatInt(in.Amount, 10))
	} else {
		out = providers.Outcome{Kind: providers.OutcomeFailed, Code: in.Code, Message: in.Message}
	}
	q.Set("result", string(out.Kind))
	return &providers.ReturnResult{Outcome: out, RedirectURL: p.cfg.RedirectURL + "?" + q.Encode()}, nil
}

func (p *Provider) HandleCancel(_ context.Context, ref providers.PaymentRef, _ providers.Payload) (*providers.Outcome, error) {
	return &providers.Outcome{Kind: providers.OutcomeCanceled, TransactionID: ref.TransactionID, Code: "PAY_PROCESS_CANCELED"}, nil
}

func (p *Provider) VerifyCallback(_ context.Context, payload providers.Payload) bool {
	return providers.VerifyPayload(p.cfg.WebhookSecret, payload, signatureKey)
}

type callbackPayload struct {
	EventType     string `mapstructure:"eventType"`
	PaymentKey    string `mapstructure:"paymentKey"`
	OrderID       string `mapstructure:"orderId"`
	Status        string `mapstructure:"status"`
	TotalAmount   int64  `mapstructure:"totalAmount"`
	BalanceAmount int64  `mapstructure:"balanceAmount"`
}

func (p *Provider) HandleCallback(_ context.Context, ref providers.PaymentRef, payload providers.Payload) (*providers.Outcome, error) {
	in, err := providers.Decode[callbackPayload](payload)
	if err != nil {
		return nil, err
	}
	if in.OrderID != ref.PaymentID.String() {
		return nil, domainErrors.NewValidationError("orderId", "does not belong to this payment")
	}
	out := &providers.Outcome{
		Kind:          mapStatus(in.Status),
		TransactionID: in.PaymentKey,
		Amount:        in.TotalAmount,
		Code:          in.Status,
	}
	if out.Kind == providers.OutcomeCanceled || out.Kind == providers.OutcomePartiallyCanceled {
		out.CanceledAmount = in.TotalAmount - in.BalanceAmount
	}
	return out, nil
}

type cancelBody struct {
	CancelReason string `json:"cancelReason"`
	CancelAmount int64  `json:"cancelAmount,omitempty"`
}

func (p *Provider) CancelPayment(ctx context.Context, req providers.CancelRequest) (*providers.CancelResult, error) {
	return p.cancel(ctx, req, cancelBody{CancelReason: reason(req)})
}

func (p *Provider) CancelPaymentPartial(ctx context.Context, req providers.CancelRequest) (*providers.CancelResult, error) {
	if req.Amount <= 0 || req.Amount > req.Ref.Amount.Value-req.Ref.CanceledAmount {
		return nil, fmt.Errorf("tosspayments cancel %d: %w", req.Amount, domainErrors.ErrAmountExceedsRemaining)
	}
	return p.cancel(ctx, req, cancelBody{CancelReason: reason(req), CancelAmount: req.Amount})
}

func (p *Provider) cancel(ctx context.Context, req providers.CancelRequest, body cancelBody) (*providers.CancelResult, error) {
	if req.Ref.TransactionID == "" {
		return nil, &domainErrors.ProviderError{Provider: string(ID), Code: "NOT_FOUND_PAYMENT", Message: "payment was never confirmed", Err: domainErrors.ErrNotCancelable}
	}
	header := http.Header{}
	if req.IdempotencyKey != "" {
		header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	var obj paymentObject
	err := p.client.Send(ctx, providers.Request{
		Method: http.MethodPost,
		Path:   "/v1/payments/" + url.PathEscape(req.Ref.TransactionID) + "/cancel",
		Body:   body,
		Header: header,
	}, &obj)
	if err != nil {
		return nil, err
	}
	return &providers.CancelResult{
		TransactionID:  obj.PaymentKey,
		CanceledAmount: obj.TotalAmount - obj.BalanceAmount,
		CanceledAt:     obj.lastCanceledAt(),
	}, nil
}

// QueryPayment looks the payment up by payment key, or by our payment id
// (Toss's orderId) when the client never got as far as confirm.
func (p *Provider) QueryPayment(ctx context.Context, ref providers.PaymentRef) (*providers.Outcome, error) {
	path := "/v1/payments/orders/" + ref.PaymentID.String()
	if ref.TransactionID != "" {
		path = "/v1/payments/" + url.PathEscape(ref.TransactionID)
	}
	var obj paymentObject
	if err := p.client.Send(ctx, providers.Request{Method: http.MethodGet, Path: path}, &obj); err != nil {
		return nil, err
	}
	out := obj.outcome()
	return &out, nil
}

func (p *Provider) paymentURL(paymentID string) string {
	return strings.TrimRight(p.cfg.CallbackBaseURL, "/") + "/pg/" + string(ID) + "/payments/" + paymentID
}

func reason(req providers.CancelRequest) string {
	if req.Reason == "" {
		return "requested by " + req.ActorID
	}
	return req.Reason
}

func mapStatus(s string) providers.OutcomeKind {
	switch s {
	case "DONE":
		return providers.OutcomeSucceeded
	case "PARTIAL_CANCELED":
		return providers.OutcomePartiallyCanceled
	case "CANCELED":
		return providers.OutcomeCanceled
	case "ABORTED", "EXPIRED":
		return providers.OutcomeFailed
	default:
		// READY, IN_PROGRESS, WAITING_FOR_DEPOSIT
		return providers.OutcomePending
	}
}

var refusals = map[string]error{
	"NOT_CANCELABLE_PAYMENT":   domainErrors.ErrNotCancelable,
	"ALREADY_CANCELED_PAYMENT": domainErrors.ErrNotCancelable,
	"NOT_CANCELABLE_AMOUNT":    domainErrors.ErrAmountExceedsRemaining,
}

func decodeError(status int, raw []byte) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return domainErrors.NewProviderError(string(ID), strconv.Itoa(status), http.StatusText(status))
	}
	return &domainErrors.ProviderError{Provider: string(ID), Code: body.Code, Message: body.Message, Err: refusals[body.Code]}
}
