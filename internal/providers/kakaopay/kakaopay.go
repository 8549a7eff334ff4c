// Package kakaopay adapts the KakaoPay online payment API. Payments are
// server-initiated: the server opens a session (ready), the buyer approves on
// KakaoPay's page and comes back with a pg_token, which is exchanged for the
// final approval.
package kakaopay

import (
	"context"
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

const ID providers.ID = "kakaopay"

const signatureKey = "signature"

var kst = time.FixedZone("KST", 9*60*60)

type Config struct {
	BaseURL       string
	SecretKey     string
	CID           string
	WebhookSecret string
	// CallbackBaseURL is this service's public base URL; approval, cancel and
	// fail URLs are built under it.
	CallbackBaseURL string
	// RedirectURL is where buyers land after the return leg.
	RedirectURL string
}

type Provider struct {
	cfg    Config
	client *providers.GatewayClient
}

func New(cfg Config, opts ...providers.GatewayOption) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://open-api.kakaopay.com"
	}
	auth := func(r *http.Request) { r.Header.Set("Authorization", "SECRET_KEY "+cfg.SecretKey) }
	opts = append([]providers.GatewayOption{providers.WithErrorDecoder(decodeError)}, opts...)
	return &Provider{
		cfg:    cfg,
		client: providers.NewGatewayClient(string(ID), cfg.BaseURL, auth, opts...),
	}
}

func (p *Provider) ID() providers.ID     { return ID }
func (p *Provider) Flow() providers.Flow { return providers.FlowServerInitiated }

type amountBody struct {
	Total int64 `json:"total"`
}

type readyRequest struct {
	CID            string `json:"cid"`
	PartnerOrderID string `json:"partner_order_id"`
	PartnerUserID  string `json:"partner_user_id"`
	ItemName       string `json:"item_name"`
	Quantity       int    `json:"quantity"`
	TotalAmount    int64  `json:"total_amount"`
	TaxFreeAmount  int64  `json:"tax_free_amount"`
	ApprovalURL    string `json:"approval_url"`
	CancelURL      string `json:"cancel_url"`
	FailURL        string `json:"fail_url"`
}

type readyResponse struct {
	TID                   string `json:"tid"`
	NextRedirectPCURL     string `json:"next_redirect_pc_url"`
	NextRedirectMobileURL string `json:"next_redirect_mobile_url"`
}

func (p *Provider) RequestPayment(ctx context.Context, req providers.PaymentRequest) (*providers.Session, error) {
	if req.Amount.Currency != "KRW" {
		return nil, domainErrors.NewValidationError("currency", "kakaopay only settles KRW")
	}
	base := p.paymentURL(req.PaymentID.String())
	body := readyRequest{
		CID:            p.cfg.CID,
		PartnerOrderID: req.PaymentID.String(),
		PartnerUserID:  req.BuyerID,
		ItemName:       req.OrderName,
		Quantity:       max(req.Quantity, 1),
		TotalAmount:    req.Amount.Value,
		ApprovalURL:    base + "/return?result=approve",
		CancelURL:      base + "/cancel",
		FailURL:        base + "/return?result=fail",
	}

	var resp readyResponse
	if err := p.client.Send(ctx, providers.Request{Method: http.MethodPost, Path: "/online/v1/payment/ready", Body: body}, &resp); err != nil {
		return nil, err
	}
	return &providers.Session{
		PaymentID:     req.PaymentID,
		TransactionID: resp.TID,
		OnlineURL:     resp.NextRedirectPCURL,
		MobileURL:     resp.NextRedirectMobileURL,
	}, nil
}

type approveRequest struct {
	CID            string `json:"cid"`
	TID            string `json:"tid"`
	PartnerOrderID string `json:"partner_order_id"`
	PartnerUserID  string `json:"partner_user_id"`
	PGToken        string `json:"pg_token"`
}

type approveResponse struct {
	AID        string     `json:"aid"`
	TID        string     `json:"tid"`
	Amount     amountBody `json:"amount"`
	ApprovedAt kakaoTime  `json:"approved_at"`
}

type returnPayload struct {
	Result  string `mapstructure:"result"`
	PGToken string `mapstructure:"pg_token"`
}

func (p *Provider) HandleReturn(ctx context.Context, ref providers.PaymentRef, payload providers.Payload) (*providers.ReturnResult, error) {
	in, err := providers.Decode[returnPayload](payload)
	if err != nil {
		return nil, err
	}
	if in.Result != "approve" || in.PGToken == "" {
		out := providers.Outcome{Kind: providers.OutcomeFailed, TransactionID: ref.TransactionID, Code: "PAYMENT_FAILED", Message: "buyer did not approve the payment"}
		return &providers.ReturnResult{Outcome: out, RedirectURL: p.redirect(ref, out.Kind)}, nil
	}

	body := approveRequest{
		CID:            p.cfg.CID,
		TID:            ref.TransactionID,
		PartnerOrderID: ref.PaymentID.String(),
		PartnerUserID:  ref.BuyerID,
		PGToken:        in.PGToken,
	}
	var resp approveResponse
	err = p.client.Send(ctx, providers.Request{Method: http.MethodPost, Path: "/online/v1/payment/approve", Body: body}, &resp)
	var out providers.Outcome
	var pe *domainErrors.ProviderError
	switch {
	case err == nil:
		out = providers.Outcome{
			Kind:          providers.OutcomeSucceeded,
			TransactionID: resp.TID,
			Amount:        resp.Amount.Total,
			ApprovedAt:    resp.ApprovedAt.Time,
		}
	case errors.As(err, &pe):
		out = providers.Outcome{Kind: providers.OutcomeFailed, TransactionID: ref.TransactionID, Code: pe.Code, Message: pe.Message}
	default:
		return nil, err
	}
	return &providers.ReturnResult{Outcome: out, RedirectURL: p.redirect(ref, out.Kind)}, nil
}

// HandleCancel handles the buyer leaving KakaoPay's page via cancel_url.
func (p *Provider) HandleCancel(_ context.Context, ref providers.PaymentRef, _ providers.Payload) (*providers.Outcome, error) {
	return &providers.Outcome{
		Kind:          providers.OutcomeCanceled,
		TransactionID: ref.TransactionID,
		Code:          "USER_CANCELED",
		Message:       "buyer canceled on the payment page",
	}, nil
}

func (p *Provider) VerifyCallback(_ context.Context, payload providers.Payload) bool {
	return providers.VerifyPayload(p.cfg.WebhookSecret, payload, signatureKey)
}

type callbackPayload struct {
	TID            string `mapstructure:"tid"`
	Status         string `mapstructure:"status"`
	Amount         int64  `mapstructure:"amount"`
	CanceledAmount int64  `mapstructure:"canceled_amount"`
	ApprovedAt     string `mapstructure:"approved_at"`
}

func (p *Provider) HandleCallback(_ context.Context, ref providers.PaymentRef, payload providers.Payload) (*providers.Outcome, error) {
	in, err := providers.Decode[callbackPayload](payload)
	if err != nil {
		return nil, err
	}
	if in.TID != "" && ref.TransactionID != "" && in.TID != ref.TransactionID {
		return nil, domainErrors.NewValidationError("tid", "does not belong to this payment")
	}
	out := &providers.Outcome{
		Kind:           mapStatus(in.Status),
		TransactionID:  in.TID,
		Amount:         in.Amount,
		CanceledAmount: in.CanceledAmount,
		Code:           in.Status,
	}
	if in.ApprovedAt != "" {
		t, err := parseKakaoTime(in.ApprovedAt)
		if err != nil {
			return nil, domainErrors.NewValidationError("approved_at", err.Error())
		}
		out.ApprovedAt = t
	}
	return out, nil
}

type cancelRequest struct {
	CID                 string `json:"cid"`
	TID                 string `json:"tid"`
	CancelAmount        int64  `json:"cancel_amount"`
	CancelTaxFreeAmount int64  `json:"cancel_tax_free_amount"`
}

type cancelResponse struct {
	TID            string     `json:"tid"`
	Status         string     `json:"status"`
	CanceledAmount amountBody `json:"canceled_amount"`
	CanceledAt     kakaoTime  `json:"canceled_at"`
}

// CancelPayment cancels the remaining amount; KakaoPay has no "cancel all" verb.
func (p *Provider) CancelPayment(ctx context.Context, req providers.CancelRequest) (*providers.CancelResult, error) {
	req.Amount = req.Ref.Amount.Value - req.Ref.CanceledAmount
	return p.cancel(ctx, req)
}

func (p *Provider) CancelPaymentPartial(ctx context.Context, req providers.CancelRequest) (*providers.CancelResult, error) {
	return p.cancel(ctx, req)
}

func (p *Provider) cancel(ctx context.Context, req providers.CancelRequest) (*providers.CancelResult, error) {
	if req.Amount <= 0 || req.Amount > req.Ref.Amount.Value-req.Ref.CanceledAmount {
		return nil, fmt.Errorf("kakaopay cancel %d: %w", req.Amount, domainErrors.ErrAmountExceedsRemaining)
	}
	body := cancelRequest{CID: p.cfg.CID, TID: req.Ref.TransactionID, CancelAmount: req.Amount}
	var resp cancelResponse
	if err := p.client.Send(ctx, providers.Request{Method: http.MethodPost, Path: "/online/v1/payment/cancel", Body: body}, &resp); err != nil {
		return nil, err
	}
	return &providers.CancelResult{
		TransactionID:  resp.TID,
		CanceledAmount: resp.CanceledAmount.Total,
		CanceledAt:     resp.CanceledAt.Time,
	}, nil
}

type orderRequest struct {
	CID string `json:"cid"`
	TID string `json:"tid"`
}

type orderResponse struct {
	TID            string     `json:"tid"`
	Status         string     `json:"status"`
	Amount         amountBody `json:"amount"`
	CanceledAmount amountBody `json:"canceled_amount"`
	ApprovedAt     kakaoTime  `json:"approved_at"`
}

func (p *Provider) QueryPayment(ctx context.Context, ref providers.PaymentRef) (*providers.Outcome, error) {
	if ref.TransactionID == "" {
		return nil, domainErrors.NewValidationError("tid", "payment was never registered with kakaopay")
	}
	var resp orderResponse
	body := orderRequest{CID: p.cfg.CID, TID: ref.TransactionID}
	if err := p.client.Send(ctx, providers.Request{Method: http.MethodPost, Path: "/online/v1/payment/order", Body: body}, &resp); err != nil {
		return nil, err
	}
	return &providers.Outcome{
		Kind:           mapStatus(resp.Status),
		TransactionID:  resp.TID,
		Amount:         resp.Amount.Total,
		CanceledAmount: resp.CanceledAmount.Total,
		ApprovedAt:     resp.ApprovedAt.Time,
		Code:           resp.Status,
	}, nil
}

func (p *Provider) paymentURL(paymentID string) string {
	return strings.TrimRight(p.cfg.CallbackBaseURL, "/") + "/pg/" + string(ID) + "/payments/" + paymentID
}

func (p *Provider) redirect(ref providers.PaymentRef, kind providers.OutcomeKind) string {
	q := url.Values{}
	q.Set("order_id", ref.OrderID.String())
	q.Set("payment_id", ref.PaymentID.String())
	q.Set("result", string(kind))
	return p.cfg.RedirectURL + "?" + q.Encode()
}

func mapStatus(s string) providers.OutcomeKind {
	switch s {
	case "SUCCESS_PAYMENT":
		return providers.OutcomeSucceeded
	case "PART_CANCEL_PAYMENT":
		return providers.OutcomePartiallyCanceled
	case "CANCEL_PAYMENT":
		return providers.OutcomeCanceled
	case "FAIL_AUTH_PASSWORD", "QUIT_PAYMENT", "FAIL_PAYMENT":
		return providers.OutcomeFailed
	default:
		return providers.OutcomePending
	}
}

// Gateway refusal codes for cancel requests.
var cancelRefusals = map[int]error{
	-702: domainErrors.ErrNotCancelable,
	-703: domainErrors.ErrAmountExceedsRemaining,
	-721: domainErrors.ErrNotCancelable,
}

type errorBody struct {
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Extras       struct {
		MethodResultCode    string `json:"method_result_code"`
		MethodResultMessage string `json:"method_result_message"`
	} `json:"extras"`
}

func decodeError(status int, raw []byte) error {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.ErrorCode == 0 {
		return domainErrors.NewProviderError(string(ID), strconv.Itoa(status), http.StatusText(status))
	}
	msg := body.ErrorMessage
	if body.Extras.MethodResultMessage != "" {
		msg += ": " + body.Extras.MethodResultMessage
	}
	return &domainErrors.ProviderError{
		Provider: string(ID),
		Code:     strconv.Itoa(body.ErrorCode),
		Message:  msg,
		Err:      cancelRefusals[body.ErrorCode],
	}
}

// kakaoTime parses KakaoPay's zone-less timestamps, which are KST.
type kakaoTime struct{ time.Time }

func (t *kakaoTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := parseKakaoTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func parseKakaoTime(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02T15:04:05", s, kst)
}
