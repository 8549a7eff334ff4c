package providers

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/google/uuid"
)

const mockSignatureKey = "signature"

type mockTx struct {
	paymentID  uuid.UUID
	amount     int64
	canceled   int64
	kind       OutcomeKind
	approvedAt time.Time
}

type cancelFault struct {
	err     error
	applied bool
}

// MockProvider is an in-memory gateway for development and tests. It supports
// either flow, signs callbacks with a shared secret and records every call.
type MockProvider struct {
	id          ID
	flow        Flow
	failureRate float64 // 0.0 to 1.0
	latency     time.Duration
	timeoutRate float64 // 0.0 to 1.0
	secret      string
	returnURL   string

	mu     sync.Mutex
	txs    map[string]*mockTx
	calls  []string
	faults []cancelFault
}

type MockProviderOption func(*MockProvider)

func WithFlow(f Flow) MockProviderOption {
	return func(p *MockProvider) { p.flow = f }
}

func WithFailureRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.failureRate = rate }
}

func WithLatency(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.latency = d }
}

func WithTimeoutRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.timeoutRate = rate }
}

func WithSecret(secret string) MockProviderOption {
	return func(p *MockProvider) { p.secret = secret }
}

func WithReturnURL(u string) MockProviderOption {
	return func(p *MockProvider) { p.returnURL = u }
}

func NewMockProvider(id ID, opts ...MockProviderOption) *MockProvider {
	p := &MockProvider{
		id:        id,
		flow:      FlowServerInitiated,
		secret:    "mock-secret",
		returnURL: "http://localhost:3000/checkout/result",
		txs:       make(map[string]*mockTx),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *MockProvider) ID() ID     { return p.id }
func (p *MockProvider) Flow() Flow { return p.flow }

// MockPaymentKey is the payment key the mock's client widget hands back for a payment.
func MockPaymentKey(paymentID uuid.UUID) string {
	return "mock_pk_" + paymentID.String()
}

func (p *MockProvider) RequestPayment(ctx context.Context, req PaymentRequest) (*Session, error) {
	if err := p.simulate(ctx, "request"); err != nil {
		return nil, err
	}
	txID := fmt.Sprintf("%s_tx_%s", p.id, uuid.New().String()[:8])

	p.mu.Lock()
	p.txs[txID] = &mockTx{paymentID: req.PaymentID, amount: req.Amount.Value, kind: OutcomePending}
	p.mu.Unlock()

	return &Session{
		PaymentID:     req.PaymentID,
		TransactionID: txID,
		OnlineURL:     "https://mock.pg/pay/" + txID,
		MobileURL:     "https://m.mock.pg/pay/" + txID,
	}, nil
}

func (p *MockProvider) PreparePayment(_ context.Context, req PaymentRequest) (*ClientSession, error) {
	p.record("prepare")
	key := MockPaymentKey(req.PaymentID)

	p.mu.Lock()
	p.txs[key] = &mockTx{paymentID: req.PaymentID, amount: req.Amount.Value, kind: OutcomePending}
	p.mu.Unlock()

	return &ClientSession{
		PaymentID:  req.PaymentID,
		ClientKey:  "mock_ck_" + string(p.id),
		Amount:     req.Amount,
		OrderName:  req.OrderName,
		SuccessURL: p.returnURL + "?result=success",
		FailURL:    p.returnURL + "?result=fail",
	}, nil
}

type mockConfirm struct {
	PaymentKey string `mapstructure:"payment_key"`
	Amount     int64  `mapstructure:"amount"`
}

func (p *MockProvider) ConfirmPayment(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
	in, err := Decode[mockConfirm](req.Payload)
	if err != nil {
		return nil, err
	}
	if in.Amount != req.Ref.Amount.Value {
		return &Confirmation{
			Message: "amount does not match the order",
			Outcome: Outcome{Kind: OutcomeFailed, TransactionID: in.PaymentKey, Code: "AMOUNT_MISMATCH"},
		}, nil
	}
	if err := p.simulate(ctx, "confirm"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.txs[in.PaymentKey]
	if !ok || tx.paymentID != req.Ref.PaymentID {
		return nil, domainErrors.NewProviderError(string(p.id), "NOT_FOUND_PAYMENT", "unknown payment key")
	}
	if tx.kind == OutcomePending {
		tx.kind = OutcomeSucceeded
		tx.approvedAt = time.Now()
	}
	return &Confirmation{Success: tx.kind == OutcomeSucceeded, Outcome: p.outcomeLocked(in.PaymentKey, tx)}, nil
}

func (p *MockProvider) VerifyCallback(_ context.Context, payload Payload) bool {
	return VerifyPayload(p.secret, payload, mockSignatureKey)
}

type mockCallback struct {
	TransactionID string `mapstructure:"tx_id"`
	Status        string `mapstructure:"status"`
	Amount        int64  `mapstructure:"amount"`
	Code          string `mapstructure:"code"`
	Message       string `mapstructure:"message"`
}

func (p *MockProvider) HandleCallback(_ context.Context, ref PaymentRef, payload Payload) (*Outcome, error) {
	p.record("callback")
	in, err := Decode[mockCallback](payload)
	if err != nil {
		return nil, err
	}
	txID := in.TransactionID
	if txID == "" {
		txID = ref.TransactionID
	}

	out := &Outcome{TransactionID: txID, Amount: in.Amount, Code: in.Code, Message: in.Message}
	switch in.Status {
	case "PAID":
		out.Kind = OutcomeSucceeded
		out.ApprovedAt = time.Now()
		p.settle(txID, OutcomeSucceeded)
	case "FAILED":
		out.Kind = OutcomeFailed
		p.settle(txID, OutcomeFailed)
	default:
		out.Kind = OutcomePending
	}
	return out, nil
}

type mockReturn struct {
	Result string `mapstructure:"result"`
}

func (p *MockProvider) HandleReturn(ctx context.Context, ref PaymentRef, payload Payload) (*ReturnResult, error) {
	in, err := Decode[mockReturn](payload)
	if err != nil {
		return nil, err
	}

	var out Outcome
	if in.Result == "success" {
		if err := p.simulate(ctx, "approve"); err != nil {
			return nil, err
		}
		p.settle(ref.TransactionID, OutcomeSucceeded)
		out = Outcome{Kind: OutcomeSucceeded, TransactionID: ref.TransactionID, Amount: ref.Amount.Value, ApprovedAt: time.Now()}
	} else {
		p.record("return")
		p.settle(ref.TransactionID, OutcomeFailed)
		out = Outcome{Kind: OutcomeFailed, TransactionID: ref.TransactionID, Code: "USER_" + in.Result}
	}

	q := url.Values{}
	q.Set("order_id", ref.OrderID.String())
	q.Set("payment_id", ref.PaymentID.String())
	q.Set("result", string(out.Kind))
	return &ReturnResult{Outcome: out, RedirectURL: p.returnURL + "?" + q.Encode()}, nil
}

func (p *MockProvider) HandleCancel(_ context.Context, ref PaymentRef, _ Payload) (*Outcome, error) {
	p.record("cancel_notice")
	p.settle(ref.TransactionID, OutcomeFailed)
	return &Outcome{Kind: OutcomeCanceled, TransactionID: ref.TransactionID, Code: "USER_CANCELED"}, nil
}

func (p *MockProvider) CancelPayment(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	return p.cancel(ctx, req, true)
}

func (p *MockProvider) CancelPaymentPartial(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	return p.cancel(ctx, req, false)
}

func (p *MockProvider) cancel(ctx context.Context, req CancelRequest, full bool) (*CancelResult, error) {
	if err := p.simulate(ctx, "cancel"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var fault *cancelFault
	if len(p.faults) > 0 {
		fault = &p.faults[0]
		p.faults = p.faults[1:]
		if !fault.applied {
			return nil, fault.err
		}
	}

	tx, ok := p.txs[req.Ref.TransactionID]
	if !ok || (tx.kind != OutcomeSucceeded && tx.kind != OutcomePartiallyCanceled) {
		return nil, &domainErrors.ProviderError{
			Provider: string(p.id), Code: "NOT_CANCELABLE", Message: "payment is not in a cancelable state",
			Err: domainErrors.ErrNotCancelable,
		}
	}
	remaining := tx.amount - tx.canceled
	amount := req.Amount
	if full {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return nil, &domainErrors.ProviderError{
			Provider: string(p.id), Code: "EXCEED_CANCEL_AMOUNT", Message: "cancel amount exceeds remaining amount",
			Err: domainErrors.ErrAmountExceedsRemaining,
		}
	}

	tx.canceled += amount
	if tx.canceled == tx.amount {
		tx.kind = OutcomeCanceled
	} else {
		tx.kind = OutcomePartiallyCanceled
	}
	if fault != nil {
		return nil, fault.err
	}
	return &CancelResult{TransactionID: req.Ref.TransactionID, CanceledAmount: tx.canceled, CanceledAt: time.Now()}, nil
}

func (p *MockProvider) QueryPayment(ctx context.Context, ref PaymentRef) (*Outcome, error) {
	if err := p.simulate(ctx, "query"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.txs[ref.TransactionID]
	if !ok {
		return nil, domainErrors.NewProviderError(string(p.id), "NOT_FOUND_PAYMENT", "unknown transaction")
	}
	out := p.outcomeLocked(ref.TransactionID, tx)
	return &out, nil
}

// SignedCallback builds a callback payload signed with the mock's secret.
func (p *MockProvider) SignedCallback(txID, status string, amount int64) Payload {
	payload := Payload{"tx_id": txID, "status": status, "amount": fmt.Sprint(amount)}
	payload[mockSignatureKey] = SignPayload(p.secret, payload, mockSignatureKey)
	return payload
}

// Settle moves a transaction as if the buyer finished (or abandoned) it at
// the gateway without any notification reaching us.
func (p *MockProvider) Settle(txID string, kind OutcomeKind) {
	p.settle(txID, kind)
}

// FailNextCancel makes the next cancellation fail with err. When applied is
// true the gateway still performs the cancellation, as with a lost response.
func (p *MockProvider) FailNextCancel(err error, applied bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = append(p.faults, cancelFault{err: err, applied: applied})
}

// Calls returns the operations invoked so far, in order.
func (p *MockProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *MockProvider) settle(txID string, kind OutcomeKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.txs[txID]
	if !ok || tx.kind != OutcomePending {
		return
	}
	tx.kind = kind
	if kind == OutcomeSucceeded {
		tx.approvedAt = time.Now()
	}
}

func (p *MockProvider) outcomeLocked(txID string, tx *mockTx) Outcome {
	return Outcome{
		Kind:           tx.kind,
		TransactionID:  txID,
		Amount:         tx.amount,
		CanceledAmount: tx.canceled,
		ApprovedAt:     tx.approvedAt,
	}
}

func (p *MockProvider) record(op string) {
	p.mu.Lock()
	p.calls = append(p.calls, op)
	p.mu.Unlock()
}

func (p *MockProvider) simulate(ctx context.Context, op string) error {
	p.record(op)

	// Simulate latency
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", p.id, op, domainErrors.ErrProviderTimeout)
		}
	}

	// Simulate timeout
	if rand.Float64() < p.timeoutRate {
		return fmt.Errorf("%s %s: %w", p.id, op, domainErrors.ErrProviderTimeout)
	}

	// Simulate failure
	if rand.Float64() < p.failureRate {
		return domainErrors.NewProviderError(string(p.id), "SIMULATED", fmt.Sprintf("simulated %s failure", op))
	}
	return nil
}
