package tosspayments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   map[string]any
}

func newGateway(t *testing.T, status int, resp any) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("test_sk:"))
		assert.Equal(t, want, r.Header.Get("Authorization"))

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, captured{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: body})

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newProvider(baseURL string) *Provider {
	return New(Config{
		BaseURL:         baseURL,
		SecretKey:       "test_sk",
		ClientKey:       "test_ck",
		WebhookSecret:   "whsec",
		CallbackBaseURL: "https://shop.test",
		RedirectURL:     "https://shop.test/checkout/result",
	})
}

var paymentID = uuid.MustParse("0b5e7f7e-4f55-4d53-8f5b-7b0e3f7d2a11")

func testRef() providers.PaymentRef {
	return providers.PaymentRef{
		PaymentID:     paymentID,
		OrderID:       uuid.MustParse("4a0c8b5c-7d6e-4c64-9d6b-1b7f1f0d2c22"),
		TransactionID: "pk_123",
		Amount:        money.Amount{Value: 15000, Currency: "KRW"},
	}
}

func paymentJSON(status string, total, balance int64) map[string]any {
	return map[string]any{
		"paymentKey":    "pk_123",
		"orderId":       paymentID.String(),
		"status":        status,
		"totalAmount":   total,
		"balanceAmount": balance,
		"approvedAt":    "2026-03-10T10:01:02+09:00",
		"method":        "카드",
	}
}

func TestProvider_Contract(t *testing.T) {
	var _ providers.ClientInitiated = (*Provider)(nil)
	p := newProvider("")
	assert.Equal(t, ID, p.ID())
	assert.Equal(t, providers.FlowClientInitiated, p.Flow())
}

func TestPreparePayment(t *testing.T) {
	p := newProvider("http://unused")
	cs, err := p.PreparePayment(context.Background(), providers.PaymentRequest{
		PaymentID: paymentID,
		OrderName: "Gift box",
		Amount:    money.Amount{Value: 15000, Currency: "KRW"},
	})
	require.NoError(t, err)
	assert.Equal(t, "test_ck", cs.ClientKey)
	assert.Equal(t, int64(15000), cs.Amount.Value)
	assert.Equal(t, "https://shop.test/pg/tosspayments/payments/"+paymentID.String()+"/return?result=success", cs.SuccessURL)
	assert.Equal(t, "https://shop.test/pg/tosspayments/payments/"+paymentID.String()+"/return?result=fail", cs.FailURL)
}

func TestConfirmPayment(t *testing.T) {
	srv, calls := newGateway(t, http.StatusOK, paymentJSON("DONE", 15000, 15000))
	p := newProvider(srv.URL)

	conf, err := p.ConfirmPayment(context.Background(), providers.ConfirmRequest{
		Ref:     testRef(),
		Payload: providers.Payload{"paymentKey": "pk_123", "orderId": paymentID.String(), "amount": "15000"},
	})
	require.NoError(t, err)
	assert.True(t, conf.Success)
	assert.Equal(t, providers.OutcomeSucceeded, conf.Outcome.Kind)
	assert.Equal(t, "pk_123", conf.Outcome.TransactionID)
	assert.Equal(t, int64(15000), conf.Outcome.Amount)
	assert.Equal(t, int64(0), conf.Outcome.CanceledAmount)
	assert.False(t, conf.Outcome.ApprovedAt.IsZero())

	require.Len(t, *calls, 1)
	assert.Equal(t, "/v1/payments/confirm", (*calls)[0].path)
	assert.Equal(t, float64(15000), (*calls)[0].body["amount"])
}

func TestConfirmPayment_AmountMismatchSkipsGateway(t *testing.T) {
	srv, calls := newGateway(t, http.StatusOK, paymentJSON("DONE", 100, 100))

	conf, err := newProvider(srv.URL).ConfirmPayment(context.Background(), providers.ConfirmRequest{
		Ref:     testRef(),
		Payload: providers.Payload{"paymentKey": "pk_123", "orderId": paymentID.String(), "amount": "100"},
	})
	require.NoError(t, err)
	assert.False(t, conf.Success)
	assert.Equal(t, "AMOUNT_MISMATCH", conf.Outcome.Code)
	assert.Empty(t, *calls)
}

func TestConfirmPayment_ForeignOrder(t *testing.T) {
	srv, _ := newGateway(t, http.StatusOK, nil)
	_, err := newProvider(srv.URL).ConfirmPayment(context.Background(), providers.ConfirmRequest{
		Ref:     testRef(),
		Payload: providers.Payload{"paymentKey": "pk_123", "orderId": uuid.NewString(), "amount": "15000"},
	})
	assert.ErrorIs(t, err, domainErrors.ErrValidationFailed)
}

func TestConfirmPayment_Declined(t *testing.T) {
	srv, _ := newGateway(t, http.StatusBadRequest, map[string]any{"code": "REJECT_CARD_COMPANY", "message": "card rejected"})

	conf, err := newProvider(srv.URL).ConfirmPayment(context.Background(), providers.ConfirmRequest{
		Ref:     testRef(),
		Payload: providers.Payload{"paymentKey": "pk_123", "orderId": paymentID.String(), "amount": 15000},
	})
	require.NoError(t, err)
	assert.False(t, conf.Success)
	assert.Equal(t, providers.OutcomeFailed, conf.Outcome.Kind)
	assert.Equal(t, "REJECT_CARD_COMPANY", conf.Outcome.Code)
}

func TestConfirmPayment_GatewayDown(t *testing.T) {
	srv, _ := newGateway(t, http.StatusInternalServerError, map[string]any{"code": "FAILED_INTERNAL_SYSTEM_PROCESSING"})

	_, err := newProvider(srv.URL).ConfirmPayment(context.Background(), providers.ConfirmRequest{
		Ref:     testRef(),
		Payload: providers.Payload{"paymentKey": "pk_123", "orderId": paymentID.String(), "amount": 15000},
	})
	assert.ErrorIs(t, err, domainErrors.ErrProviderUnavailable)
}

func TestConfirmPayment_VirtualAccountIsPending(t *testing.T) {
	srv, _ := newGateway(t, http.StatusOK, paymentJSON("WAITING_FOR_DEPOSIT", 15000, 15000))

	conf, err := newProvider(srv.URL).ConfirmPayment(context.Background(), providers.ConfirmRequest{
		Ref:     testRef(),
		Payload: providers.Payload{"paymentKey": "pk_123", "orderId": paymentID.String(), "amount": 15000},
	})
	require.NoError(t, err)
	assert.False(t, conf.Success)
	assert.Equal(t, providers.OutcomePending, conf.Outcome.Kind)
}

func TestHandleReturn(t *testing.T) {
	p := newProvider("http://unused")

	res, err := p.HandleReturn(context.Background(), testRef(), providers.Payload{
		"result": "success", "paymentKey": "pk_123", "orderId": paymentID.String(), "amount": "15000",
	})
	require.NoError(t, err)
	assert.Equal(t, providers.OutcomePending, res.Outcome.Kind)
	assert.Contains(t, res.RedirectURL, "payment_key=pk_123")
	assert.Contains(t, res.RedirectURL, "amount=15000")

	res, err = p.HandleReturn(context.Background(), testRef(), providers.Payload{
		"result": "fail", "code": "PAY_PROCESS_CANCELED", "message": "user canceled",
	})
	require.NoError(t, err)
	assert.Equal(t, providers.OutcomeFailed, res.Outcome.Kind)
	assert.Equal(t, "PAY_PROCESS_CANCELED", res.Outcome.Code)
}

func TestCallback(t *testing.T) {
	p := newProvider("http://unused")
	payload := providers.Payload{
		"eventType":     "PAYMENT_STATUS_CHANGED",
		"paymentKey":    "pk_123",
		"orderId":       paymentID.String(),
		"status":        "PARTIAL_CANCELED",
		"totalAmount":   "15000",
		"balanceAmount": "5000",
	}
	payload["signature"] = providers.SignPayload("whsec", payload, "signature")
	require.True(t, p.VerifyCallback(context.Background(), payload))

	out, err := p.HandleCallback(context.Background(), testRef(), payload)
	require.NoError(t, err)
	assert.Equal(t, providers.OutcomePartiallyCanceled, out.Kind)
	assert.Equal(t, int64(10000), out.CanceledAmount)

	delete(payload, "signature")
	assert.False(t, p.VerifyCallback(context.Background(), payload))
}

func TestCancelPayment_Full(t *testing.T) {
	resp := paymentJSON("CANCELED", 15000, 0)
	resp["cancels"] = []map[string]any{{"cancelAmount": 15000, "canceledAt": "2026-03-11T09:00:00+09:00"}}
	srv, calls := newGateway(t, http.StatusOK, resp)

	res, err := newProvider(srv.URL).CancelPayment(context.Background(), providers.CancelRequest{
		Ref: testRef(), Reason: "buyer request", IdempotencyKey: "cancel-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15000), res.CanceledAmount)
	assert.False(t, res.CanceledAt.IsZero())

	require.Len(t, *calls, 1)
	c := (*calls)[0]
	assert.Equal(t, "/v1/payments/pk_123/cancel", c.path)
	assert.Equal(t, "cancel-1", c.header.Get("Idempotency-Key"))
	assert.Equal(t, "buyer request", c.body["cancelReason"])
	_, hasAmount := c.body["cancelAmount"]
	assert.False(t, hasAmount)
}

func TestCancelPaymentPartial(t *testing.T) {
	srv, calls := newGateway(t, http.StatusOK, paymentJSON("PARTIAL_CANCELED", 15000, 10000))

	res, err := newProvider(srv.URL).CancelPaymentPartial(context.Background(), providers.CancelRequest{
		Ref: testRef(), Amount: 5000, ActorID: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.CanceledAmount)
	assert.Equal(t, float64(5000), (*calls)[0].body["cancelAmount"])
	assert.Equal(t, "requested by admin-1", (*calls)[0].body["cancelReason"])
}

func TestCancelPayment_Refusals(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"NOT_CANCELABLE_PAYMENT", domainErrors.ErrNotCancelable},
		{"ALREADY_CANCELED_PAYMENT", domainErrors.ErrNotCancelable},
		{"NOT_CANCELABLE_AMOUNT", domainErrors.ErrAmountExceedsRemaining},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv, _ := newGateway(t, http.StatusForbidden, map[string]any{"code": tt.code, "message": "refused"})
			_, err := newProvider(srv.URL).CancelPaymentPartial(context.Background(), providers.CancelRequest{Ref: testRef(), Amount: 1000})
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, providers.Definitive(err))
		})
	}
}

func TestCancelPayment_Unconfirmed(t *testing.T) {
	ref := testRef()
	ref.TransactionID = ""
	_, err := newProvider("http://unused").CancelPayment(context.Background(), providers.CancelRequest{Ref: ref})
	assert.ErrorIs(t, err, domainErrors.ErrNotCancelable)
}

func TestQueryPayment(t *testing.T) {
	srv, calls := newGateway(t, http.StatusOK, paymentJSON("DONE", 15000, 15000))
	out, err := newProvider(srv.URL).QueryPayment(context.Background(), testRef())
	require.NoError(t, err)
	assert.Equal(t, providers.OutcomeSucceeded, out.Kind)
	assert.Equal(t, "/v1/payments/pk_123", (*calls)[0].path)
	assert.Equal(t, http.MethodGet, (*calls)[0].method)
}

func TestQueryPayment_ByOrderWhenUnconfirmed(t *testing.T) {
	srv, calls := newGateway(t, http.StatusOK, paymentJSON("ABORTED", 15000, 15000))
	ref := testRef()
	ref.TransactionID = ""

	out, err := newProvider(srv.URL).QueryPayment(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, providers.OutcomeFailed, out.Kind)
	assert.Equal(t, "/v1/payments/orders/"+paymentID.String(), (*calls)[0].path)
}
