package controller

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/cassiomorais/checkout/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromOrder_MoneyInMajorUnits(t *testing.T) {
	o := testutil.NewTestOrder("buyer-1", payment.MethodCard, map[*product.Product]int{})
	o.Total = money.Amount{Value: 1999, Currency: "USD"}
	o.CanceledAmount = 500

	resp := FromOrder(o)

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "19.99", raw["total"])
	assert.Equal(t, "5", raw["canceled_amount"])
	assert.Equal(t, "USD", raw["currency"])
	assert.NotContains(t, raw, "paid_at")
}

func TestFromOrder_Lines(t *testing.T) {
	sword := testutil.NewItemProduct("SWORD", 5000)
	o := testutil.NewTestOrder("buyer-1", payment.MethodEasyPay, map[*product.Product]int{sword: 3})
	o.Lines[0].CanceledQuantity = 1

	resp := FromOrder(o)

	require.Len(t, resp.Lines, 1)
	line := resp.Lines[0]
	assert.Equal(t, o.Lines[0].ID.String(), line.ID)
	assert.Equal(t, "SWORD", line.ProductID)
	assert.Equal(t, "ITEM", line.ProductType)
	assert.Equal(t, 3, line.Quantity)
	assert.Equal(t, 1, line.CanceledQuantity)
	assert.Equal(t, "5000", line.UnitPrice.String())
	assert.Equal(t, "EASY_PAY", resp.PaymentMethod)
	assert.Equal(t, "15000", resp.Total.String())
}

func TestFromOrder_Nil(t *testing.T) {
	assert.Nil(t, FromOrder(nil))
	assert.Nil(t, FromPayment(nil))
}

func TestFromPayment(t *testing.T) {
	o := testutil.NewTestOrder("buyer-1", payment.MethodCard, map[*product.Product]int{testutil.NewPointProduct("P1000", 1000, 1000): 2})
	until := testutil.Now.Add(365 * 24 * time.Hour)
	p := testutil.NewCompletedPayment(o, "kakaopay", &until)
	p.CanceledAmount = 1000
	p.PendingCancel = &payment.PendingCancel{Amount: 1000}

	resp := FromPayment(p)

	assert.Equal(t, p.ID.String(), resp.ID)
	assert.Equal(t, o.ID.String(), resp.OrderID)
	assert.Equal(t, "kakaopay", resp.Provider)
	assert.Equal(t, "COMPLETED", resp.Status)
	assert.Equal(t, "2000", resp.Amount.String())
	assert.Equal(t, "1000", resp.CanceledAmount.String())
	assert.True(t, resp.CancelPending)
	require.NotNil(t, resp.RefundableUntil)
	assert.Equal(t, until, *resp.RefundableUntil)
}

func TestFromSession(t *testing.T) {
	p := &payment.Payment{ID: uuid.New(), OrderID: uuid.New(), Amount: testutil.KRW(17000), Status: payment.StatusInitiated}

	t.Run("server initiated", func(t *testing.T) {
		resp := FromSession(&service.PaymentSession{
			Payment: p,
			Flow:    providers.FlowServerInitiated,
			Session: &providers.Session{PaymentID: p.ID, TransactionID: "T1", OnlineURL: "https://pg.test/pay/T1", MobileURL: "https://m.pg.test/pay/T1"},
		})
		assert.Equal(t, "SERVER_INITIATED", resp.Flow)
		assert.Equal(t, "https://pg.test/pay/T1", resp.RedirectURL)
		assert.Equal(t, "https://m.pg.test/pay/T1", resp.MobileURL)
		assert.Nil(t, resp.Client)
	})

	t.Run("client initiated", func(t *testing.T) {
		resp := FromSession(&service.PaymentSession{
			Payment: p,
			Flow:    providers.FlowClientInitiated,
			ClientSession: &providers.ClientSession{
				PaymentID:  p.ID,
				ClientKey:  "ck_test",
				Amount:     testutil.KRW(17000),
				OrderName:  "Iron Sword x3",
				SuccessURL: "https://shop.test/ok",
				FailURL:    "https://shop.test/fail",
			},
		})
		assert.Equal(t, "CLIENT_INITIATED", resp.Flow)
		assert.Empty(t, resp.RedirectURL)
		require.NotNil(t, resp.Client)
		assert.Equal(t, "ck_test", resp.Client.ClientKey)
		assert.Equal(t, "17000", resp.Client.Amount.String())
		assert.Equal(t, "Iron Sword x3", resp.Client.OrderName)
	})
}

func TestFromCancelResult(t *testing.T) {
	o := testutil.NewTestOrder("buyer-1", payment.MethodCard, map[*product.Product]int{testutil.NewItemProduct("SWORD", 5000): 1})
	lineID := o.Lines[0].ID

	resp := FromCancelResult(&service.CancelResult{
		Order:          o,
		RefundedAmount: 5000,
		FailedLines:    []service.LineFailure{{LineID: lineID, ProductID: "SWORD", Action: "revoke", Reason: "broker down"}},
	})

	assert.Equal(t, "5000", resp.RefundedAmount.String())
	assert.Nil(t, resp.Payment)
	require.Len(t, resp.FailedLines, 1)
	assert.Equal(t, lineID.String(), resp.FailedLines[0].LineID)
	assert.Equal(t, "revoke", resp.FailedLines[0].Action)
}
