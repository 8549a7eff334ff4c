package refund

import (
	"testing"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefundableUntil_DaysCappedByGlobalMax(t *testing.T) {
	e := NewEngine(map[payment.Method]Rule{payment.MethodCard: ForDays(200)}, 14)
	paidAt := time.Date(2026, 1, 20, 9, 30, 0, 0, time.UTC)

	got := e.RefundableUntil(payment.MethodCard, paidAt)
	require.NotNil(t, got)
	assert.Equal(t, paidAt.AddDate(0, 0, 14), *got)
}

func TestRefundableUntil_StricterDaysKept(t *testing.T) {
	e := Default()
	paidAt := time.Date(2026, 1, 20, 9, 30, 0, 0, time.UTC)

	got := e.RefundableUntil(payment.MethodVirtualAccount, paidAt)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 1, 27, 9, 30, 0, 0, time.UTC), *got)
}

func TestRefundableUntil_NonPositiveDays(t *testing.T) {
	e := NewEngine(map[payment.Method]Rule{payment.MethodCard: ForDays(0)}, 14)
	assert.Nil(t, e.RefundableUntil(payment.MethodCard, time.Now()))
}

func TestRefundableUntil_NotRefundable(t *testing.T) {
	e := Default()
	assert.Nil(t, e.RefundableUntil(payment.MethodGiftCertificate, time.Now()))
}

func TestRefundableUntil_UnmappedMethodFailsClosed(t *testing.T) {
	e := Default()
	assert.Nil(t, e.RefundableUntil(payment.Method("CRYPTO"), time.Now()))
}

func TestRefundableUntil_EndOfMonth(t *testing.T) {
	e := Default()
	seoul := time.FixedZone("KST", 9*60*60)

	tests := []struct {
		name   string
		paidAt time.Time
		want   time.Time
	}{
		{
			name:   "mid month",
			paidAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			want:   time.Date(2026, 3, 31, 23, 59, 59, 999999999, time.UTC),
		},
		{
			name:   "leap february",
			paidAt: time.Date(2028, 2, 1, 0, 0, 0, 0, time.UTC),
			want:   time.Date(2028, 2, 29, 23, 59, 59, 999999999, time.UTC),
		},
		{
			name:   "december rolls year",
			paidAt: time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC),
			want:   time.Date(2026, 12, 31, 23, 59, 59, 999999999, time.UTC),
		},
		{
			name:   "uses payment location",
			paidAt: time.Date(2026, 4, 30, 23, 30, 0, 0, seoul),
			want:   time.Date(2026, 4, 30, 23, 59, 59, 999999999, seoul),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.RefundableUntil(payment.MethodMobilePhone, tt.paidAt)
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s got %s", tt.want, *got)
		})
	}
}

func TestRefundableUntil_Deterministic(t *testing.T) {
	e := Default()
	paidAt := time.Date(2026, 5, 5, 5, 5, 5, 5, time.UTC)

	for _, m := range []payment.Method{payment.MethodCard, payment.MethodMobilePhone, payment.MethodGiftCertificate} {
		a := e.RefundableUntil(m, paidAt)
		b := e.RefundableUntil(m, paidAt)
		assert.Equal(t, a, b)
	}
}

func TestNewEngine_CopiesTable(t *testing.T) {
	table := map[payment.Method]Rule{payment.MethodCard: ForDays(3)}
	e := NewEngine(table, 0)
	table[payment.MethodCard] = NoRefund()

	got := e.RefundableUntil(payment.MethodCard, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC), *got)
}

func TestEligible(t *testing.T) {
	paidAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, Eligible(&paidAt, paidAt))
	assert.False(t, Eligible(&paidAt, paidAt.Add(time.Second)))
	assert.False(t, Eligible(nil, paidAt))
}
