package testutil

import (
	"sync"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/google/uuid"
)

// Now is the reference instant used by fixtures.
var Now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func KRW(v int64) money.Amount {
	return money.Amount{Value: v, Currency: "KRW"}
}

func NewPointProduct(id string, price int64, grant int64) *product.Product {
	return &product.Product{
		ID:     id,
		Name:   "Points " + id,
		Type:   product.TypePoint,
		Price:  KRW(price),
		Grant:  grant,
		Active: true,
	}
}

func NewItemProduct(id string, price int64) *product.Product {
	return &product.Product{
		ID:     id,
		Name:   "Item " + id,
		Type:   product.TypeItem,
		Price:  KRW(price),
		Grant:  1,
		Active: true,
	}
}

// NewTestOrder builds a PENDING order with one line per product.
func NewTestOrder(buyerID string, method payment.Method, products map[*product.Product]int) *order.Order {
	var lines []*order.LineItem
	var total int64
	for p, qty := range products {
		lines = append(lines, &order.LineItem{
			ID:                uuid.New(),
			ProductID:         p.ID,
			ProductType:       p.Type,
			Quantity:          qty,
			UnitPrice:         p.Price,
			FulfillmentStatus: order.FulfillmentPending,
		})
		total += p.Price.Value * int64(qty)
	}
	return &order.Order{
		ID:            uuid.New(),
		BuyerID:       buyerID,
		PaymentMethod: method,
		Lines:         lines,
		Total:         KRW(total),
		Status:        order.StatusPending,
		CreatedAt:     Now,
		UpdatedAt:     Now,
	}
}

// NewCompletedPayment builds a COMPLETED payment for o, refundable until
// refundableUntil.
func NewCompletedPayment(o *order.Order, providerID string, refundableUntil *time.Time) *payment.Payment {
	paidAt := Now
	txID := "tx-" + o.ID.String()[:8]
	return &payment.Payment{
		ID:                    uuid.New(),
		OrderID:               o.ID,
		ProviderID:            providerID,
		Method:                o.PaymentMethod,
		Amount:                o.Total,
		Status:                payment.StatusCompleted,
		ProviderTransactionID: &txID,
		PaidAt:                &paidAt,
		RefundableUntil:       refundableUntil,
		ExpiresAt:             Now.Add(30 * time.Minute),
		CreatedAt:             Now,
		UpdatedAt:             Now,
	}
}

func TimePtr(t time.Time) *time.Time {
	return &t
}

func UUIDPtr(id uuid.UUID) *uuid.UUID {
	return &id
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
