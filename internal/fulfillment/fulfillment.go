// Package fulfillment delivers what a paid order line bought, and takes it back
// when the line is cancelled. Handlers are chosen by product type.
package fulfillment

import (
	"context"
	"fmt"
	"sync"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/google/uuid"
)

// Grant is one fulfillment or refund instruction for an order line.
// Reference is unique per effect; handlers use it to stay idempotent.
type Grant struct {
	OrderID   uuid.UUID
	LineID    uuid.UUID
	PaymentID uuid.UUID
	BuyerID   string
	ProductID string
	Quantity  int
	Reference string
}

// Handler applies grants for one product type. Both methods must be safe to
// repeat with the same Grant.
type Handler interface {
	Fulfill(ctx context.Context, g Grant) error
	Refund(ctx context.Context, g Grant) error
}

// TransactionManager runs fn inside one store transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// FulfillReference identifies the single grant of a line.
func FulfillReference(lineID uuid.UUID) string {
	return "fulfill:" + lineID.String()
}

// RefundReference identifies the revocation that brings a line's revoked
// quantity up to revokedTotal.
func RefundReference(lineID uuid.UUID, revokedTotal int) string {
	return fmt.Sprintf("refund:%s:%d", lineID, revokedTotal)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[product.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[product.Type]Handler)}
}

func (r *Registry) Register(t product.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Handler returns the handler for t, or ErrUnsupportedProductType.
func (r *Registry) Handler(t product.Type) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("product type %q: %w", t, domainErrors.ErrUnsupportedProductType)
	}
	return h, nil
}
