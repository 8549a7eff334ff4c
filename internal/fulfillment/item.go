package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	ActionGrant  = "GRANT"
	ActionRevoke = "REVOKE"
)

// Publisher sends an event to the item domain.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event any) error
}

// ItemEvent is consumed by the item domain, which dedupes on Reference.
type ItemEvent struct {
	Action     string    `json:"action"`
	Reference  string    `json:"reference"`
	OrderID    string    `json:"order_id"`
	LineID     string    `json:"line_id"`
	PaymentID  string    `json:"payment_id"`
	BuyerID    string    `json:"buyer_id"`
	ProductID  string    `json:"product_id"`
	Quantity   int       `json:"quantity"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ItemHandler hands item grants and revocations to the item domain through
// the event bus. Delivery is at-least-once.
type ItemHandler struct {
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewItemHandler(publisher Publisher, logger zerolog.Logger) *ItemHandler {
	return &ItemHandler{
		publisher: publisher,
		logger:    logger.With().Str("handler", "item").Logger(),
		now:       time.Now,
	}
}

func (h *ItemHandler) Fulfill(ctx context.Context, g Grant) error {
	return h.publish(ctx, ActionGrant, g)
}

func (h *ItemHandler) Refund(ctx context.Context, g Grant) error {
	return h.publish(ctx, ActionRevoke, g)
}

func (h *ItemHandler) publish(ctx context.Context, action string, g Grant) error {
	ev := ItemEvent{
		Action:     action,
		Reference:  g.Reference,
		OrderID:    g.OrderID.String(),
		LineID:     g.LineID.String(),
		PaymentID:  g.PaymentID.String(),
		BuyerID:    g.BuyerID,
		ProductID:  g.ProductID,
		Quantity:   g.Quantity,
		OccurredAt: h.now(),
	}
	key := fmt.Sprintf("%s/%s/%s", g.OrderID, g.LineID, action)
	if err := h.publisher.PublishEvent(ctx, key, ev); err != nil {
		return fmt.Errorf("publish item %s: %w", action, err)
	}
	h.logger.Info().Str("key", key).Int("quantity", g.Quantity).Msg("item event published")
	return nil
}
