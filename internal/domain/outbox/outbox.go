package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Event types written by the order service.
const (
	EventOrderCreated           = "order.created"
	EventOrderPaid              = "order.paid"
	EventOrderFulfilled         = "order.fulfilled"
	EventOrderCanceled          = "order.canceled"
	EventOrderPartiallyCanceled = "order.partially_canceled"
	EventPaymentFailed          = "payment.failed"
	EventPaymentConsistency     = "payment.consistency_error"
)

type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       map[string]any
	Status        Status
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func NewEntry(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]any, now time.Time) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		MaxRetries:    5,
		CreatedAt:     now,
	}
}

// Key is the partition key used when relaying the entry, so events of one
// aggregate stay ordered.
func (e *Entry) Key() string {
	return e.AggregateType + "-" + e.AggregateID.String()
}
