package outbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry(t *testing.T) {
	aggregateID := uuid.New()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	payload := map[string]any{
		"order_id": aggregateID.String(),
		"total":    10000,
		"currency": "KRW",
	}

	entry := NewEntry("order", aggregateID, EventOrderPaid, payload, now)

	require.NotNil(t, entry)
	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.Equal(t, "order", entry.AggregateType)
	assert.Equal(t, aggregateID, entry.AggregateID)
	assert.Equal(t, "order.paid", entry.EventType)
	assert.Equal(t, payload, entry.Payload)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Equal(t, 5, entry.MaxRetries)
	assert.Equal(t, now, entry.CreatedAt)
	assert.Nil(t, entry.PublishedAt)
}

func TestEntry_Key(t *testing.T) {
	id := uuid.MustParse("7f1c2a38-39a4-4e53-9a67-5b0f0b1f8e10")
	entry := NewEntry("payment", id, EventPaymentConsistency, nil, time.Now())

	assert.Equal(t, "payment-7f1c2a38-39a4-4e53-9a67-5b0f0b1f8e10", entry.Key())
}

func TestEntry_UniqueIDs(t *testing.T) {
	aggregateID := uuid.New()
	a := NewEntry("order", aggregateID, EventOrderCreated, nil, time.Now())
	b := NewEntry("order", aggregateID, EventOrderCreated, nil, time.Now())

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Key(), b.Key())
}
