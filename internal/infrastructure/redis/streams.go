package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ReconcileStream = "payments:reconcile"
	DLQStream       = "payments:reconcile:dlq"
)

// StreamProducer appends reconciliation requests to ReconcileStream.
type StreamProducer struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewStreamProducer(client redis.UniversalClient) *StreamProducer {
	return &StreamProducer{client: client, now: time.Now}
}

// EnqueueReconcile asks a worker to settle paymentID against its provider.
func (p *StreamProducer) EnqueueReconcile(ctx context.Context, paymentID uuid.UUID, reason string) error {
	args := &redis.XAddArgs{
		Stream: ReconcileStream,
		Values: map[string]any{
			"payment_id": paymentID.String(),
			"reason":     reason,
			"timestamp":  p.now().Unix(),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to enqueue reconcile: %w", err)
	}
	return nil
}

func (p *StreamProducer) PublishToDLQ(ctx context.Context, msg redis.XMessage, reason string) error {
	values := map[string]any{
		"original_id": msg.ID,
		"reason":      reason,
		"timestamp":   p.now().Unix(),
	}
	for k, v := range msg.Values {
		values["original_"+k] = v
	}

	args := &redis.XAddArgs{
		Stream: DLQStream,
		Values: values,
	}
	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}

// ReconcileRequest is one decoded ReconcileStream entry.
type ReconcileRequest struct {
	MessageID string
	PaymentID uuid.UUID
	Reason    string
}

// ParseReconcile decodes a ReconcileStream entry.
func ParseReconcile(msg redis.XMessage) (ReconcileRequest, error) {
	raw, _ := msg.Values["payment_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return ReconcileRequest{}, fmt.Errorf("message %s: bad payment_id %q", msg.ID, raw)
	}
	reason, _ := msg.Values["reason"].(string)
	return ReconcileRequest{MessageID: msg.ID, PaymentID: id, Reason: reason}, nil
}

type StreamConsumer struct {
	client        redis.UniversalClient
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client redis.UniversalClient,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	// Create stream if it doesn't exist
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read returns new messages for this consumer, or nil when the block
// duration passes without any.
func (c *StreamConsumer) Read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	err := c.client.XAck(ctx, c.stream, c.group, messageID).Err()
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// ClaimIdle takes over messages left unacked by any consumer for at least
// minIdle, so a crashed worker's reconciliations are retried.
func (c *StreamConsumer) ClaimIdle(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	return messages, nil
}
