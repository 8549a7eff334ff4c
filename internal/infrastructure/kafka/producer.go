// Package kafka publishes checkout events and item grants.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	logger zerolog.Logger
	now    func() time.Time
}

// NewProducer creates a producer for one topic.
func NewProducer(brokers []string, topic string, logger zerolog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return newProducer(writer, logger.With().Str("topic", topic).Logger())
}

func newProducer(w messageWriter, logger zerolog.Logger) *Producer {
	return &Producer{writer: w, logger: logger, now: time.Now}
}

// PublishEvent writes event as JSON under key. Messages with the same key
// land on the same partition.
func (p *Producer) PublishEvent(ctx context.Context, key string, event any) error {
	return p.Publish(ctx, key, event, nil)
}

// Publish writes value as JSON with the given headers.
func (p *Producer) Publish(ctx context.Context, key string, value any, headers map[string]string) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  p.now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug().Str("key", key).Msg("event published")
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
