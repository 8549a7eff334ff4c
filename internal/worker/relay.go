// Package worker holds the background loops run by cmd/worker.
package worker

import (
	"context"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// EventPublisher delivers outbox entries to the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value any, headers map[string]string) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// OutboxEvent is the message written for every relayed entry.
type OutboxEvent struct {
	ID            string         `json:"id"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Relay publishes pending outbox entries in creation order.
type Relay struct {
	txManager TransactionManager
	outbox    outbox.Repository
	publisher EventPublisher
	batchSize int
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewRelay(txManager TransactionManager, repo outbox.Repository, publisher EventPublisher, batchSize int, metrics *observability.Metrics, logger zerolog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Relay{
		txManager: txManager,
		outbox:    repo,
		publisher: publisher,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    observability.Component(logger, "outbox_relay"),
	}
}

// RelayOnce claims one batch and publishes it. A failed publish is counted
// against the entry and does not stop the batch.
func (r *Relay) RelayOnce(ctx context.Context) (published int, err error) {
	err = r.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		entries, err := r.outbox.GetPending(txCtx, r.batchSize)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := r.publish(txCtx, e); err != nil {
				r.logger.Error().Err(err).
					Str("outbox_id", e.ID.String()).
					Str("event_type", e.EventType).
					Int("retry_count", e.RetryCount).
					Msg("Failed to publish outbox event")
				r.metrics.RecordOutbox("failed")
				if err := r.outbox.MarkFailed(txCtx, e.ID); err != nil {
					return err
				}
				continue
			}
			if err := r.outbox.MarkPublished(txCtx, e.ID); err != nil {
				return err
			}
			r.metrics.RecordOutbox("published")
			published++
		}
		return nil
	})
	return published, err
}

func (r *Relay) publish(ctx context.Context, e *outbox.Entry) error {
	return r.publisher.Publish(ctx, e.Key(), OutboxEvent{
		ID:            e.ID.String(),
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID.String(),
		EventType:     e.EventType,
		Payload:       e.Payload,
		OccurredAt:    e.CreatedAt,
	}, map[string]string{"event_type": e.EventType})
}

// Run relays every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		start := time.Now()
		n, err := r.RelayOnce(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("Outbox relay error")
			r.metrics.RecordWorkerMessage("outbox", "error", time.Since(start))
			continue
		}
		if n > 0 {
			r.logger.Debug().Int("published", n).Msg("Outbox batch relayed")
			r.metrics.RecordWorkerMessage("outbox", "success", time.Since(start))
		}
	}
}
