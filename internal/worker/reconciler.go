package worker

import (
	"context"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/checkout/internal/infrastructure/redis"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Stream is the consumer side of the reconcile stream.
type Stream interface {
	Read(ctx context.Context) ([]redis.XMessage, error)
	Ack(ctx context.Context, messageID string) error
	ClaimIdle(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error)
}

// DeadLetters receives messages that can never be processed.
type DeadLetters interface {
	PublishToDLQ(ctx context.Context, msg redis.XMessage, reason string) error
}

type PaymentReconciler interface {
	Reconcile(ctx context.Context, paymentID uuid.UUID) (*service.ReconcileResult, error)
}

// Reconciler consumes reconcile requests and settles each payment against
// its provider.
type Reconciler struct {
	stream  Stream
	dlq     DeadLetters
	service PaymentReconciler
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewReconciler(stream Stream, dlq DeadLetters, svc PaymentReconciler, metrics *observability.Metrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		stream:  stream,
		dlq:     dlq,
		service: svc,
		metrics: metrics,
		logger:  observability.Component(logger, "reconciler"),
	}
}

// Handle processes one message and reports whether it was acked. Messages
// that failed for a transient reason stay pending for ClaimIdle.
func (r *Reconciler) Handle(ctx context.Context, msg redis.XMessage) bool {
	start := time.Now()
	req, err := infraRedis.ParseReconcile(msg)
	if err != nil {
		r.deadLetter(ctx, msg, err.Error())
		r.metrics.RecordWorkerMessage(infraRedis.ReconcileStream, "invalid", time.Since(start))
		return r.ack(ctx, msg)
	}

	log := r.logger.With().Str("payment_id", req.PaymentID.String()).Str("reason", req.Reason).Logger()
	res, err := r.service.Reconcile(ctx, req.PaymentID)
	if err != nil {
		switch domainErrors.KindOf(err) {
		case domainErrors.KindProviderUnavailable, domainErrors.KindConflict, domainErrors.KindInternal:
			log.Warn().Err(err).Msg("Reconcile deferred")
			r.metrics.RecordWorkerMessage(infraRedis.ReconcileStream, "retry", time.Since(start))
			return false
		case domainErrors.KindNotFound:
			r.deadLetter(ctx, msg, err.Error())
		case domainErrors.KindConsistency:
			// Flagged by the service; needs an operator, not another attempt.
			log.Error().Err(err).Msg("Payment inconsistent with provider")
		default:
			log.Error().Err(err).Msg("Reconcile failed")
		}
		r.metrics.RecordWorkerMessage(infraRedis.ReconcileStream, "error", time.Since(start))
		return r.ack(ctx, msg)
	}

	log.Info().Str("action", string(res.Action)).Str("status", string(res.Payment.Status)).Msg("Payment reconciled")
	r.metrics.RecordWorkerMessage(infraRedis.ReconcileStream, "success", time.Since(start))
	return r.ack(ctx, msg)
}

func (r *Reconciler) ack(ctx context.Context, msg redis.XMessage) bool {
	if err := r.stream.Ack(ctx, msg.ID); err != nil {
		r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to ack message")
		return false
	}
	return true
}

func (r *Reconciler) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	r.logger.Warn().Str("message_id", msg.ID).Str("reason", reason).Msg("Moving message to DLQ")
	if err := r.dlq.PublishToDLQ(ctx, msg, reason); err != nil {
		r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to publish to DLQ")
	}
}

// Run reads the stream until ctx is done. Every claimInterval it also takes
// over messages idle for longer than minIdle.
func (r *Reconciler) Run(ctx context.Context, claimInterval, minIdle time.Duration) error {
	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastClaim) >= claimInterval {
			lastClaim = time.Now()
			claimed, err := r.stream.ClaimIdle(ctx, minIdle)
			if err != nil {
				r.logger.Error().Err(err).Msg("Failed to claim idle messages")
			}
			for _, msg := range claimed {
				r.Handle(ctx, msg)
			}
		}

		msgs, err := r.stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("Failed to read from stream")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			r.Handle(ctx, msg)
		}
	}
}
