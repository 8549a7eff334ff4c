package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Reconcile compares a payment with the provider's view and finishes
// whatever was left undone. Mismatches it cannot explain are flagged and
// left alone.
func (s *OrderService) Reconcile(ctx context.Context, paymentID uuid.UUID) (*ReconcileResult, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.Reconcile", attribute.String("payment_id", paymentID.String()))
	res, err := s.reconcile(ctx, paymentID)
	if res != nil {
		span.SetAttributes(attribute.String("action", string(res.Action)))
	}
	observability.EndSpan(span, err)
	return res, err
}

func (s *OrderService) reconcile(ctx context.Context, paymentID uuid.UUID) (*ReconcileResult, error) {
	o, p, unlock, err := s.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &ReconcileResult{Order: o, Payment: p, Action: ReconcileNoop}
	switch p.Status {
	case payment.StatusInitiated:
		res.Action, res.FailedLines, err = s.reconcileInitiated(ctx, o, p)
	case payment.StatusCancelPending:
		res.Action, res.FailedLines, err = s.reconcileCancel(ctx, o, p)
	case payment.StatusFailed:
		res.Action, err = s.reconcileFailed(ctx, o, p)
	default:
		res.Action, res.FailedLines, err = s.reconcilePaid(ctx, o, p)
	}

	s.logger.Info().
		Err(err).
		Str("payment_id", p.ID.String()).
		Str("order_id", o.ID.String()).
		Str("action", string(res.Action)).
		Str("payment_status", string(p.Status)).
		Msg("payment reconciled")
	return res, err
}

// SweepStale reconciles INITIATED and CANCEL_PENDING payments untouched for
// olderThan. It returns how many were reconciled without error.
func (s *OrderService) SweepStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.payments.ListStale(ctx,
		[]payment.Status{payment.StatusInitiated, payment.StatusCancelPending},
		s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.Reconcile(ctx, p.ID); err != nil {
			s.logger.Warn().Err(err).Str("payment_id", p.ID.String()).Msg("stale payment not reconciled")
			continue
		}
		n++
	}
	return n, nil
}

func (s *OrderService) queryProvider(ctx context.Context, o *order.Order, p *payment.Payment) (*providers.Outcome, error) {
	return providers.CallIdempotent(ctx, s.providers, providers.ID(p.ProviderID), "query_payment",
		func(ctx context.Context, prov providers.Provider) (*providers.Outcome, error) {
			return prov.QueryPayment(ctx, providerRef(o, p))
		})
}

func (s *OrderService) reconcileInitiated(ctx context.Context, o *order.Order, p *payment.Payment) (ReconcileAction, []LineFailure, error) {
	expired := p.Expired(s.now())
	out, err := s.queryProvider(ctx, o, p)
	if err != nil {
		// The provider has no record of a session that has run out.
		if providers.Definitive(err) && expired {
			return ReconcileFailed, nil, s.failPayment(ctx, p, "payment session expired")
		}
		return ReconcileStillPending, nil, err
	}

	switch out.Kind {
	case providers.OutcomeSucceeded:
		failures, err := s.complete(ctx, o, p, *out)
		if err != nil {
			return ReconcileInconsistencyFlag, failures, err
		}
		return ReconcileCompleted, failures, nil
	case providers.OutcomeFailed, providers.OutcomeCanceled:
		return ReconcileFailed, nil, s.failPayment(ctx, p, failureReason(*out))
	case providers.OutcomePending:
		if expired {
			return ReconcileFailed, nil, s.failPayment(ctx, p, "payment session expired")
		}
		return ReconcileStillPending, nil, nil
	}
	return ReconcileInconsistencyFlag, nil, s.flagInconsistency(ctx, p,
		fmt.Sprintf("provider reports %s for a payment never completed", out.Kind))
}

func (s *OrderService) reconcileCancel(ctx context.Context, o *order.Order, p *payment.Payment) (ReconcileAction, []LineFailure, error) {
	out, err := s.queryProvider(ctx, o, p)
	if err != nil {
		return ReconcileStillPending, nil, err
	}

	pc := p.PendingCancel
	switch out.CanceledAmount {
	case p.CanceledAmount + pc.Amount:
		failures, err := s.finishCancellation(ctx, o, p)
		if err != nil {
			return ReconcileInconsistencyFlag, failures, err
		}
		s.metrics.RecordCancellation(cancelScope(pc), "ok")
		return ReconcileCancelFinalized, failures, nil
	case p.CanceledAmount:
		if s.now().Sub(pc.RequestedAt) < s.cancelGrace {
			return ReconcileStillPending, nil, fmt.Errorf("cancellation of payment %s requested %s ago, not visible yet", p.ID, s.now().Sub(pc.RequestedAt))
		}
		if err := p.AbortCancel("cancellation not applied by provider", s.now()); err != nil {
			return ReconcileStillPending, nil, err
		}
		if err := s.payments.Update(ctx, p, payment.StatusCancelPending); err != nil {
			return ReconcileStillPending, nil, err
		}
		s.metrics.RecordCancellation(cancelScope(pc), "reverted")
		return ReconcileCancelReverted, nil, nil
	}
	return ReconcileInconsistencyFlag, nil, s.flagInconsistency(ctx, p,
		fmt.Sprintf("provider reports %d canceled, expected %d or %d", out.CanceledAmount, p.CanceledAmount, p.CanceledAmount+pc.Amount))
}

func (s *OrderService) reconcileFailed(ctx context.Context, o *order.Order, p *payment.Payment) (ReconcileAction, error) {
	out, err := s.queryProvider(ctx, o, p)
	if err != nil || out.Kind != providers.OutcomeSucceeded {
		return ReconcileNoop, nil
	}
	return ReconcileInconsistencyFlag, s.flagInconsistency(ctx, p, "provider captured a payment recorded as failed")
}

// reconcilePaid catches the order up with a captured payment and checks
// that the provider has not canceled anything behind our back.
func (s *OrderService) reconcilePaid(ctx context.Context, o *order.Order, p *payment.Payment) (ReconcileAction, []LineFailure, error) {
	version := o.Version
	failures, err := s.advanceOrder(ctx, o, p)
	if err != nil {
		return ReconcileStillPending, failures, err
	}
	action := ReconcileNoop
	if o.Version != version {
		action = ReconcileResumed
	}
	if p.Status == payment.StatusCanceled {
		return action, failures, nil
	}

	out, err := s.queryProvider(ctx, o, p)
	if err != nil {
		s.logger.Warn().Err(err).Str("payment_id", p.ID.String()).Msg("provider state unavailable, skipped comparison")
		return action, failures, nil
	}
	if out.CanceledAmount != p.CanceledAmount {
		return ReconcileInconsistencyFlag, failures, s.flagInconsistency(ctx, p,
			fmt.Sprintf("provider reports %d canceled, recorded %d", out.CanceledAmount, p.CanceledAmount))
	}
	return action, failures, nil
}

func cancelScope(pc *payment.PendingCancel) string {
	if pc.Full {
		return scopeFull
	}
	return scopePartial
}
