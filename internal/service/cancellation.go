package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/domain/refund"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/providers"
	"go.opentelemetry.io/otel/attribute"
)

const (
	scopeUnpaid  = "unpaid"
	scopeFull    = "full"
	scopePartial = "partial"
)

// CancelOrder cancels everything left on the order. An unpaid order is
// canceled locally; a paid one is refunded through its provider first.
func (s *OrderService) CancelOrder(ctx context.Context, req CancelOrderRequest) (*CancelResult, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.CancelOrder", attribute.String("order_id", req.OrderID.String()))
	res, err := s.cancelOrder(ctx, req)
	observability.EndSpan(span, err)
	return res, err
}

func (s *OrderService) cancelOrder(ctx context.Context, req CancelOrderRequest) (*CancelResult, error) {
	unlock, err := s.lock(ctx, orderKey(req.OrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	switch o.Status {
	case order.StatusPending:
		return s.cancelUnpaid(ctx, o, req)
	case order.StatusCanceled:
		return nil, domainErrors.NewDomainError("already_canceled", "order is already canceled", domainErrors.ErrInvalidStateTransition)
	}

	p, err := s.capturedPayment(ctx, o)
	if err != nil {
		return nil, err
	}
	return s.cancelPaid(ctx, o, p, payment.PendingCancel{
		Lines:   o.RemainingCancellation(),
		Full:    true,
		Reason:  req.Reason,
		ActorID: req.ActorID,
	}, scopeFull)
}

// CancelOrderPartial refunds the given line quantities. Requests that do
// not fit the order are rejected before anything changes.
func (s *OrderService) CancelOrderPartial(ctx context.Context, req PartialCancelRequest) (*CancelResult, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.CancelOrderPartial", attribute.String("order_id", req.OrderID.String()))
	res, err := s.cancelOrderPartial(ctx, req)
	observability.EndSpan(span, err)
	return res, err
}

func (s *OrderService) cancelOrderPartial(ctx context.Context, req PartialCancelRequest) (*CancelResult, error) {
	unlock, err := s.lock(ctx, orderKey(req.OrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Status == order.StatusPending || o.Status == order.StatusCanceled {
		return nil, domainErrors.NewDomainError("not_partially_cancelable",
			fmt.Sprintf("order is %s", o.Status), domainErrors.ErrInvalidStateTransition)
	}

	amount, err := o.CancellationAmount(req.Lines)
	if err != nil {
		return nil, err
	}
	p, err := s.capturedPayment(ctx, o)
	if err != nil {
		return nil, err
	}
	return s.cancelPaid(ctx, o, p, payment.PendingCancel{
		Amount:  amount,
		Lines:   req.Lines,
		Reason:  req.Reason,
		ActorID: req.ActorID,
	}, scopePartial)
}

func (s *OrderService) cancelUnpaid(ctx context.Context, o *order.Order, req CancelOrderRequest) (*CancelResult, error) {
	attempts, err := s.payments.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range attempts {
		if p.IsPaid() {
			s.enqueueReconcile(ctx, p, "captured payment on pending order")
			return nil, fmt.Errorf("payment %s is captured and awaiting reconciliation: %w", p.ID, domainErrors.ErrPaymentInProgress)
		}
	}
	for _, p := range attempts {
		if p.Status != payment.StatusInitiated {
			continue
		}
		if err := s.failPayment(ctx, p, "order canceled"); err != nil {
			return nil, err
		}
	}

	if err := o.CancelUnpaid(req.Reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.saveOrder(ctx, o, order.StatusPending, outbox.EventOrderCanceled); err != nil {
		return nil, err
	}
	s.metrics.RecordOrder(string(o.Status))
	s.metrics.RecordCancellation(scopeUnpaid, "ok")
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("actor_id", req.ActorID).
		Msg("unpaid order canceled")
	return &CancelResult{Order: o}, nil
}

// capturedPayment returns the newest payment that took money for o.
func (s *OrderService) capturedPayment(ctx context.Context, o *order.Order) (*payment.Payment, error) {
	attempts, err := s.payments.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range attempts {
		if p.IsPaid() {
			return p, nil
		}
	}
	return nil, fmt.Errorf("order %s has no captured payment: %w", o.ID, domainErrors.ErrPaymentNotFound)
}

// cancelPaid runs one provider cancellation. The payment sits in
// CANCEL_PENDING while the provider is asked; if the answer is lost it stays
// there for reconciliation.
func (s *OrderService) cancelPaid(ctx context.Context, o *order.Order, p *payment.Payment, pc payment.PendingCancel, scope string) (*CancelResult, error) {
	unlock, err := s.lock(ctx, paymentKey(p.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err = s.payments.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if p.Status == payment.StatusCancelPending {
		return nil, fmt.Errorf("payment %s: %w", p.ID, domainErrors.ErrCancellationPending)
	}

	now := s.now()
	if !refund.Eligible(p.RefundableUntil, now) {
		s.metrics.RecordCancellation(scope, "window_expired")
		return nil, fmt.Errorf("payment %s %s: %w", p.ID, describeWindow(p.RefundableUntil), domainErrors.ErrRefundWindowExpired)
	}

	if pc.Full {
		pc.Amount = p.Remaining()
	}
	prior := p.Status
	if err := p.BeginCancel(pc, now); err != nil {
		return nil, err
	}
	if err := s.payments.Update(ctx, p, prior); err != nil {
		return nil, err
	}

	req := providers.CancelRequest{
		Ref:            providerRef(o, p),
		Amount:         pc.Amount,
		Reason:         pc.Reason,
		ActorID:        pc.ActorID,
		IdempotencyKey: fmt.Sprintf("%s:%d", p.ID, p.PendingCancel.RequestedAt.UnixNano()),
	}
	op := "cancel_partial"
	if pc.Full {
		op = "cancel"
	}
	cr, err := providers.Call(ctx, s.providers, providers.ID(p.ProviderID), op,
		func(ctx context.Context, prov providers.Provider) (*providers.CancelResult, error) {
			if pc.Full {
				return prov.CancelPayment(ctx, req)
			}
			return prov.CancelPaymentPartial(ctx, req)
		})

	// The outcome must be recorded even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		return nil, s.handleCancelError(ctx, p, scope, err)
	}

	expected := p.CanceledAmount + pc.Amount
	if cr != nil && cr.CanceledAmount != 0 && cr.CanceledAmount != expected {
		_ = s.flagInconsistency(ctx, p, fmt.Sprintf("provider reports %d canceled in total, expected %d", cr.CanceledAmount, expected))
	}

	failures, err := s.finishCancellation(ctx, o, p)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCancellation(scope, "ok")
	return &CancelResult{Order: o, Payment: p, RefundedAmount: pc.Amount, FailedLines: failures}, nil
}

// handleCancelError rolls a declined cancellation back and leaves an
// undecided one pending.
func (s *OrderService) handleCancelError(ctx context.Context, p *payment.Payment, scope string, cause error) error {
	log := s.logger.With().
		Str("payment_id", p.ID.String()).
		Str("order_id", p.OrderID.String()).
		Str("provider", p.ProviderID).
		Logger()

	if providers.Definitive(cause) {
		s.metrics.RecordCancellation(scope, "declined")
		if err := p.AbortCancel(cause.Error(), s.now()); err != nil {
			return errors.Join(cause, err)
		}
		if err := s.payments.Update(ctx, p, payment.StatusCancelPending); err != nil {
			log.Error().Err(err).Msg("failed to roll back declined cancellation")
			s.enqueueReconcile(ctx, p, "cancel rollback not persisted")
			return errors.Join(cause, err)
		}
		log.Warn().Err(cause).Msg("provider declined cancellation")
		return cause
	}

	s.metrics.RecordCancellation(scope, "pending")
	s.enqueueReconcile(ctx, p, "cancel outcome unknown")
	log.Warn().Err(cause).Msg("cancellation outcome unknown, left pending")
	return fmt.Errorf("payment %s: %w: %v", p.ID, domainErrors.ErrCancellationPending, cause)
}

// finishCancellation applies a provider-confirmed cancellation to the
// payment and the order together, then takes back what the buyer no longer
// paid for.
func (s *OrderService) finishCancellation(ctx context.Context, o *order.Order, p *payment.Payment) ([]LineFailure, error) {
	pc := *p.PendingCancel
	now := s.now()
	if err := p.FinishCancel(now); err != nil {
		return nil, err
	}
	orderFrom := o.Status
	if err := o.ApplyCancellation(pc.Lines, pc.Reason, now); err != nil {
		return nil, s.flagInconsistency(ctx, p, fmt.Sprintf("provider confirmed cancellation the order rejects: %v", err))
	}

	event := outbox.EventOrderPartiallyCanceled
	if o.Status == order.StatusCanceled {
		event = outbox.EventOrderCanceled
	}
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.payments.Update(txCtx, p, payment.StatusCancelPending); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, o, orderFrom); err != nil {
			return err
		}
		return s.outbox.Insert(txCtx, s.orderEvent(o, event))
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPayment(p.ProviderID, string(p.Status))
	s.metrics.RecordOrder(string(o.Status))
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("payment_id", p.ID.String()).
		Int64("amount", pc.Amount).
		Str("order_status", string(o.Status)).
		Str("payment_status", string(p.Status)).
		Msg("cancellation applied")

	return s.fulfillLines(ctx, o, p)
}

func describeWindow(until *time.Time) string {
	if until == nil {
		return "is not refundable"
	}
	return "was refundable until " + until.Format(time.RFC3339)
}
