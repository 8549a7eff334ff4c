package service

import (
	"context"
	"fmt"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/fulfillment"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// RetryFulfillment re-runs failed grants and outstanding revocations of a
// paid order.
func (s *OrderService) RetryFulfillment(ctx context.Context, orderID uuid.UUID) (*FulfillmentResult, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.RetryFulfillment", attribute.String("order_id", orderID.String()))
	res, err := s.retryFulfillment(ctx, orderID)
	observability.EndSpan(span, err)
	return res, err
}

func (s *OrderService) retryFulfillment(ctx context.Context, orderID uuid.UUID) (*FulfillmentResult, error) {
	unlock, err := s.lock(ctx, orderKey(orderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsPaid() {
		return nil, domainErrors.NewDomainError("order_not_paid",
			fmt.Sprintf("order is %s", o.Status), domainErrors.ErrInvalidStateTransition)
	}
	p, err := s.capturedPayment(ctx, o)
	if err != nil {
		return nil, err
	}

	unlockPayment, err := s.lock(ctx, paymentKey(p.ID))
	if err != nil {
		return nil, err
	}
	defer unlockPayment()

	failures, err := s.fulfillLines(ctx, o, p)
	if err != nil {
		return nil, err
	}
	return &FulfillmentResult{Order: o, FailedLines: failures}, nil
}

// fulfillLines grants every line still owed to the buyer and revokes every
// granted quantity that was canceled since. Lines are handled independently;
// a failing line is recorded and reported without stopping the others.
func (s *OrderService) fulfillLines(ctx context.Context, o *order.Order, p *payment.Payment) ([]LineFailure, error) {
	if !o.IsPaid() {
		return nil, nil
	}

	from := o.Status
	changed := false
	var failures []LineFailure
	for _, l := range o.Lines {
		if l.NeedsFulfillment() {
			changed = true
			err := s.runHandler(ctx, o, p, l, fulfillment.ActionGrant, l.ActiveQuantity(), fulfillment.FulfillReference(l.ID))
			if err != nil {
				l.RecordFulfillmentFailed(err.Error())
				failures = append(failures, lineFailure(l, fulfillment.ActionGrant, err))
			} else {
				l.RecordFulfilled()
			}
		}

		if due := l.RevocationDue(); due > 0 {
			changed = true
			ref := fulfillment.RefundReference(l.ID, l.RevokedQuantity+due)
			if err := s.runHandler(ctx, o, p, l, fulfillment.ActionRevoke, due, ref); err != nil {
				failures = append(failures, lineFailure(l, fulfillment.ActionRevoke, err))
			} else {
				l.RecordRevoked(due)
			}
		}
	}
	if !changed {
		return nil, nil
	}

	var events []string
	if o.MarkFulfilledIfComplete(s.now()) {
		events = append(events, outbox.EventOrderFulfilled)
	}
	if err := s.saveOrder(ctx, o, from, events...); err != nil {
		return failures, err
	}
	if len(events) > 0 {
		s.metrics.RecordOrder(string(o.Status))
		s.logger.Info().Str("order_id", o.ID.String()).Msg("order fulfilled")
	}
	return failures, nil
}

func (s *OrderService) runHandler(ctx context.Context, o *order.Order, p *payment.Payment, l *order.LineItem, action string, qty int, ref string) error {
	h, err := s.fulfillment.Handler(l.ProductType)
	if err == nil {
		g := fulfillment.Grant{
			OrderID:   o.ID,
			LineID:    l.ID,
			PaymentID: p.ID,
			BuyerID:   o.BuyerID,
			ProductID: l.ProductID,
			Quantity:  qty,
			Reference: ref,
		}
		if action == fulfillment.ActionGrant {
			err = h.Fulfill(ctx, g)
		} else {
			err = h.Refund(ctx, g)
		}
	}

	s.metrics.RecordFulfillment(string(l.ProductType), action, err)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("order_id", o.ID.String()).
			Str("line_id", l.ID.String()).
			Str("product_id", l.ProductID).
			Str("action", action).
			Msg("fulfillment handler failed")
	}
	return err
}

func lineFailure(l *order.LineItem, action string, err error) LineFailure {
	return LineFailure{
		LineID:    l.ID,
		ProductID: l.ProductID,
		Action:    action,
		Reason:    err.Error(),
	}
}
