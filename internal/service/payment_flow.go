package service

import (
	"context"
	"fmt"
	"net/url"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/cassiomorais/checkout/pkg/saga"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// StartPayment opens a payment session for a PENDING order. The order stays
// PENDING until the provider reports the outcome.
func (s *OrderService) StartPayment(ctx context.Context, req StartPaymentRequest) (*PaymentSession, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.StartPayment",
		attribute.String("order_id", req.OrderID.String()),
		attribute.String("provider", string(req.ProviderID)),
	)
	res, err := s.startPayment(ctx, req)
	observability.EndSpan(span, err)
	return res, err
}

func (s *OrderService) startPayment(ctx context.Context, req StartPaymentRequest) (*PaymentSession, error) {
	prov, err := s.providers.Resolve(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedFlow != "" && prov.Flow() != req.ExpectedFlow {
		return nil, fmt.Errorf("provider %s uses %s, not %s: %w", prov.ID(), prov.Flow(), req.ExpectedFlow, domainErrors.ErrFlowMismatch)
	}
	open, err := s.sessionOpener(prov)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, orderKey(req.OrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusPending {
		return nil, domainErrors.NewDomainError("order_not_payable",
			fmt.Sprintf("order is %s", o.Status), domainErrors.ErrInvalidStateTransition)
	}
	if err := s.supersedeAttempts(ctx, o); err != nil {
		return nil, err
	}

	now := s.now()
	p, err := payment.NewPayment(o.ID, string(prov.ID()), o.PaymentMethod, o.Total, now, now.Add(s.sessionTTL))
	if err != nil {
		return nil, err
	}
	preq := providers.PaymentRequest{
		PaymentID: p.ID,
		OrderID:   o.ID,
		BuyerID:   o.BuyerID,
		OrderName: orderName(o, req.OrderName),
		Quantity:  totalQuantity(o),
		Amount:    o.Total,
		Method:    o.PaymentMethod,
	}
	result := &PaymentSession{Payment: p, Flow: prov.Flow()}

	sg := saga.New("start_payment", s.logger).
		AddStep(saga.Step{
			Name:    "create_payment",
			Execute: func(ctx context.Context) error { return s.payments.Create(ctx, p) },
			Compensate: func(ctx context.Context) error {
				if err := p.MarkFailed("payment session could not be opened", s.now()); err != nil {
					return err
				}
				return s.payments.Update(ctx, p, payment.StatusInitiated)
			},
		}).
		AddStep(saga.Step{
			Name:    "open_session",
			Execute: func(ctx context.Context) error { return open(ctx, p, preq, result) },
		})
	if err := sg.Execute(ctx); err != nil {
		s.metrics.RecordPayment(p.ProviderID, string(payment.StatusFailed))
		return nil, err
	}

	s.metrics.RecordPayment(p.ProviderID, string(p.Status))
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("payment_id", p.ID.String()).
		Str("provider", p.ProviderID).
		Str("flow", string(result.Flow)).
		Msg("payment session opened")
	return result, nil
}

type sessionOpenFunc func(ctx context.Context, p *payment.Payment, req providers.PaymentRequest, out *PaymentSession) error

// sessionOpener picks the initiation call matching the provider's flow.
func (s *OrderService) sessionOpener(prov providers.Provider) (sessionOpenFunc, error) {
	id := prov.ID()
	switch prov.Flow() {
	case providers.FlowServerInitiated:
		si, ok := prov.(providers.ServerInitiated)
		if !ok {
			return nil, fmt.Errorf("provider %s cannot initiate server side: %w", id, domainErrors.ErrFlowMismatch)
		}
		return func(ctx context.Context, p *payment.Payment, req providers.PaymentRequest, out *PaymentSession) error {
			sess, err := providers.Call(ctx, s.providers, id, "request_payment",
				func(ctx context.Context, _ providers.Provider) (*providers.Session, error) {
					return si.RequestPayment(ctx, req)
				})
			if err != nil {
				return err
			}
			p.SetTransactionID(sess.TransactionID)
			if err := s.payments.Update(ctx, p, payment.StatusInitiated); err != nil {
				return err
			}
			out.Session = sess
			return nil
		}, nil
	case providers.FlowClientInitiated:
		ci, ok := prov.(providers.ClientInitiated)
		if !ok {
			return nil, fmt.Errorf("provider %s cannot prepare client side: %w", id, domainErrors.ErrFlowMismatch)
		}
		return func(ctx context.Context, _ *payment.Payment, req providers.PaymentRequest, out *PaymentSession) error {
			cs, err := providers.Call(ctx, s.providers, id, "prepare_payment",
				func(ctx context.Context, _ providers.Provider) (*providers.ClientSession, error) {
					return ci.PreparePayment(ctx, req)
				})
			if err != nil {
				return err
			}
			out.ClientSession = cs
			return nil
		}, nil
	}
	return nil, fmt.Errorf("provider %s has unknown flow %q: %w", id, prov.Flow(), domainErrors.ErrUnsupportedProvider)
}

// supersedeAttempts enforces a single live attempt per order. An expired
// INITIATED payment is settled against the provider before it is replaced.
func (s *OrderService) supersedeAttempts(ctx context.Context, o *order.Order) error {
	attempts, err := s.payments.ListByOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, p := range attempts {
		switch {
		case p.IsPaid():
			s.enqueueReconcile(ctx, p, "captured payment on pending order")
			return fmt.Errorf("payment %s is captured and awaiting reconciliation: %w", p.ID, domainErrors.ErrPaymentInProgress)
		case p.Status != payment.StatusInitiated:
			continue
		case !p.Expired(now):
			return fmt.Errorf("payment %s expires at %s: %w", p.ID, p.ExpiresAt.Format(time.RFC3339), domainErrors.ErrPaymentInProgress)
		}

		action, _, err := s.reconcileInitiated(ctx, o, p)
		if err != nil {
			return err
		}
		if action == ReconcileCompleted {
			return domainErrors.NewDomainError("order_not_payable",
				fmt.Sprintf("payment %s completed, order is %s", p.ID, o.Status), domainErrors.ErrInvalidStateTransition)
		}
	}
	return nil
}

// ConfirmPayment finishes a client-initiated payment after the buyer's client
// reports success.
func (s *OrderService) ConfirmPayment(ctx context.Context, paymentID uuid.UUID, payload providers.Payload) (*PaymentResult, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.ConfirmPayment", attribute.String("payment_id", paymentID.String()))
	res, err := s.confirmPayment(ctx, paymentID, payload)
	observability.EndSpan(span, err)
	return res, err
}

func (s *OrderService) confirmPayment(ctx context.Context, paymentID uuid.UUID, payload providers.Payload) (*PaymentResult, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	prov, err := s.providers.Resolve(providers.ID(p.ProviderID))
	if err != nil {
		return nil, err
	}
	ci, ok := prov.(providers.ClientInitiated)
	if !ok || prov.Flow() != providers.FlowClientInitiated {
		return nil, fmt.Errorf("provider %s is not client initiated: %w", prov.ID(), domainErrors.ErrFlowMismatch)
	}

	o, p, unlock, err := s.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.IsPaid() {
		failures, err := s.advanceOrder(ctx, o, p)
		return &PaymentResult{Order: o, Payment: p, FailedLines: failures}, err
	}
	if p.Status != payment.StatusInitiated {
		return nil, domainErrors.NewDomainError("payment_not_confirmable",
			fmt.Sprintf("payment is %s", p.Status), domainErrors.ErrInvalidStateTransition)
	}

	conf, err := providers.Call(ctx, s.providers, prov.ID(), "confirm_payment",
		func(ctx context.Context, _ providers.Provider) (*providers.Confirmation, error) {
			return ci.ConfirmPayment(ctx, providers.ConfirmRequest{Ref: providerRef(o, p), Payload: payload})
		})
	if err != nil {
		if !providers.Definitive(err) {
			s.enqueueReconcile(ctx, p, "confirm outcome unknown")
		}
		return nil, err
	}

	out := conf.Outcome
	if conf.Success {
		out.Kind = providers.OutcomeSucceeded
	} else if out.Kind == "" || out.Kind == providers.OutcomeSucceeded || out.Kind == providers.OutcomePending {
		out.Kind = providers.OutcomeFailed
	}
	res, err := s.applyOutcome(context.WithoutCancel(ctx), o, p, out)
	if res != nil && conf.Message != "" {
		res.Message = conf.Message
	}
	return res, err
}

// OnPaymentCallback applies a signed server-to-server notification.
// Re-delivery of an already applied outcome changes nothing.
func (s *OrderService) OnPaymentCallback(ctx context.Context, paymentID uuid.UUID, providerID providers.ID, payload providers.Payload) (*PaymentResult, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.OnPaymentCallback",
		attribute.String("payment_id", paymentID.String()),
		attribute.String("provider", string(providerID)),
	)
	res, err := s.onPaymentCallback(ctx, paymentID, providerID, payload)
	observability.EndSpan(span, err)
	return res, err
}

func (s *OrderService) onPaymentCallback(ctx context.Context, paymentID uuid.UUID, providerID providers.ID, payload providers.Payload) (*PaymentResult, error) {
	prov, err := s.resolveFor(ctx, paymentID, providerID)
	if err != nil {
		return nil, err
	}
	if !prov.VerifyCallback(ctx, payload) {
		s.logger.Warn().
			Str("payment_id", paymentID.String()).
			Str("provider", string(providerID)).
			Msg("callback signature rejected")
		return nil, fmt.Errorf("payment %s: %w", paymentID, domainErrors.ErrInvalidSignature)
	}

	o, p, unlock, err := s.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out, err := providers.Call(ctx, s.providers, providerID, "callback",
		func(ctx context.Context, pr providers.Provider) (*providers.Outcome, error) {
			return pr.HandleCallback(ctx, providerRef(o, p), payload)
		})
	if err != nil {
		return nil, err
	}
	return s.applyOutcome(context.WithoutCancel(ctx), o, p, *out)
}

// OnPaymentReturn handles the buyer's browser coming back from the gateway.
// RedirectURL is set whenever the result is non-nil, even alongside an error.
func (s *OrderService) OnPaymentReturn(ctx context.Context, paymentID uuid.UUID, providerID providers.ID, payload providers.Payload) (*ReturnResult, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.OnPaymentReturn",
		attribute.String("payment_id", paymentID.String()),
		attribute.String("provider", string(providerID)),
	)
	res, err := s.onPaymentReturn(ctx, paymentID, providerID, payload)
	observability.EndSpan(span, err)
	return res, err
}

func (s *OrderService) onPaymentReturn(ctx context.Context, paymentID uuid.UUID, providerID providers.ID, payload providers.Payload) (*ReturnResult, error) {
	if _, err := s.resolveFor(ctx, paymentID, providerID); err != nil {
		return nil, err
	}

	o, p, unlock, err := s.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A second return must not approve again.
	if p.Status != payment.StatusInitiated {
		res := &ReturnResult{PaymentResult: &PaymentResult{Order: o, Payment: p}, RedirectURL: s.settledRedirect(p)}
		if p.IsPaid() {
			failures, err := s.advanceOrder(ctx, o, p)
			res.FailedLines = failures
			return res, err
		}
		return res, nil
	}

	rr, err := providers.Call(ctx, s.providers, providerID, "return",
		func(ctx context.Context, pr providers.Provider) (*providers.ReturnResult, error) {
			return pr.HandleReturn(ctx, providerRef(o, p), payload)
		})
	if err != nil {
		if !providers.Definitive(err) {
			s.enqueueReconcile(ctx, p, "return outcome unknown")
		}
		return nil, err
	}

	res, err := s.applyOutcome(context.WithoutCancel(ctx), o, p, rr.Outcome)
	redirect := rr.RedirectURL
	if redirect == "" {
		redirect = s.settledRedirect(p)
	}
	return &ReturnResult{PaymentResult: res, RedirectURL: redirect}, err
}

// OnPaymentCancel handles a buyer abandoning the payment at the gateway.
func (s *OrderService) OnPaymentCancel(ctx context.Context, paymentID uuid.UUID, providerID providers.ID, payload providers.Payload) (*ReturnResult, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.OnPaymentCancel",
		attribute.String("payment_id", paymentID.String()),
		attribute.String("provider", string(providerID)),
	)
	res, err := s.onPaymentCancel(ctx, paymentID, providerID, payload)
	observability.EndSpan(span, err)
	return res, err
}

func (s *OrderService) onPaymentCancel(ctx context.Context, paymentID uuid.UUID, providerID providers.ID, payload providers.Payload) (*ReturnResult, error) {
	if _, err := s.resolveFor(ctx, paymentID, providerID); err != nil {
		return nil, err
	}

	o, p, unlock, err := s.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out, err := providers.Call(ctx, s.providers, providerID, "cancel_notice",
		func(ctx context.Context, pr providers.Provider) (*providers.Outcome, error) {
			return pr.HandleCancel(ctx, providerRef(o, p), payload)
		})
	if err != nil {
		return nil, err
	}

	err = s.applyGatewayCancel(context.WithoutCancel(ctx), o, p, *out)
	return &ReturnResult{
		PaymentResult: &PaymentResult{Order: o, Payment: p, Message: out.Message},
		RedirectURL:   s.settledRedirect(p),
	}, err
}

// resolveFor checks that providerID is registered and owns the payment.
func (s *OrderService) resolveFor(ctx context.Context, paymentID uuid.UUID, providerID providers.ID) (providers.Provider, error) {
	prov, err := s.providers.Resolve(providerID)
	if err != nil {
		return nil, err
	}
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.ProviderID != string(providerID) {
		return nil, domainErrors.NewValidationError("provider", fmt.Sprintf("payment %s belongs to %s", p.ID, p.ProviderID))
	}
	return prov, nil
}

func (s *OrderService) settledRedirect(p *payment.Payment) string {
	if s.returnURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("order_id", p.OrderID.String())
	q.Set("payment_id", p.ID.String())
	q.Set("result", string(p.Status))
	return s.returnURL + "?" + q.Encode()
}

// applyOutcome moves the payment, and through it the order, to whatever the
// provider reported. Callers hold the order and payment locks.
func (s *OrderService) applyOutcome(ctx context.Context, o *order.Order, p *payment.Payment, out providers.Outcome) (*PaymentResult, error) {
	res := &PaymentResult{Order: o, Payment: p, Message: out.Message}
	switch out.Kind {
	case providers.OutcomeSucceeded:
		failures, err := s.complete(ctx, o, p, out)
		res.FailedLines = failures
		return res, err
	case providers.OutcomeFailed:
		return res, s.applyFailure(ctx, p, out)
	case providers.OutcomeCanceled, providers.OutcomePartiallyCanceled:
		return res, s.applyGatewayCancel(ctx, o, p, out)
	}
	return res, nil
}

// complete is the single path from a captured payment to a fulfilled order.
// Each step is skipped when already done, so it is safe to run again.
func (s *OrderService) complete(ctx context.Context, o *order.Order, p *payment.Payment, out providers.Outcome) ([]LineFailure, error) {
	switch p.Status {
	case payment.StatusInitiated:
		if out.Amount != p.Amount.Value {
			s.enqueueReconcile(ctx, p, "amount mismatch")
			return nil, s.flagInconsistency(ctx, p,
				fmt.Sprintf("provider captured %d, expected %d", out.Amount, p.Amount.Value))
		}

		now := s.now()
		paidAt := now
		if !out.ApprovedAt.IsZero() && out.ApprovedAt.Before(now) {
			paidAt = out.ApprovedAt
		}
		if err := p.MarkCompleted(out.TransactionID, paidAt, s.refunds.RefundableUntil(p.Method, paidAt), now); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, p, payment.StatusInitiated); err != nil {
			return nil, err
		}
		s.metrics.RecordPayment(p.ProviderID, string(p.Status))
		s.logger.Info().
			Str("payment_id", p.ID.String()).
			Str("order_id", o.ID.String()).
			Str("provider", p.ProviderID).
			Str("transaction_id", p.TransactionID()).
			Msg("payment completed")
	case payment.StatusFailed:
		return nil, s.flagInconsistency(ctx, p, "provider captured a payment recorded as failed")
	}

	return s.advanceOrder(ctx, o, p)
}

// advanceOrder brings the order up to date with a captured payment.
func (s *OrderService) advanceOrder(ctx context.Context, o *order.Order, p *payment.Payment) ([]LineFailure, error) {
	if o.Status == order.StatusPending {
		if err := o.MarkPaid(s.now()); err != nil {
			return nil, err
		}
		if err := s.saveOrder(ctx, o, order.StatusPending, outbox.EventOrderPaid); err != nil {
			return nil, err
		}
		s.metrics.RecordOrder(string(o.Status))
	}
	return s.fulfillLines(ctx, o, p)
}

func (s *OrderService) applyFailure(ctx context.Context, p *payment.Payment, out providers.Outcome) error {
	switch {
	case p.Status == payment.StatusInitiated:
		return s.failPayment(ctx, p, failureReason(out))
	case p.Status == payment.StatusFailed:
		return nil
	}
	s.enqueueReconcile(ctx, p, "failure reported for captured payment")
	return s.flagInconsistency(ctx, p, "provider reported failure for a captured payment")
}

// applyGatewayCancel handles a cancellation the provider tells us about.
func (s *OrderService) applyGatewayCancel(ctx context.Context, o *order.Order, p *payment.Payment, out providers.Outcome) error {
	switch p.Status {
	case payment.StatusInitiated:
		return s.failPayment(ctx, p, failureReason(out))
	case payment.StatusFailed:
		return nil
	case payment.StatusCancelPending:
		if out.CanceledAmount == p.CanceledAmount+p.PendingCancel.Amount {
			_, err := s.finishCancellation(ctx, o, p)
			return err
		}
	default:
		if out.CanceledAmount > 0 && out.CanceledAmount == p.CanceledAmount {
			return nil
		}
	}
	s.enqueueReconcile(ctx, p, "unexpected cancellation notice")
	return s.flagInconsistency(ctx, p,
		fmt.Sprintf("provider reports cancellation (%d canceled) not initiated here", out.CanceledAmount))
}

// failPayment moves an INITIATED payment to FAILED. The order stays PENDING
// so the buyer can try again.
func (s *OrderService) failPayment(ctx context.Context, p *payment.Payment, reason string) error {
	if err := p.MarkFailed(reason, s.now()); err != nil {
		return err
	}
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.payments.Update(txCtx, p, payment.StatusInitiated); err != nil {
			return err
		}
		return s.outbox.Insert(txCtx, s.paymentEvent(p, outbox.EventPaymentFailed, map[string]any{"reason": reason}))
	})
	if err != nil {
		return err
	}
	s.metrics.RecordPayment(p.ProviderID, string(p.Status))
	s.logger.Info().
		Str("payment_id", p.ID.String()).
		Str("order_id", p.OrderID.String()).
		Str("reason", reason).
		Msg("payment failed")
	return nil
}

func failureReason(out providers.Outcome) string {
	switch {
	case out.Code != "" && out.Message != "":
		return out.Code + ": " + out.Message
	case out.Code != "":
		return out.Code
	case out.Message != "":
		return out.Message
	}
	return string(out.Kind)
}

func orderName(o *order.Order, requested string) string {
	if requested != "" {
		return requested
	}
	if len(o.Lines) == 1 {
		return o.Lines[0].ProductID
	}
	return fmt.Sprintf("%s and %d more", o.Lines[0].ProductID, len(o.Lines)-1)
}

func totalQuantity(o *order.Order) int {
	n := 0
	for _, l := range o.Lines {
		n += l.Quantity
	}
	return n
}
