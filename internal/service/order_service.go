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
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/cassiomorais/checkout/internal/domain/refund"
	"github.com/cassiomorais/checkout/internal/fulfillment"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Locker serializes work on one key across instances.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// ReconcileQueue hands a payment to the recovery worker.
type ReconcileQueue interface {
	EnqueueReconcile(ctx context.Context, paymentID uuid.UUID, reason string) error
}

// Dependencies are the collaborators every OrderService needs.
type Dependencies struct {
	Orders      order.Repository
	Payments    payment.Repository
	Products    product.Repository
	Outbox      outbox.Repository
	TxManager   TransactionManager
	Providers   *providers.Registry
	Fulfillment *fulfillment.Registry
	Refunds     *refund.Engine
	Locker      Locker
	Queue       ReconcileQueue
}

// OrderService drives orders through payment, fulfillment and cancellation.
// Every state change of an order or its payment happens under the order lock,
// and the payment lock when a payment is involved.
type OrderService struct {
	orders      order.Repository
	payments    payment.Repository
	products    product.Repository
	outbox      outbox.Repository
	txManager   TransactionManager
	providers   *providers.Registry
	fulfillment *fulfillment.Registry
	refunds     *refund.Engine
	locker      Locker
	queue       ReconcileQueue
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
	sessionTTL  time.Duration
	cancelGrace time.Duration
	returnURL   string
}

type Option func(*OrderService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

// WithSessionTTL sets how long an INITIATED payment blocks a new attempt.
func WithSessionTTL(d time.Duration) Option {
	return func(s *OrderService) { s.sessionTTL = d }
}

// WithCancelGrace sets how long reconciliation waits for an unconfirmed
// cancellation to show up at the provider before rolling it back.
func WithCancelGrace(d time.Duration) Option {
	return func(s *OrderService) { s.cancelGrace = d }
}

// WithReturnURL sets where buyers are sent when a return arrives for a
// payment that is already settled.
func WithReturnURL(u string) Option {
	return func(s *OrderService) { s.returnURL = u }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *OrderService) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *OrderService) { s.logger = l }
}

// NewOrderService creates a new OrderService.
func NewOrderService(deps Dependencies, opts ...Option) *OrderService {
	s := &OrderService{
		orders:      deps.Orders,
		payments:    deps.Payments,
		products:    deps.Products,
		outbox:      deps.Outbox,
		txManager:   deps.TxManager,
		providers:   deps.Providers,
		fulfillment: deps.Fulfillment,
		refunds:     deps.Refunds,
		locker:      deps.Locker,
		queue:       deps.Queue,
		logger:      zerolog.Nop(),
		now:         time.Now,
		sessionTTL:  30 * time.Minute,
		cancelGrace: time.Minute,
	}
	if s.refunds == nil {
		s.refunds = refund.Default()
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = observability.Component(s.logger, "order_service")
	return s
}

// CreateOrder prices the requested items against the catalog and stores a
// PENDING order.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	ctx, span := observability.StartSpan(ctx, "OrderService.CreateOrder", attribute.String("buyer_id", req.BuyerID))
	o, err := s.createOrder(ctx, req)
	observability.EndSpan(span, err)
	return o, err
}

func (s *OrderService) createOrder(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	if len(req.Items) == 0 {
		return nil, domainErrors.NewValidationError("items", "must contain at least one item")
	}

	lines := make([]*order.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		p, err := s.products.GetByID(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, domainErrors.ErrProductNotFound) {
				return nil, fmt.Errorf("product %s: %w", item.ProductID, domainErrors.ErrProductUnavailable)
			}
			return nil, err
		}
		if !p.Active {
			return nil, fmt.Errorf("product %s is inactive: %w", p.ID, domainErrors.ErrProductUnavailable)
		}
		if p.Price.Currency != req.Currency {
			return nil, domainErrors.NewValidationError("currency", fmt.Sprintf("product %s is priced in %s", p.ID, p.Price.Currency))
		}
		if item.UnitPrice != nil && *item.UnitPrice != p.Price.Value {
			return nil, domainErrors.NewValidationError("unit_price", fmt.Sprintf("product %s costs %d", p.ID, p.Price.Value))
		}

		line, err := order.NewLineItem(p.ID, p.Type, item.Quantity, p.Price)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	o, err := order.NewOrder(req.BuyerID, req.PaymentMethod, req.Currency, lines, s.now())
	if err != nil {
		return nil, err
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.orders.Create(txCtx, o); err != nil {
			return err
		}
		return s.outbox.Insert(txCtx, s.orderEvent(o, outbox.EventOrderCreated))
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordOrder(string(o.Status))
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("buyer_id", o.BuyerID).
		Int64("total", o.Total.Value).
		Msg("order created")
	return o, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// ListOrders returns one offset page and the total number of matches.
func (s *OrderService) ListOrders(ctx context.Context, filter order.ListFilter) ([]*order.Order, int, error) {
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.orders.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// ScrollOrders pages by keyset. An empty token starts at the newest order;
// the returned token is empty once there is nothing left.
func (s *OrderService) ScrollOrders(ctx context.Context, filter order.ListFilter, token string, limit int) ([]*order.Order, string, error) {
	var cursor *order.Cursor
	if token != "" {
		c, err := order.DecodeCursor(token)
		if err != nil {
			return nil, "", err
		}
		cursor = c
	}
	orders, next, err := s.orders.Scroll(ctx, filter, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	if next == nil {
		return orders, "", nil
	}
	return orders, next.Encode(), nil
}

func (s *OrderService) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return s.payments.GetByID(ctx, id)
}

// ListPayments returns every payment attempt of an order, newest first.
func (s *OrderService) ListPayments(ctx context.Context, orderID uuid.UUID) ([]*payment.Payment, error) {
	if _, err := s.orders.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.payments.ListByOrder(ctx, orderID)
}

func orderKey(id uuid.UUID) string   { return "order:" + id.String() }
func paymentKey(id uuid.UUID) string { return "payment:" + id.String() }

// lock takes keys in the given order and returns a func releasing them in
// reverse.
func (s *OrderService) lock(ctx context.Context, keys ...string) (func(), error) {
	releases := make([]func(), 0, len(keys))
	unlock := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, k := range keys {
		release, err := s.locker.Lock(ctx, k)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("lock %s: %w", k, err)
		}
		releases = append(releases, release)
	}
	return unlock, nil
}

// lockPayment locks the payment's order and then the payment, and reloads
// both so the caller works on the state the locks protect.
func (s *OrderService) lockPayment(ctx context.Context, paymentID uuid.UUID) (*order.Order, *payment.Payment, func(), error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock, err := s.lock(ctx, orderKey(p.OrderID), paymentKey(p.ID))
	if err != nil {
		return nil, nil, nil, err
	}
	p, err = s.payments.GetByID(ctx, paymentID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	o, err := s.orders.GetByID(ctx, p.OrderID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return o, p, unlock, nil
}

// saveOrder persists o, expected to have been in status from, together with
// its outbox events.
func (s *OrderService) saveOrder(ctx context.Context, o *order.Order, from order.Status, events ...string) error {
	return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, o, from); err != nil {
			return err
		}
		for _, ev := range events {
			if err := s.outbox.Insert(txCtx, s.orderEvent(o, ev)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *OrderService) orderEvent(o *order.Order, eventType string) *outbox.Entry {
	return outbox.NewEntry("order", o.ID, eventType, map[string]any{
		"order_id":        o.ID.String(),
		"buyer_id":        o.BuyerID,
		"status":          string(o.Status),
		"total":           o.Total.Value,
		"currency":        o.Total.Currency,
		"canceled_amount": o.CanceledAmount,
	}, s.now())
}

func (s *OrderService) paymentEvent(p *payment.Payment, eventType string, extra map[string]any) *outbox.Entry {
	payload := map[string]any{
		"payment_id":      p.ID.String(),
		"order_id":        p.OrderID.String(),
		"provider":        p.ProviderID,
		"status":          string(p.Status),
		"amount":          p.Amount.Value,
		"canceled_amount": p.CanceledAmount,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return outbox.NewEntry("payment", p.ID, eventType, payload, s.now())
}

// providerRef describes p towards its gateway.
func providerRef(o *order.Order, p *payment.Payment) providers.PaymentRef {
	return providers.PaymentRef{
		PaymentID:      p.ID,
		OrderID:        p.OrderID,
		BuyerID:        o.BuyerID,
		TransactionID:  p.TransactionID(),
		Amount:         p.Amount,
		CanceledAmount: p.CanceledAmount,
	}
}

// enqueueReconcile schedules recovery and only logs when the queue is down;
// the stale sweep picks the payment up regardless.
func (s *OrderService) enqueueReconcile(ctx context.Context, p *payment.Payment, reason string) {
	if s.queue == nil {
		return
	}
	if err := s.queue.EnqueueReconcile(context.WithoutCancel(ctx), p.ID, reason); err != nil {
		s.logger.Error().Err(err).
			Str("payment_id", p.ID.String()).
			Str("reason", reason).
			Msg("failed to enqueue reconciliation")
	}
}

// flagInconsistency records a mismatch between our state and the gateway's.
// It is never resolved automatically.
func (s *OrderService) flagInconsistency(ctx context.Context, p *payment.Payment, detail string) error {
	cerr := domainErrors.NewConsistencyError(p.ID.String(), detail)
	s.metrics.RecordConsistencyError(p.ProviderID)
	s.logger.Error().
		Str("payment_id", p.ID.String()).
		Str("order_id", p.OrderID.String()).
		Str("provider", p.ProviderID).
		Str("status", string(p.Status)).
		Msg(detail)

	entry := s.paymentEvent(p, outbox.EventPaymentConsistency, map[string]any{"detail": detail})
	if err := s.outbox.Insert(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("failed to record consistency event")
	}
	return cerr
}
