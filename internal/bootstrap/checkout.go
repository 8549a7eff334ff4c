package bootstrap

import (
	"time"

	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/cassiomorais/checkout/internal/domain/refund"
	"github.com/cassiomorais/checkout/internal/fulfillment"
	"github.com/cassiomorais/checkout/internal/infrastructure/config"
	"github.com/cassiomorais/checkout/internal/infrastructure/kafka"
	infraRedis "github.com/cassiomorais/checkout/internal/infrastructure/redis"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/cassiomorais/checkout/internal/providers/kakaopay"
	"github.com/cassiomorais/checkout/internal/providers/tosspayments"
	"github.com/cassiomorais/checkout/internal/repository/postgres"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/cassiomorais/checkout/pkg/retry"
	"github.com/sony/gobreaker/v2"
)

// Checkout is the order service with everything it is wired to.
type Checkout struct {
	Service     *service.OrderService
	Orders      *postgres.OrderRepository
	Payments    *postgres.PaymentRepository
	Products    *postgres.ProductRepository
	Accounts    *postgres.AccountRepository
	Outbox      *postgres.OutboxRepository
	Idempotency *postgres.IdempotencyRepository
	TxManager   *postgres.TxManager
	Providers   *providers.Registry
	Queue       *infraRedis.StreamProducer

	itemProducer *kafka.Producer
}

// NewCheckout builds repositories, gateways and fulfillment handlers from the
// app config.
func (a *App) NewCheckout() *Checkout {
	cfg := a.Config
	c := &Checkout{
		Orders:      postgres.NewOrderRepository(a.Pool),
		Payments:    postgres.NewPaymentRepository(a.Pool),
		Products:    postgres.NewProductRepository(a.Pool),
		Accounts:    postgres.NewAccountRepository(a.Pool),
		Outbox:      postgres.NewOutboxRepository(a.Pool),
		Idempotency: postgres.NewIdempotencyRepository(a.Pool),
		TxManager:   postgres.NewTxManager(a.Pool),
		Queue:       infraRedis.NewStreamProducer(a.Redis),
	}

	c.Providers = a.newProviderRegistry()

	c.itemProducer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ItemTopic, a.Logger)
	handlers := fulfillment.NewRegistry()
	handlers.Register(product.TypePoint, fulfillment.NewPointHandler(c.Accounts, c.Products, c.TxManager, a.Logger))
	handlers.Register(product.TypeItem, fulfillment.NewItemHandler(c.itemProducer, a.Logger))

	locker := infraRedis.NewLocker(a.Redis, cfg.Payment.LockTTL, cfg.Payment.LockRetries, cfg.Payment.LockRetryDelay, a.Logger)

	c.Service = service.NewOrderService(service.Dependencies{
		Orders:      c.Orders,
		Payments:    c.Payments,
		Products:    c.Products,
		Outbox:      c.Outbox,
		TxManager:   c.TxManager,
		Providers:   c.Providers,
		Fulfillment: handlers,
		Refunds:     refund.NewEngine(refund.DefaultTable(), cfg.Refund.MaxDays),
		Locker:      locker,
		Queue:       c.Queue,
	},
		service.WithSessionTTL(cfg.Payment.SessionTTL),
		service.WithCancelGrace(cfg.Payment.CancelGrace),
		service.WithReturnURL(cfg.Providers.ReturnURL),
		service.WithMetrics(a.Metrics),
		service.WithLogger(a.Logger),
	)
	return c
}

// Close flushes the item event producer.
func (c *Checkout) Close() error {
	return c.itemProducer.Close()
}

func (a *App) newProviderRegistry() *providers.Registry {
	cfg := a.Config
	bc := cfg.Payment.CircuitBreaker
	reg := providers.NewRegistry(
		providers.WithTimeout(cfg.Payment.ProviderTimeout),
		providers.WithBreakerSettings(providers.BreakerSettings{
			MaxRequests:  bc.MaxRequests,
			Interval:     bc.Interval,
			Timeout:      bc.Timeout,
			MinRequests:  bc.MinRequests,
			FailureRatio: bc.FailureRatio,
		}),
		providers.WithReadRetry(retry.Config{
			MaxAttempts:  cfg.Payment.ReadRetries,
			InitialDelay: cfg.Payment.ReadRetryDelay,
			MaxDelay:     4 * cfg.Payment.ReadRetryDelay,
		}),
		providers.WithObserver(func(id providers.ID, op string, elapsed time.Duration, err error) {
			a.Metrics.ObserveProviderCall(string(id), op, elapsed, err)
		}),
		providers.WithStateListener(func(id providers.ID, from, to gobreaker.State) {
			a.Logger.Warn().Str("provider", string(id)).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			a.Metrics.SetBreakerState(string(id), float64(to))
		}),
	)

	pc := cfg.Providers
	if pc.KakaoPay.Enabled {
		reg.Register(kakaopay.New(kakaopay.Config{
			BaseURL:         pc.KakaoPay.BaseURL,
			SecretKey:       pc.KakaoPay.SecretKey,
			CID:             pc.KakaoPay.CID,
			WebhookSecret:   pc.KakaoPay.WebhookSecret,
			CallbackBaseURL: pc.CallbackBaseURL,
			RedirectURL:     pc.ReturnURL,
		}))
	}
	if pc.TossPayments.Enabled {
		reg.Register(tosspayments.New(tosspayments.Config{
			BaseURL:         pc.TossPayments.BaseURL,
			SecretKey:       pc.TossPayments.SecretKey,
			ClientKey:       pc.TossPayments.ClientKey,
			WebhookSecret:   pc.TossPayments.WebhookSecret,
			CallbackBaseURL: pc.CallbackBaseURL,
			RedirectURL:     pc.ReturnURL,
		}))
	}
	if pc.Mock.Enabled {
		reg.Register(newMockProvider(pc))
	}

	ids := reg.IDs()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	a.Logger.Info().Strs("providers", names).Msg("Payment providers registered")
	return reg
}

func newMockProvider(pc config.ProvidersConfig) *providers.MockProvider {
	opts := []providers.MockProviderOption{
		providers.WithFailureRate(pc.Mock.FailureRate),
		providers.WithTimeoutRate(pc.Mock.TimeoutRate),
		providers.WithLatency(pc.Mock.Latency),
	}
	if pc.Mock.Flow != "" {
		opts = append(opts, providers.WithFlow(providers.Flow(pc.Mock.Flow)))
	}
	if pc.Mock.Secret != "" {
		opts = append(opts, providers.WithSecret(pc.Mock.Secret))
	}
	if pc.ReturnURL != "" {
		opts = append(opts, providers.WithReturnURL(pc.ReturnURL))
	}
	return providers.NewMockProvider("mock", opts...)
}
