package controller

import (
	"time"

	"github.com/cassiomorais/checkout/internal/infrastructure/config"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/checkout/internal/middleware"
	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type RouterDeps struct {
	DB                DBPinger
	RedisClient       redis.UniversalClient
	OrderService      *service.OrderService
	Providers         *providers.Registry
	Wallets           WalletReader
	IdempotencyStore  customMW.IdempotencyStore
	IdempotencyTTL    time.Duration
	Metrics           *observability.Metrics
	CORSConfig        config.CORSConfig
	CallbackRateLimit int
	// ErrorURL receives buyers whose gateway return could not be processed.
	ErrorURL string
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing("checkout-api"))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", customMW.IdempotencyKeyHeader},
		ExposedHeaders:   []string{"X-Idempotency-Replayed"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.SecurityHeaders())
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.DB, deps.RedisClient, deps.Providers)
	orderH := NewOrderController(deps.OrderService)
	paymentH := NewPaymentController(deps.OrderService)
	gatewayH := NewGatewayController(deps.OrderService, deps.ErrorURL)
	accountH := NewAccountController(deps.Wallets)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", promhttp.Handler())

	// Gateway traffic: callbacks from provider servers, returns from browsers.
	r.Route("/pg/{provider}/payments/{id}", func(r chi.Router) {
		if deps.CallbackRateLimit > 0 {
			r.Use(customMW.RateLimit(deps.CallbackRateLimit))
		}
		r.Post("/callback", gatewayH.Callback)
		r.Get("/return", gatewayH.Return)
		r.Get("/cancel", gatewayH.Cancel)
	})

	r.Route("/api/v1", func(r chi.Router) {
		idem := func(next chi.Router) chi.Router { return next }
		if deps.IdempotencyStore != nil {
			mw := customMW.Idempotency(deps.IdempotencyStore, deps.IdempotencyTTL)
			idem = func(next chi.Router) chi.Router { return next.With(mw) }
		}

		// Orders
		idem(r).Post("/orders", orderH.Create)
		r.Get("/orders", orderH.List)
		r.Get("/orders/{id}", orderH.Get)
		r.Get("/orders/{id}/payments", orderH.ListPayments)
		idem(r).Post("/orders/{id}/payments", orderH.StartPayment)
		idem(r).Post("/orders/{id}/cancel", orderH.Cancel)
		idem(r).Post("/orders/{id}/cancel-partial", orderH.CancelPartial)
		r.Post("/orders/{id}/fulfillment/retry", orderH.RetryFulfillment)

		// Payments
		r.Get("/payments/{id}", paymentH.Get)
		idem(r).Post("/payments/{id}/confirm", paymentH.Confirm)
		r.Post("/payments/{id}/reconcile", paymentH.Reconcile)

		// Point wallets
		r.Get("/wallets/{userID}", accountH.GetWallet)
		r.Get("/wallets/{userID}/transactions", accountH.GetTransactions)
	})

	return r
}
