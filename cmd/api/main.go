package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/checkout/internal/bootstrap"
	"github.com/cassiomorais/checkout/internal/controller"
)

func main() {
	ctx := context.Background()

	app, err := bootstrap.New(ctx, "checkout-api", "checkout_api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	checkout := app.NewCheckout()
	defer checkout.Close()

	// --- Build router ---
	cfg := app.Config
	router := controller.NewRouter(controller.RouterDeps{
		DB:                app.Pool,
		RedisClient:       app.Redis,
		OrderService:      checkout.Service,
		Providers:         checkout.Providers,
		Wallets:           checkout.Accounts,
		IdempotencyStore:  checkout.Idempotency,
		IdempotencyTTL:    cfg.Worker.IdempotencyTTL,
		Metrics:           app.Metrics,
		CORSConfig:        cfg.Server.CORS,
		CallbackRateLimit: cfg.Server.CallbackRateLimit,
		ErrorURL:          cfg.Providers.ReturnURL,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
