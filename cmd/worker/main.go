package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/checkout/internal/bootstrap"
	"github.com/cassiomorais/checkout/internal/infrastructure/kafka"
	infraRedis "github.com/cassiomorais/checkout/internal/infrastructure/redis"
	"github.com/cassiomorais/checkout/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "checkout-worker", "checkout_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	checkout := app.NewCheckout()
	defer checkout.Close()

	workerCfg := app.Config.Worker

	// --- Reconcile stream consumer ---
	consumer := infraRedis.NewStreamConsumer(
		app.Redis,
		infraRedis.ReconcileStream,
		workerCfg.ConsumerGroup,
		app.Config.InstanceID,
		workerCfg.BatchSize,
		workerCfg.BlockDuration,
	)
	if err := consumer.CreateGroup(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("Failed to create consumer group")
		return
	}
	reconciler := worker.NewReconciler(consumer, checkout.Queue, checkout.Service, app.Metrics, app.Logger)

	// --- Outbox relay ---
	eventProducer := kafka.NewProducer(app.Config.Kafka.Brokers, app.Config.Kafka.EventTopic, app.Logger)
	defer eventProducer.Close()
	relay := worker.NewRelay(checkout.TxManager, checkout.Outbox, eventProducer, int(workerCfg.BatchSize), app.Metrics, app.Logger)

	// --- Housekeeping ---
	housekeeper := worker.NewHousekeeper(checkout.Service, checkout.Idempotency, checkout.Outbox, worker.HousekeepingConfig{
		Interval:   workerCfg.SweepInterval,
		StaleAfter: workerCfg.StaleAfter,
		BatchSize:  int(workerCfg.BatchSize),
	}, app.Metrics, app.Logger)

	app.Logger.Info().
		Str("stream", infraRedis.ReconcileStream).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", app.Config.InstanceID).
		Str("event_topic", app.Config.Kafka.EventTopic).
		Msg("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Reconcile requests from the stream, including ones abandoned by other consumers.
	g.Go(func() error {
		return reconciler.Run(gCtx, workerCfg.ClaimMinIdle, workerCfg.ClaimMinIdle)
	})

	// 2. Outbox relay to Kafka.
	g.Go(func() error {
		return relay.Run(gCtx, workerCfg.OutboxPollInterval)
	})

	// 3. Stale payment sweep and cleanup.
	g.Go(func() error {
		return housekeeper.Run(gCtx)
	})

	// 4. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}
