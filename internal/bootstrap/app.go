package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cassiomorais/checkout/internal/infrastructure/config"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/checkout/internal/infrastructure/redis"
	"github.com/cassiomorais/checkout/internal/repository/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// App holds the process-wide connections shared by the api and worker binaries.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics

	tracer *sdktrace.TracerProvider
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout).
		With().Str("service", serviceName).Str("instance", cfg.InstanceID).Logger()
	logger.Info().Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
			logger.Info().Str("endpoint", cfg.Observability.JaegerEndpoint).Msg("Tracing enabled")
		}
	}

	app.Metrics = observability.NewMetrics(metricsNamespace, nil)
	logger.Info().Msg("Metrics initialized")

	app.Pool, err = postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Str("host", cfg.Database.Host).Msg("Connected to PostgreSQL")

	app.Redis, err = infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		app.Pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Redis.RedisAddr()).Msg("Connected to Redis")

	return app, nil
}

// Close releases connections and flushes pending spans.
func (a *App) Close() {
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := observability.Shutdown(ctx, a.tracer); err != nil {
			a.Logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
		cancel()
	}
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Redis close failed")
	}
	a.Pool.Close()
}
