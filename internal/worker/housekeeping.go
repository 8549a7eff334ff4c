package worker

import (
	"context"
	"time"

	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

type StaleSweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type IdempotencyCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

type OutboxPurger interface {
	PurgePublished(ctx context.Context, cutoff time.Time) (int64, error)
}

// HousekeepingConfig controls the periodic maintenance loop.
type HousekeepingConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	// OutboxRetention is how long published outbox entries are kept.
	OutboxRetention time.Duration
}

// Housekeeper reconciles payments nobody asked about and drops expired
// idempotency keys and old outbox rows.
type Housekeeper struct {
	sweeper StaleSweeper
	keys    IdempotencyCleaner
	outbox  OutboxPurger
	cfg     HousekeepingConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHousekeeper(sweeper StaleSweeper, keys IdempotencyCleaner, purger OutboxPurger, cfg HousekeepingConfig, metrics *observability.Metrics, logger zerolog.Logger) *Housekeeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.OutboxRetention <= 0 {
		cfg.OutboxRetention = 7 * 24 * time.Hour
	}
	return &Housekeeper{
		sweeper: sweeper,
		keys:    keys,
		outbox:  purger,
		cfg:     cfg,
		metrics: metrics,
		logger:  observability.Component(logger, "housekeeper"),
		now:     time.Now,
	}
}

// RunOnce performs one maintenance pass. Each step runs even if an earlier
// one failed; the first error is returned.
func (h *Housekeeper) RunOnce(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	start := time.Now()
	swept, err := h.sweeper.SweepStale(ctx, h.cfg.StaleAfter, h.cfg.BatchSize)
	if err != nil {
		h.logger.Error().Err(err).Msg("Stale payment sweep failed")
		h.metrics.RecordWorkerMessage("sweep", "error", time.Since(start))
	} else if swept > 0 {
		h.logger.Info().Int("reconciled", swept).Msg("Stale payments reconciled")
		h.metrics.RecordWorkerMessage("sweep", "success", time.Since(start))
	}
	keep(err)

	if h.keys != nil {
		n, err := h.keys.Cleanup(ctx)
		if err != nil {
			h.logger.Error().Err(err).Msg("Idempotency key cleanup failed")
		} else if n > 0 {
			h.logger.Debug().Int64("deleted", n).Msg("Expired idempotency keys removed")
		}
		keep(err)
	}

	if h.outbox != nil {
		n, err := h.outbox.PurgePublished(ctx, h.now().Add(-h.cfg.OutboxRetention))
		if err != nil {
			h.logger.Error().Err(err).Msg("Outbox purge failed")
		} else if n > 0 {
			h.logger.Debug().Int64("deleted", n).Msg("Published outbox entries purged")
		}
		keep(err)
	}
	return firstErr
}

func (h *Housekeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = h.RunOnce(ctx)
		}
	}
}
