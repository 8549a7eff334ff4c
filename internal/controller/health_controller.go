package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/cassiomorais/checkout/internal/providers"
	"github.com/redis/go-redis/v9"
)

// DBPinger is satisfied by *pgxpool.Pool.
type DBPinger interface {
	Ping(ctx context.Context) error
}

type HealthController struct {
	db        DBPinger
	redis     redis.UniversalClient
	providers *providers.Registry
}

func NewHealthController(db DBPinger, redis redis.UniversalClient, registry *providers.Registry) *HealthController {
	return &HealthController{db: db, redis: redis, providers: registry}
}

func (h *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthController) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Readiness checks the database and Redis. Provider circuit breakers are
// reported but never fail the probe: an open breaker only affects that gateway.
func (h *HealthController) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "redis unavailable",
		})
		return
	}

	resp := map[string]any{"status": "ready"}
	if h.providers != nil {
		breakers := map[string]string{}
		for _, id := range h.providers.IDs() {
			if state, err := h.providers.BreakerState(id); err == nil {
				breakers[string(id)] = state.String()
			}
		}
		resp["providers"] = breakers
	}
	writeJSON(w, http.StatusOK, resp)
}
