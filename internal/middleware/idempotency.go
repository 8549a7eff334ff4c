package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cassiomorais/checkout/internal/repository/postgres"
	"github.com/rs/zerolog/log"
)

const (
	maxIdempotencyBodySize = 1 << 20
	IdempotencyKeyHeader   = "Idempotency-Key"
)

// IdempotencyStore keeps responses by scoped key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*postgres.IdempotencyEntry, error)
	Set(ctx context.Context, entry *postgres.IdempotencyEntry) error
}

// Idempotency replays the stored response when a request repeats its
// Idempotency-Key. Keys are scoped to method and path, and a key reused with
// a different body is rejected with 422.
func Idempotency(store IdempotencyStore, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotencyBodySize+1))
			if err != nil {
				writeMiddlewareError(w, http.StatusBadRequest, "could not read request body", "invalid_body")
				return
			}
			if len(body) > maxIdempotencyBodySize {
				writeMiddlewareError(w, http.StatusRequestEntityTooLarge, "request body too large", "body_too_large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scoped := r.Method + " " + r.URL.Path + " " + key
			hash := requestHash(body)

			entry, err := store.Get(r.Context(), scoped)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("idempotency lookup failed")
			}
			if entry != nil {
				if entry.RequestHash != "" && entry.RequestHash != hash {
					writeMiddlewareError(w, http.StatusUnprocessableEntity,
						"idempotency key was used with a different request", "idempotency_key_reused")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(entry.ResponseStatus)
				w.Write([]byte(entry.ResponseBody))
				return
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			// 5xx and 409 are worth retrying with the same key.
			if rec.statusCode >= 500 || rec.statusCode == http.StatusConflict || rec.bodyTruncated {
				return
			}
			now := time.Now()
			if err := store.Set(r.Context(), &postgres.IdempotencyEntry{
				Key:            scoped,
				RequestHash:    hash,
				ResponseBody:   rec.body.String(),
				ResponseStatus: rec.statusCode,
				CreatedAt:      now,
				ExpiresAt:      now.Add(ttl),
			}); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("idempotency store failed")
			}
		})
	}
}

func requestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func writeMiddlewareError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
