package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/checkout/internal/repository/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*postgres.IdempotencyEntry
	getErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: map[string]*postgres.IdempotencyEntry{}}
}

func (s *memoryStore) Get(ctx context.Context, key string) (*postgres.IdempotencyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.entries[key], nil
}

func (s *memoryStore) Set(ctx context.Context, e *postgres.IdempotencyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key] = e
	return nil
}

// countingHandler answers with status and counts how often it ran.
func countingHandler(status int, calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"call":%d,"echo":%q}`, *calls, body)
	})
}

func post(h http.Handler, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotency_NoKeyPassesThrough(t *testing.T) {
	store := newMemoryStore()
	calls := 0
	h := Idempotency(store, time.Hour)(countingHandler(http.StatusCreated, &calls))

	post(h, "/api/v1/orders", "", `{}`)
	post(h, "/api/v1/orders", "", `{}`)

	assert.Equal(t, 2, calls)
	assert.Empty(t, store.entries)
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	store := newMemoryStore()
	calls := 0
	h := Idempotency(store, time.Hour)(countingHandler(http.StatusCreated, &calls))

	first := post(h, "/api/v1/orders", "k1", `{"a":1}`)
	second := post(h, "/api/v1/orders", "k1", `{"a":1}`)

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))

	entry := store.entries["POST /api/v1/orders k1"]
	require.NotNil(t, entry)
	assert.Equal(t, requestHash([]byte(`{"a":1}`)), entry.RequestHash)
	assert.WithinDuration(t, entry.CreatedAt.Add(time.Hour), entry.ExpiresAt, time.Second)
}

func TestIdempotency_KeyIsScopedToPath(t *testing.T) {
	store := newMemoryStore()
	calls := 0
	h := Idempotency(store, time.Hour)(countingHandler(http.StatusOK, &calls))

	post(h, "/api/v1/orders/1/cancel", "k1", `{}`)
	post(h, "/api/v1/orders/2/cancel", "k1", `{}`)

	assert.Equal(t, 2, calls)
}

func TestIdempotency_DifferentBodyRejected(t *testing.T) {
	store := newMemoryStore()
	calls := 0
	h := Idempotency(store, time.Hour)(countingHandler(http.StatusCreated, &calls))

	post(h, "/api/v1/orders", "k1", `{"a":1}`)
	w := post(h, "/api/v1/orders", "k1", `{"a":2}`)

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "idempotency_key_reused")
}

func TestIdempotency_RetryableResponsesNotStored(t *testing.T) {
	for _, status := range []int{http.StatusConflict, http.StatusBadGateway, http.StatusServiceUnavailable} {
		store := newMemoryStore()
		calls := 0
		h := Idempotency(store, time.Hour)(countingHandler(status, &calls))

		post(h, "/api/v1/payments/1/confirm", "k1", `{}`)
		post(h, "/api/v1/payments/1/confirm", "k1", `{}`)

		assert.Equal(t, 2, calls, "status %d", status)
		assert.Empty(t, store.entries)
	}
}

func TestIdempotency_StoreFailureStillServes(t *testing.T) {
	store := newMemoryStore()
	store.getErr = errors.New("db down")
	calls := 0
	h := Idempotency(store, time.Hour)(countingHandler(http.StatusCreated, &calls))

	w := post(h, "/api/v1/orders", "k1", `{}`)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, calls)
}

func TestIdempotency_OversizedBodyRejected(t *testing.T) {
	calls := 0
	h := Idempotency(newMemoryStore(), time.Hour)(countingHandler(http.StatusOK, &calls))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(bytes.Repeat([]byte("x"), maxIdempotencyBodySize+1)))
	req.Header.Set(IdempotencyKeyHeader, "k1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Zero(t, calls)
}

func TestResponseRecorder_LargeBodyIsTruncatedButWritten(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := &responseRecorder{ResponseWriter: inner, body: &bytes.Buffer{}, statusCode: http.StatusOK}

	large := bytes.Repeat([]byte("x"), maxIdempotencyBodySize+100)
	n, err := rec.Write(large)

	require.NoError(t, err)
	assert.Equal(t, len(large), n)
	assert.True(t, rec.bodyTruncated)
	assert.Zero(t, rec.body.Len())
	assert.Equal(t, len(large), inner.Body.Len())
}
