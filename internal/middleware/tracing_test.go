package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestTracing_NamesSpanAfterRoutePattern(t *testing.T) {
	rec := installRecorder(t)

	r := chi.NewRouter()
	r.Use(Tracing("checkout-api"))
	r.Post("/pg/{provider}/payments/{id}/callback", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pg/kakaopay/payments/42/callback", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /pg/{provider}/payments/{id}/callback", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("payment.provider", "kakaopay"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("http.route", "/pg/{provider}/payments/{id}/callback"))
}

func TestTracing_UnroutedKeepsOperationName(t *testing.T) {
	rec := installRecorder(t)

	handler := Tracing("checkout-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "checkout-api", spans[0].Name())
}

func TestTracing_PreservesResponse(t *testing.T) {
	installRecorder(t)
	body := `{"message":"test response"}`

	handler := Tracing("checkout-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(body))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, body, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
