package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayClient_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ready", r.URL.Path)
		assert.Equal(t, "KEY secret", r.Header.Get("Authorization"))
		assert.Equal(t, "idem-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(100), body["amount"])

		_ = json.NewEncoder(w).Encode(map[string]string{"tid": "T1"})
	}))
	defer srv.Close()

	g := NewGatewayClient("test", srv.URL+"/", func(r *http.Request) { r.Header.Set("Authorization", "KEY secret") })

	var out struct {
		TID string `json:"tid"`
	}
	err := g.Send(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/v1/ready",
		Body:   map[string]any{"amount": 100},
		Header: http.Header{"Idempotency-Key": {"idem-1"}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "T1", out.TID)
}

func TestGatewayClient_ClientErrorUsesDecoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"INVALID_CARD"}`))
	}))
	defer srv.Close()

	g := NewGatewayClient("test", srv.URL, nil, WithErrorDecoder(func(status int, body []byte) error {
		var e struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(body, &e)
		return domainErrors.NewProviderError("test", e.Code, "declined")
	}))

	err := g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
	var pe *domainErrors.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "INVALID_CARD", pe.Code)
	assert.True(t, Definitive(err))
}

func TestGatewayClient_DefaultDecoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewGatewayClient("test", srv.URL, nil).Send(context.Background(), Request{Method: http.MethodGet, Path: "/"}, nil)
	var pe *domainErrors.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "404", pe.Code)
}

func TestGatewayClient_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewGatewayClient("test", srv.URL, nil).Send(context.Background(), Request{Method: http.MethodGet, Path: "/"}, nil)
	assert.ErrorIs(t, err, domainErrors.ErrProviderUnavailable)
	assert.False(t, Definitive(err))
}

func TestGatewayClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewGatewayClient("test", srv.URL, nil).Send(ctx, Request{Method: http.MethodGet, Path: "/"}, nil)
	assert.ErrorIs(t, err, domainErrors.ErrProviderTimeout)
}

func TestGatewayClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewGatewayClient("test", url, nil).Send(context.Background(), Request{Method: http.MethodGet, Path: "/"}, nil)
	assert.ErrorIs(t, err, domainErrors.ErrProviderUnavailable)
}

func TestGatewayClient_UnreadableSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	var out map[string]any
	err := NewGatewayClient("test", srv.URL, nil).Send(context.Background(), Request{Method: http.MethodGet, Path: "/"}, &out)
	assert.ErrorIs(t, err, domainErrors.ErrProviderUnavailable)
}
