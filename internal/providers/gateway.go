package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBody = 1 << 20

// Request is a JSON call to a gateway API.
type Request struct {
	Method string
	Path   string
	Body   any
	Header http.Header
}

// ErrorDecoder turns a 4xx gateway response into an error, normally a *ProviderError.
type ErrorDecoder func(status int, body []byte) error

// GatewayClient is the HTTP client shared by gateway adapters. Transport
// failures and 5xx responses become ErrProviderUnavailable (outcome unknown);
// 4xx responses go through the adapter's ErrorDecoder.
type GatewayClient struct {
	provider    string
	baseURL     string
	client      *http.Client
	authorize   func(*http.Request)
	decodeError ErrorDecoder
}

type GatewayOption func(*GatewayClient)

func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *GatewayClient) { g.client = c }
}

func WithErrorDecoder(d ErrorDecoder) GatewayOption {
	return func(g *GatewayClient) { g.decodeError = d }
}

func NewGatewayClient(provider, baseURL string, authorize func(*http.Request), opts ...GatewayOption) *GatewayClient {
	g := &GatewayClient{
		provider:  provider,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		authorize: authorize,
	}
	g.decodeError = func(status int, body []byte) error {
		return domainErrors.NewProviderError(provider, strconv.Itoa(status), http.StatusText(status))
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Send performs req and decodes a 2xx JSON response into out (when non-nil).
func (g *GatewayClient) Send(ctx context.Context, req Request, out any) error {
	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", g.provider, err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.baseURL+req.Path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", g.provider, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if g.authorize != nil {
		g.authorize(httpReq)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s %s: %w", req.Method, req.Path, domainErrors.ErrProviderTimeout)
		}
		return fmt.Errorf("%s %s: %w: %v", req.Method, req.Path, domainErrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w: %v", g.provider, domainErrors.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s responded %d: %w", g.provider, resp.StatusCode, domainErrors.ErrProviderUnavailable)
	case resp.StatusCode >= 400:
		return g.decodeError(resp.StatusCode, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// The gateway accepted the request; we just cannot read its answer.
		return fmt.Errorf("decode %s response: %w: %v", g.provider, domainErrors.ErrProviderUnavailable, err)
	}
	return nil
}
