package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/backend-paylink/internal/obs"
	"github.com/noah-isme/backend-paylink/internal/resilience"
)

const maxResponseBytes = 1 << 20

// Options configures an adapter's HTTP behaviour.
type Options struct {
	// BaseURL overrides both the live and sandbox endpoints.
	BaseURL string
	// HTTPClient replaces the default instrumented client.
	HTTPClient          *http.Client
	Timeout             time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	// PollGrace overrides the provider's default grace window when positive.
	PollGrace time.Duration
	// MeterProvider receives the outbound HTTP client metrics; nil uses the global provider.
	MeterProvider metric.MeterProvider
	Logger        zerolog.Logger
	Now           func() time.Time
}

// transport is the HTTP plumbing shared by every adapter. Each call is bounded
// by Options.Timeout and guarded by a per-provider circuit breaker.
type transport struct {
	provider Provider
	baseURL  string
	write    resilience.HTTPClient
	read     resilience.HTTPClient
	now      func() time.Time
	grace    time.Duration
}

func newTransport(p Provider, opts Options, defaultGrace time.Duration) *transport {
	client := opts.HTTPClient
	if client == nil {
		instr := []otelhttp.Option{
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return string(p) + " " + r.Method
			}),
		}
		if opts.MeterProvider != nil {
			instr = append(instr, otelhttp.WithMeterProvider(opts.MeterProvider))
		}
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport, instr...)}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := resilience.NewBreaker(opts.BreakerMinRequests, opts.BreakerFailureRatio, opts.BreakerOpenFor).
		WithTarget(string(p)).
		WithLogger(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	grace := defaultGrace
	if opts.PollGrace > 0 {
		grace = opts.PollGrace
	}
	return &transport{
		provider: p,
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		// Charge creation is not retried here; a timeout surfaces as unavailable
		// and the caller decides whether to try again.
		write: resilience.HTTPClient{Client: client, Breaker: breaker, Timeout: timeout, MaxAttempts: 1},
		read:  resilience.HTTPClient{Client: client, Breaker: breaker, Timeout: timeout, MaxAttempts: 2, BaseBackoff: 200 * time.Millisecond, Jitter: 0.2},
		now:   now,
		grace: grace,
	}
}

// base picks the endpoint for the credential's mode unless overridden.
func (t *transport) base(c Credentials, live, sandbox string) string {
	if t.baseURL != "" {
		return t.baseURL
	}
	if c.TestMode {
		return sandbox
	}
	return live
}

func (t *transport) jsonRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", t.provider, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// errorDecoder turns a 4xx response body into a rejection error.
type errorDecoder func(status int, body []byte) error

// do executes req and decodes a 2xx JSON body into out. It returns the raw body.
func (t *transport) do(ctx context.Context, op string, idempotent bool, req *http.Request, out any, onError errorDecoder) ([]byte, error) {
	ctx, span := otel.Tracer("payment.adapter").Start(ctx, "payment."+op)
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", string(t.provider)))

	start := time.Now()
	result := "error"
	defer func() {
		if obs.ProviderCallLatency != nil {
			obs.ProviderCallLatency.WithLabelValues(string(t.provider), op, result).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	client := t.write
	if idempotent {
		client = t.read
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		result = "unavailable"
		return nil, classifyTransportError(t.provider, op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		result = "unavailable"
		return nil, unavailable(t.provider, op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		result = "rejected"
		span.SetStatus(codes.Error, resp.Status)
		if onError != nil {
			return body, onError(resp.StatusCode, body)
		}
		return body, rejected(t.provider, op, resp.StatusCode, "", snippet(body))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			result = "unavailable"
			return body, unavailable(t.provider, op, fmt.Errorf("decode response: %w", err))
		}
	}
	result = "ok"
	return body, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

func requireValues(p Provider, c Credentials, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if c.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidCredentials, p, strings.Join(missing, ", "))
	}
	return nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
