package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/booking-relay/internal/circuitbreaker"
	"github.com/lsm/booking-relay/internal/observability"
	"github.com/lsm/booking-relay/internal/ratelimit"
	"github.com/lsm/booking-relay/internal/tracing"
)

const maxResponseBytes = 1 << 20

// ErrInvalidResponse is returned when the sink answers 2xx with a body that
// is not JSON.
var ErrInvalidResponse = errors.New("invalid response body")

// RateLimitConfig throttles publishes per endpoint. Zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config holds the configuration for an HTTP publisher.
type Config struct {
	Timeout        time.Duration
	RateLimit      RateLimitConfig
	CircuitBreaker circuitbreaker.Config
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer sets the tracer for publish spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Publisher) {
		p.tracer = tracer
	}
}

// WithMetrics records publish outcomes and circuit state on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) {
		p.client = c
	}
}

// Publisher POSTs serialized payloads to an HTTP endpoint. It implements
// sink.Publisher.
type Publisher struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// NewPublisher creates an HTTP publisher.
func NewPublisher(cfg Config, opts ...Option) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	p := &Publisher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("http-publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}

	var breakerOpts []circuitbreaker.Option
	if p.metrics != nil {
		gauge := p.metrics.CircuitState
		breakerOpts = append(breakerOpts, circuitbreaker.WithStateChange(func(_, to circuitbreaker.State) {
			gauge.Set(float64(to))
		}))
	}
	p.breaker = circuitbreaker.New(cfg.CircuitBreaker, breakerOpts...)

	return p
}

// Publish POSTs payload verbatim to endpoint with Content-Type
// application/json. Non-2xx answers, transport failures and non-JSON
// success bodies are logged and returned as errors.
func (p *Publisher) Publish(ctx context.Context, endpoint, payload string) error {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanHTTPPublish,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.HTTPTargetAttr(endpoint)),
	)
	defer span.End()

	err := p.limiter.Wait(ctx, endpoint)
	if err == nil {
		err = p.breaker.Do(func() error {
			return p.send(ctx, endpoint, payload)
		})
	}
	p.observe(start, err)

	if err != nil {
		tracing.SetSpanError(span, err)
		var se *StatusError
		if errors.As(err, &se) {
			span.SetAttributes(tracing.HTTPStatusAttr(se.Code))
			p.logger.Error("error publishing data",
				"endpoint", endpoint,
				"status", se.Code,
				"status_text", se.Text,
			)
		} else {
			p.logger.Error("error publishing data", "endpoint", endpoint, "error", err)
		}
		return err
	}

	tracing.SetSpanOK(span)
	return nil
}

func (p *Publisher) send(ctx context.Context, endpoint, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Text: statusText(resp)}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		p.logger.Info("payload published", "endpoint", endpoint, "status", resp.StatusCode)
		return nil
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	p.logger.Info("payload published",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"response", parsed,
	)
	return nil
}

func (p *Publisher) observe(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		p.metrics.PublishTotal.WithLabelValues("delivered").Inc()
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		p.metrics.PublishTotal.WithLabelValues("rejected").Inc()
	default:
		p.metrics.PublishTotal.WithLabelValues("failed").Inc()
	}
}

// Close releases idle connections.
func (p *Publisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// StatusError is a non-2xx answer from the sink.
type StatusError struct {
	Code int
	Text string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.Code, e.Text)
}

// statusText returns the reason phrase, e.g. "Service Unavailable".
func statusText(resp *http.Response) string {
	if text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); text != "" && text != resp.Status {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
