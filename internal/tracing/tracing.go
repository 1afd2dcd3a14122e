// Package tracing exports relay spans over OTLP and names them.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	EnvEnabled     = "RELAY_OTEL_ENABLED"
	EnvSampleRatio = "RELAY_OTEL_SAMPLE_RATIO"
	EnvEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"

	defaultEndpoint = "localhost:4317"
)

// Config holds tracing configuration.
type Config struct {
	Enabled bool
	// Endpoint is the collector's host:port.
	Endpoint string
	// Insecure disables TLS to the collector.
	Insecure bool
	// SampleRatio is the share of new root traces recorded, in [0, 1].
	// Batches that arrive with a sampled parent are always recorded.
	SampleRatio    float64
	ServiceName    string
	ServiceVersion string
}

// GetConfig reads tracing configuration from the environment. The endpoint
// may be host:port or an http(s) URL; https selects TLS.
func GetConfig(serviceName string) Config {
	cfg := Config{
		Enabled:        strings.EqualFold(os.Getenv(EnvEnabled), "true"),
		Endpoint:       defaultEndpoint,
		Insecure:       true,
		SampleRatio:    1,
		ServiceName:    serviceName,
		ServiceVersion: buildVersion(),
	}
	if raw := strings.TrimSpace(os.Getenv(EnvEndpoint)); raw != "" {
		cfg.Endpoint, cfg.Insecure = splitEndpoint(raw)
	}
	if raw := os.Getenv(EnvSampleRatio); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.SampleRatio = min(max(r, 0), 1)
		}
	}
	return cfg
}

func splitEndpoint(raw string) (string, bool) {
	insecure := true
	if rest, ok := strings.CutPrefix(raw, "https://"); ok {
		raw, insecure = rest, false
	} else if rest, ok := strings.CutPrefix(raw, "http://"); ok {
		raw = rest
	}
	return strings.TrimSuffix(raw, "/"), insecure
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}

// Initialize installs the W3C propagator and, when enabled, an OTLP tracer
// provider. It returns the relay tracer and a shutdown func that flushes
// pending spans. The propagator is installed even when tracing is disabled
// so caller trace headers still reach the sink.
func Initialize(cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp, err := newProvider(context.Background(), exporter, cfg)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled",
		"endpoint", cfg.Endpoint,
		"insecure", cfg.Insecure,
		"sample_ratio", cfg.SampleRatio,
		"version", cfg.ServiceVersion,
	)

	shutdown := func(ctx context.Context) error {
		logger.Info("flushing spans")
		return tp.Shutdown(ctx)
	}
	return tp.Tracer(cfg.ServiceName), shutdown, nil
}

func newProvider(ctx context.Context, exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, error) {
	attrs := []resource.Option{
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	), nil
}

// Propagator returns the global text map propagator.
func Propagator() propagation.TextMapPropagator {
	return otel.GetTextMapPropagator()
}
