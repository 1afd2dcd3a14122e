package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/booking-relay/internal/config"
	"github.com/lsm/booking-relay/internal/dispatch"
	"github.com/lsm/booking-relay/internal/observability"
	httpsink "github.com/lsm/booking-relay/internal/sink/http"
	"github.com/lsm/booking-relay/internal/source"
	httpsource "github.com/lsm/booking-relay/internal/source/http"
	kafkasource "github.com/lsm/booking-relay/internal/source/kafka"
	"github.com/lsm/booking-relay/internal/tracing"
	"github.com/lsm/booking-relay/internal/transform/booking"
	celpredicate "github.com/lsm/booking-relay/internal/transform/cel"
)

const serviceName = "booking-relay"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFlag   = flag.String("config", "", "Path to config file. Can also be set via RELAY_CONFIG env var.")
		logLevelFlag = flag.String("log-level", "", "Log level (debug, info, warn, error). Can also be set via RELAY_LOG_LEVEL env var.")
	)
	flag.Parse()

	logger := observability.NewLogger(serviceName, observability.GetLogLevel(*logLevelFlag))
	slog.SetDefault(logger)

	configPath := *configFlag
	if configPath == "" {
		configPath = config.Path()
	}

	metricsAddr := os.Getenv("RELAY_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}

	loader := config.NewLoader(configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if loader.Endpoint() == "" {
		// Not fatal: the endpoint may appear through a config reload, and
		// every batch reports it until then.
		logger.Warn("no destination endpoint configured", "env", config.EnvPublishURL)
	}

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig(serviceName), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loader.OnChange(func(c *config.Config) {
		logger.Info("config reloaded", "publish_url_set", c.Publish.URL != "")
	})
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	transformer, err := buildTransformer(cfg, logger, metrics)
	if err != nil {
		return err
	}

	publisher := httpsink.NewPublisher(httpsink.Config{
		Timeout:        cfg.Publish.Timeout,
		RateLimit:      cfg.Publish.RateLimit,
		CircuitBreaker: cfg.Publish.CircuitBreaker,
	},
		httpsink.WithLogger(logger),
		httpsink.WithTracer(tracer),
		httpsink.WithMetrics(metrics),
	)

	dispatcher := dispatch.New(
		dispatch.Config{MaxInFlight: cfg.Publish.MaxInFlight},
		loader.Endpoint,
		transformer,
		publisher,
		dispatch.WithLogger(logger),
		dispatch.WithTracer(tracer),
		dispatch.WithMetrics(metrics),
	)

	src, err := buildSource(cfg.Source, logger, tracer)
	if err != nil {
		return err
	}

	handler := dispatcher.Handler()
	health.SetReady(true)
	logger.Info("relay started", "source", cfg.Source.Type, "config", configPath)

	runErr := src.Start(ctx, func(ctx context.Context, b source.Batch) (source.Result, error) {
		res, err := handler(ctx, b)
		if err == nil {
			health.BatchHandled(time.Now())
		}
		return res, err
	})
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	health.SetReady(false)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if err := publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher close: %w", err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	for _, err := range errs {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return errors.Join(append([]error{runErr}, errs...)...)
}

func buildTransformer(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*booking.Transformer, error) {
	opts := []booking.Option{
		booking.WithLogger(logger),
		booking.WithMetrics(metrics),
	}
	if cfg.Filter != "" {
		p, err := celpredicate.NewPredicate(cfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		opts = append(opts, booking.WithPredicate(p))
		logger.Info("selection filter enabled", "filter", p.String())
	}
	return booking.NewTransformer(opts...), nil
}

func buildSource(cfg config.SourceConfig, logger *slog.Logger, tracer trace.Tracer) (source.Source, error) {
	switch cfg.Type {
	case config.SourceHTTP:
		s, err := httpsource.NewSource(httpsource.Config{
			ListenAddr: cfg.HTTP.ListenAddr,
			Path:       cfg.HTTP.Path,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("http source: %w", err)
		}
		return s, nil

	case config.SourceKafka:
		k := cfg.Kafka
		s, err := kafkasource.NewSource(kafkasource.Config{
			Cluster:        &k.Cluster,
			Topic:          k.Topic,
			ConsumerGroup:  k.ConsumerGroup,
			StartOffset:    k.StartOffset,
			Base64Encoded:  k.Base64Encoded,
			SkipTopicCheck: k.SkipTopicCheck,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		s.SetTracer(tracer)
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}
