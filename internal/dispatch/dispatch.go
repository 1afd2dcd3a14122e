// Package dispatch runs one batch through the booking transformer and
// publishes every resulting payload to the configured endpoint.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/booking-relay/internal/observability"
	"github.com/lsm/booking-relay/internal/sink"
	"github.com/lsm/booking-relay/internal/source"
	"github.com/lsm/booking-relay/internal/tracing"
	"github.com/lsm/booking-relay/internal/transform"
)

const defaultMaxInFlight = 8

// ErrEndpointNotConfigured is returned when no destination endpoint is set.
// Nothing in the batch is transformed or published.
var ErrEndpointNotConfigured = errors.New("no PUBLISH_URL defined")

// EndpointFunc returns the destination endpoint. It is called once per
// batch so configuration changes apply to the next batch.
type EndpointFunc func() string

// Failure is a payload that could not be delivered.
type Failure struct {
	Index   int
	Payload string
	Err     error
}

// Report is the outcome of one batch.
type Report struct {
	Records   int
	Payloads  int
	Delivered int
	Failures  []Failure
}

// Result converts the report into the runtime summary.
func (r Report) Result() source.Result {
	return source.Result{
		Records:   r.Records,
		Payloads:  r.Payloads,
		Delivered: r.Delivered,
		Failed:    len(r.Failures),
	}
}

// Config holds dispatcher configuration.
type Config struct {
	// MaxInFlight bounds concurrent publishes within one batch.
	MaxInFlight int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = observability.NewTraceLogger(logger)
	}
}

// WithTracer sets the tracer for batch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithMetrics records batch outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher is the orchestrator between a runtime, the transformer and
// the publisher. It holds no state across batches.
type Dispatcher struct {
	endpoint    EndpointFunc
	transformer transform.Transformer
	publisher   sink.Publisher
	maxInFlight int
	logger      *observability.TraceLogger
	tracer      trace.Tracer
	metrics     *observability.Metrics
}

// New creates a Dispatcher. The transformer and publisher are injected so
// either can be replaced in tests.
func New(cfg Config, endpoint EndpointFunc, tr transform.Transformer, pub sink.Publisher, opts ...Option) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	d := &Dispatcher{
		endpoint:    endpoint,
		transformer: tr,
		publisher:   pub,
		maxInFlight: cfg.MaxInFlight,
		logger:      observability.NewTraceLogger(slog.Default()),
		tracer:      noop.NewTracerProvider().Tracer("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one batch. It returns ErrEndpointNotConfigured, after
// logging it, when no endpoint is set. Otherwise it publishes every payload
// concurrently, waits for all of them, and returns a nil error; individual
// delivery failures are listed in the Report.
func (d *Dispatcher) Handle(ctx context.Context, batch source.Batch) (Report, error) {
	start := time.Now()
	report := Report{Records: len(batch.Records)}

	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanBatch,
		trace.WithAttributes(
			tracing.CorrelationAttr(batch.CorrelationID),
			tracing.BatchRecordsAttr(report.Records),
		),
	)
	defer span.End()

	log := d.logger.With("correlation_id", batch.CorrelationID)

	endpoint := ""
	if d.endpoint != nil {
		endpoint = strings.TrimSpace(d.endpoint())
	}
	if endpoint == "" {
		log.Error(ctx, "destination endpoint not configured", "error", ErrEndpointNotConfigured)
		tracing.SetSpanError(span, ErrEndpointNotConfigured)
		if d.metrics != nil {
			d.metrics.ConfigErrorsTotal.Inc()
			d.metrics.BatchesTotal.WithLabelValues("config_error").Inc()
		}
		return report, ErrEndpointNotConfigured
	}

	payloads := d.transform(ctx, batch.Records)
	report.Payloads = len(payloads)

	errs := make([]error, len(payloads))
	var g errgroup.Group
	g.SetLimit(d.maxInFlight)
	for i, payload := range payloads {
		g.Go(func() error {
			errs[i] = d.publisher.Publish(ctx, endpoint, payload)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			report.Failures = append(report.Failures, Failure{Index: i, Payload: payloads[i], Err: err})
			continue
		}
		report.Delivered++
	}

	span.SetAttributes(
		tracing.BatchPayloadsAttr(report.Payloads),
		tracing.BatchFailedAttr(len(report.Failures)),
	)
	d.record(report, start)

	if len(report.Failures) > 0 {
		log.Warn(ctx, "batch handled with delivery failures",
			"endpoint", endpoint,
			"records", report.Records,
			"payloads", report.Payloads,
			"delivered", report.Delivered,
			"failed", len(report.Failures),
		)
		return report, nil
	}

	tracing.SetSpanOK(span)
	log.Info(ctx, "batch handled",
		"endpoint", endpoint,
		"records", report.Records,
		"payloads", report.Payloads,
		"delivered", report.Delivered,
	)
	return report, nil
}

// Handler adapts the dispatcher to a runtime.
func (d *Dispatcher) Handler() source.Handler {
	return func(ctx context.Context, batch source.Batch) (source.Result, error) {
		report, err := d.Handle(ctx, batch)
		return report.Result(), err
	}
}

func (d *Dispatcher) transform(ctx context.Context, records []source.Record) []string {
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanTransform,
		trace.WithAttributes(tracing.BatchRecordsAttr(len(records))),
	)
	defer span.End()

	payloads := d.transformer.Transform(ctx, records)
	span.SetAttributes(tracing.BatchPayloadsAttr(len(payloads)))
	return payloads
}

func (d *Dispatcher) record(report Report, start time.Time) {
	if d.metrics == nil {
		return
	}
	status := "handled"
	if len(report.Failures) > 0 {
		status = "partial"
	}
	d.metrics.BatchesTotal.WithLabelValues(status).Inc()
	d.metrics.RecordsTotal.Add(float64(report.Records))
	d.metrics.PayloadsTotal.Add(float64(report.Payloads))
	d.metrics.BatchDuration.Observe(time.Since(start).Seconds())
}
