package kafka

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/booking-relay/internal/correlation"
	"github.com/lsm/booking-relay/internal/kafka"
	"github.com/lsm/booking-relay/internal/source"
	"github.com/lsm/booking-relay/internal/tracing"
)

// Config holds Kafka source configuration.
type Config struct {
	Cluster       *kafka.ClusterConfig
	Topic         string
	ConsumerGroup string
	StartOffset   string // "earliest" or "latest" (default: "latest")
	// Base64Encoded marks record values that already hold base64 text.
	// Otherwise raw values are encoded before they reach the handler.
	Base64Encoded bool
	// SkipTopicCheck disables the startup metadata request for Topic.
	SkipTopicCheck bool
}

// defaultHoldInterval is the pause before a rejected batch is handed to the
// handler again.
const defaultHoldInterval = 5 * time.Second

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// Source consumes a Kafka topic. Every poll becomes one batch.
type Source struct {
	client        consumer
	admin         kafka.TopicLister
	topic         string
	base64Encoded bool
	holdInterval  time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
}

// NewSource creates a new Kafka source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.StartOffset == "earliest" {
		offset = kgo.NewOffset().AtStart()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	s := &Source{
		client:        client,
		topic:         cfg.Topic,
		base64Encoded: cfg.Base64Encoded,
		holdInterval:  defaultHoldInterval,
		logger:        logger,
		tracer:        noop.NewTracerProvider().Tracer("kafka-source"),
	}
	if !cfg.SkipTopicCheck {
		s.admin = kafka.NewAdmin(client)
	}
	return s, nil
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Start begins consuming. Blocks until ctx is cancelled. Offsets of a batch
// are committed only after the handler returns nil. A batch the handler
// rejects is held and offered again every holdInterval; nothing is polled
// or committed past it, so a later batch can never commit over it.
func (s *Source) Start(ctx context.Context, handler source.Handler) error {
	if s.admin != nil {
		if err := kafka.CheckTopic(ctx, s.admin, s.topic); err != nil {
			return fmt.Errorf("topic check: %w", err)
		}
	}
	s.logger.Info("starting kafka consumer", "topic", s.topic)

	for {
		fetches := s.client.PollFetches(ctx)

		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				s.logger.Info("kafka source stopped", "topic", s.topic)
				return ctx.Err()
			}
			for _, err := range errs {
				s.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
			}
		}

		records := fetches.Records()
		if len(records) > 0 {
			if err := s.handleUntilAccepted(ctx, handler, records); err != nil {
				s.logger.Info("kafka source stopped with batch held", "topic", s.topic, "first_offset", records[0].Offset)
				return err
			}
		}

		// Checked after the batch so the last fetch is fully handled before exit.
		if ctx.Err() != nil {
			s.logger.Info("kafka source draining complete", "topic", s.topic)
			return ctx.Err()
		}
	}
}

func (s *Source) handleUntilAccepted(ctx context.Context, handler source.Handler, records []*kgo.Record) error {
	batch := s.toBatch(records)
	first := batch.Records[0].Headers
	corrID := correlation.ExtractOrGenerate(first)
	batch.CorrelationID = corrID.Value

	s.logger.Info("batch received",
		"correlation_id", corrID.Value,
		"correlation_source", corrID.Source,
		"topic", s.topic,
		"records", len(records),
	)

	for attempt := 1; ; attempt++ {
		err := s.handleBatch(ctx, handler, batch, records)
		if err == nil {
			return nil
		}
		s.logger.Error("handler error, batch held",
			"correlation_id", corrID.Value,
			"topic", s.topic,
			"first_offset", records[0].Offset,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.holdInterval):
		}
	}
}

// handleBatch runs one handler attempt and commits on success. Only the
// handler's error is returned; a failed commit is logged and the batch is
// not offered again.
func (s *Source) handleBatch(ctx context.Context, handler source.Handler, batch source.Batch, records []*kgo.Record) error {
	batchCtx := correlation.ExtractTraceContext(ctx, batch.Records[0].Headers)
	spanCtx, span := tracing.StartSpan(batchCtx, s.tracer, tracing.SpanKafkaConsume,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.topic),
			tracing.BatchRecordsAttr(len(records)),
			tracing.CorrelationAttr(batch.CorrelationID),
		),
	)
	defer span.End()

	if _, err := handler(spanCtx, batch); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}

	s.client.MarkCommitRecords(records...)
	if err := s.client.CommitMarkedOffsets(ctx); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("commit error", "correlation_id", batch.CorrelationID, "topic", s.topic, "error", err)
		return nil
	}
	tracing.SetSpanOK(span)
	return nil
}

func (s *Source) toBatch(records []*kgo.Record) source.Batch {
	batch := source.Batch{Records: make([]source.Record, 0, len(records))}
	for _, r := range records {
		data := string(r.Value)
		if !s.base64Encoded {
			data = base64.StdEncoding.EncodeToString(r.Value)
		}
		headers := make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
		batch.Records = append(batch.Records, source.Record{
			Data:         data,
			PartitionKey: string(r.Key),
			Topic:        r.Topic,
			Partition:    r.Partition,
			Offset:       r.Offset,
			Headers:      headers,
		})
	}
	return batch
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
