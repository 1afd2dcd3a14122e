package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrCorrelationID = "relay.correlation_id"
	AttrBatchRecords  = "relay.batch.records"
	AttrBatchPayloads = "relay.batch.payloads"
	AttrBatchFailed   = "relay.batch.failed"
	AttrKafkaTopic    = "messaging.kafka.topic"
	AttrHTTPTarget    = "http.target"
	AttrHTTPStatus    = "http.status_code"
)

// Span names.
const (
	SpanBatch        = "relay.batch"
	SpanTransform    = "relay.transform"
	SpanHTTPPublish  = "http.publish"
	SpanKafkaConsume = "kafka.consume"
)

// StartSpan starts a span. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func BatchRecordsAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchRecords, n)
}

func BatchPayloadsAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchPayloads, n)
}

func BatchFailedAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchFailed, n)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}
