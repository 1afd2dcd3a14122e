// Package correlation assigns batch correlation IDs and carries W3C trace
// context from runtime headers into the dispatch context.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/lsm/booking-relay/internal/tracing"
)

const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderRequestID     = "x-request-id"
	HeaderTraceparent   = "traceparent"
)

// ID is a correlation ID and where it came from.
type ID struct {
	Value  string
	Source string
}

// ExtractOrGenerate picks a correlation ID from headers, falling back to a
// new UUID. Header names are matched case-insensitively.
// Priority: x-correlation-id > x-request-id > traceparent trace ID > new UUID.
func ExtractOrGenerate(headers map[string]string) ID {
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}

	if id := lower[HeaderCorrelationID]; id != "" {
		return ID{Value: id, Source: HeaderCorrelationID}
	}
	if id := lower[HeaderRequestID]; id != "" {
		return ID{Value: id, Source: HeaderRequestID}
	}
	if traceID := extractTraceID(lower[HeaderTraceparent]); traceID != "" {
		return ID{Value: traceID, Source: HeaderTraceparent}
	}
	return ID{Value: uuid.NewString(), Source: "generated"}
}

// extractTraceID parses version-traceid-parentid-flags.
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// ExtractTraceContext returns ctx carrying the remote span described by
// headers, if any.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	carrier := make(propagation.MapCarrier, len(headers))
	for k, v := range headers {
		carrier[strings.ToLower(k)] = v
	}
	return tracing.Propagator().Extract(ctx, carrier)
}
