package booking

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lsm/booking-relay/internal/observability"
	"github.com/lsm/booking-relay/internal/source"
)

// Skip reasons reported in logs and metrics.
const (
	SkipNotMatching = "not_matching"
	SkipBase64      = "invalid_base64"
	SkipJSON        = "invalid_json"
	SkipMalformed   = "malformed_event"
	SkipPredicate   = "filtered"
)

// Predicate narrows the set of completed bookings that are forwarded.
type Predicate interface {
	Match(ctx context.Context, doc Document) (bool, error)
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithLogger sets the logger used for skipped records.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPredicate adds a selection predicate evaluated on every completed
// booking. A nil predicate selects everything.
func WithPredicate(p Predicate) Option {
	return func(t *Transformer) {
		t.predicate = p
	}
}

// WithMetrics records skipped records on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Transformer) {
		t.metrics = m
	}
}

// Transformer selects booking_completed events from a batch and emits the
// normalized buyer payload for each. It implements transform.Transformer.
type Transformer struct {
	logger    *slog.Logger
	predicate Predicate
	metrics   *observability.Metrics
}

// NewTransformer creates a booking transformer.
func NewTransformer(opts ...Option) *Transformer {
	t := &Transformer{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform decodes every record and returns the serialized payloads of the
// selected ones, preserving input order.
func (t *Transformer) Transform(ctx context.Context, records []source.Record) []string {
	out := make([]string, 0, len(records))
	for i, rec := range records {
		payload, reason, err := t.transformRecord(ctx, rec)
		if reason != "" {
			t.skip(i, rec, reason, err)
			continue
		}
		out = append(out, payload)
	}
	return out
}

func (t *Transformer) transformRecord(ctx context.Context, rec source.Record) (string, string, error) {
	raw, err := DecodeData(rec.Data)
	if err != nil {
		return "", SkipBase64, err
	}

	evt, doc, err := Parse(raw)
	if err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			return "", SkipMalformed, err
		}
		return "", SkipJSON, err
	}

	var bc BookingCompleted
	switch e := evt.(type) {
	case BookingCompleted:
		bc = e
	default:
		return "", SkipNotMatching, nil
	}

	if t.predicate != nil {
		ok, err := t.predicate.Match(ctx, doc)
		if err != nil || !ok {
			return "", SkipPredicate, err
		}
	}

	payload, err := Marshal(Normalize(bc))
	if err != nil {
		return "", SkipMalformed, err
	}
	return payload, "", nil
}

func (t *Transformer) skip(index int, rec source.Record, reason string, err error) {
	if t.metrics != nil {
		t.metrics.RecordsSkipped.WithLabelValues(reason).Inc()
	}

	attrs := []any{"record", index, "reason", reason}
	if rec.SequenceNumber != "" {
		attrs = append(attrs, "sequence_number", rec.SequenceNumber)
	}
	if err == nil {
		t.logger.Debug("record skipped", attrs...)
		return
	}
	t.logger.Warn("record skipped", append(attrs, "error", err)...)
}
