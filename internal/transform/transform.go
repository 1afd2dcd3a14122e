package transform

import (
	"context"

	"github.com/lsm/booking-relay/internal/source"
)

// Transformer turns a batch of raw records into serialized payloads.
type Transformer interface {
	// Transform returns one serialized payload per selected record, in input
	// order. Records that cannot be decoded or are not selected produce no
	// output; Transform never fails as a whole.
	Transform(ctx context.Context, records []source.Record) []string
}

// Func adapts an ordinary function to the Transformer interface.
type Func func(ctx context.Context, records []source.Record) []string

// Transform calls f(ctx, records).
func (f Func) Transform(ctx context.Context, records []source.Record) []string {
	return f(ctx, records)
}
