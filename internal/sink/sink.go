package sink

import "context"

// Publisher delivers one serialized payload to one destination endpoint.
type Publisher interface {
	// Publish sends payload to endpoint. It returns nil once the sink
	// accepted the payload. Failures are reported to the caller and never
	// retried.
	Publish(ctx context.Context, endpoint, payload string) error
}

// PublishFunc adapts an ordinary function to the Publisher interface.
type PublishFunc func(ctx context.Context, endpoint, payload string) error

// Publish calls f(ctx, endpoint, payload).
func (f PublishFunc) Publish(ctx context.Context, endpoint, payload string) error {
	return f(ctx, endpoint, payload)
}
