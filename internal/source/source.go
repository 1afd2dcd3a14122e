package source

import "context"

// Record is one opaque stream record. Data holds base64 text that decodes
// to a JSON document; the remaining fields are carried for logging only.
type Record struct {
	Data           string
	PartitionKey   string
	SequenceNumber string
	Topic          string
	Partition      int32
	Offset         int64
	Headers        map[string]string
}

// Batch is the ordered set of records delivered in one invocation.
type Batch struct {
	Records       []Record
	CorrelationID string
}

// Result summarizes how a batch was handled.
type Result struct {
	Records   int `json:"records"`
	Payloads  int `json:"payloads"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Handler processes one batch. A non-nil error tells the runtime the batch
// was not handled (it is not committed or acknowledged). Delivery failures
// are reported in the Result, not as an error.
type Handler func(context.Context, Batch) (Result, error)

// Source delivers batches of records from an external runtime.
type Source interface {
	// Start begins delivering batches. Blocks until ctx is cancelled.
	Start(ctx context.Context, handler Handler) error

	// Close performs graceful shutdown.
	Close() error
}
