package kafka

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/booking-relay/internal/kafka"
	"github.com/lsm/booking-relay/internal/source"
)

type fakeConsumer struct {
	mu        sync.Mutex
	polls     []kgo.Fetches
	marked    []*kgo.Record
	commits   int
	commitErr error
	closed    bool
}

func (f *fakeConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	f.mu.Lock()
	if len(f.polls) > 0 {
		next := f.polls[0]
		f.polls = f.polls[1:]
		f.mu.Unlock()
		return next
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kgo.NewErrFetch(ctx.Err())
}

func (f *fakeConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, rs...)
}

func (f *fakeConsumer) CommitMarkedOffsets(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return f.commitErr
}

func (f *fakeConsumer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeLister struct {
	details kadm.TopicDetails
}

func (f *fakeLister) ListTopics(context.Context, ...string) (kadm.TopicDetails, error) {
	return f.details, nil
}

func fetch(topic string, partitions map[int32][]*kgo.Record) kgo.Fetches {
	ft := kgo.FetchTopic{Topic: topic}
	for p := int32(0); p < int32(len(partitions)); p++ {
		ft.Partitions = append(ft.Partitions, kgo.FetchPartition{Partition: p, Records: partitions[p]})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{ft}}}
}

func record(topic string, partition int32, offset int64, value string, headers ...kgo.RecordHeader) *kgo.Record {
	return &kgo.Record{Topic: topic, Partition: partition, Offset: offset, Value: []byte(value), Headers: headers}
}

func newTestSource(c *fakeConsumer, base64Encoded bool) *Source {
	return &Source{
		client:        c,
		topic:         "bookings",
		base64Encoded: base64Encoded,
		holdInterval:  time.Millisecond,
		logger:        slog.Default(),
		tracer:        noop.NewTracerProvider().Tracer("test"),
	}
}

// run starts the source and stops it once the handler has seen n batches.
func run(t *testing.T, s *Source, n int, result error) []source.Batch {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var batches []source.Batch
	err := s.Start(ctx, func(_ context.Context, b source.Batch) (source.Result, error) {
		batches = append(batches, b)
		if len(batches) == n {
			cancel()
		}
		return source.Result{Records: len(b.Records)}, result
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	return batches
}

func TestSource_OnePollIsOneBatch(t *testing.T) {
	r1 := record("bookings", 0, 10, `{"type":"booking_completed"}`)
	r2 := record("bookings", 0, 11, `{"type":"booking_request"}`)
	r3 := record("bookings", 1, 4, `{"type":"x"}`)
	c := &fakeConsumer{polls: []kgo.Fetches{fetch("bookings", map[int32][]*kgo.Record{0: {r1, r2}, 1: {r3}})}}

	batches := run(t, newTestSource(c, false), 1, nil)

	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	recs := batches[0].Records
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	want := base64.StdEncoding.EncodeToString([]byte(`{"type":"booking_completed"}`))
	if recs[0].Data != want {
		t.Errorf("expected raw value to be base64 encoded, got %s", recs[0].Data)
	}
	if recs[2].Partition != 1 || recs[2].Offset != 4 {
		t.Errorf("record metadata lost: %+v", recs[2])
	}
	if c.commits != 1 || len(c.marked) != 3 {
		t.Errorf("expected all 3 records committed once, got commits=%d marked=%d", c.commits, len(c.marked))
	}
}

func TestSource_Base64EncodedValues(t *testing.T) {
	c := &fakeConsumer{polls: []kgo.Fetches{fetch("bookings", map[int32][]*kgo.Record{0: {record("bookings", 0, 1, "eyJ0eXBlIjoieCJ9")}})}}

	batches := run(t, newTestSource(c, true), 1, nil)

	if got := batches[0].Records[0].Data; got != "eyJ0eXBlIjoieCJ9" {
		t.Errorf("expected value passed through, got %s", got)
	}
}

func TestSource_HandlerErrorLeavesBatchUncommitted(t *testing.T) {
	c := &fakeConsumer{polls: []kgo.Fetches{fetch("bookings", map[int32][]*kgo.Record{0: {record("bookings", 0, 1, "{}")}})}}

	run(t, newTestSource(c, false), 1, errors.New("no PUBLISH_URL defined"))

	if c.commits != 0 || len(c.marked) != 0 {
		t.Errorf("expected no commit, got commits=%d marked=%d", c.commits, len(c.marked))
	}
}

func TestSource_RejectedBatchHeldUntilAccepted(t *testing.T) {
	first := record("bookings", 0, 1, "{}")
	second := record("bookings", 0, 2, "{}")
	c := &fakeConsumer{polls: []kgo.Fetches{
		fetch("bookings", map[int32][]*kgo.Record{0: {first}}),
		fetch("bookings", map[int32][]*kgo.Record{0: {second}}),
	}}
	s := newTestSource(c, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var offsets []int64
	var corrIDs []string
	err := s.Start(ctx, func(_ context.Context, b source.Batch) (source.Result, error) {
		offsets = append(offsets, b.Records[0].Offset)
		corrIDs = append(corrIDs, b.CorrelationID)
		if len(offsets) < 3 {
			c.mu.Lock()
			marked, commits := len(c.marked), c.commits
			c.mu.Unlock()
			if marked != 0 || commits != 0 {
				t.Errorf("nothing may be committed while a batch is held, got marked=%d commits=%d", marked, commits)
			}
			return source.Result{}, errors.New("no PUBLISH_URL defined")
		}
		if len(offsets) == 4 {
			cancel()
		}
		return source.Result{Records: len(b.Records)}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	want := []int64{1, 1, 1, 2}
	if len(offsets) != len(want) {
		t.Fatalf("expected handler offsets %v, got %v", want, offsets)
	}
	for i := range want {
		if offsets[i] != want[i] {
			t.Fatalf("expected handler offsets %v, got %v", want, offsets)
		}
	}
	if corrIDs[0] != corrIDs[1] || corrIDs[1] != corrIDs[2] {
		t.Errorf("held batch must keep its correlation ID, got %v", corrIDs[:3])
	}
	if c.commits != 2 || len(c.marked) != 2 || c.marked[0] != first || c.marked[1] != second {
		t.Errorf("expected first then second committed, got commits=%d marked=%v", c.commits, c.marked)
	}
}

func TestSource_CommitErrorDoesNotStop(t *testing.T) {
	c := &fakeConsumer{
		polls: []kgo.Fetches{
			fetch("bookings", map[int32][]*kgo.Record{0: {record("bookings", 0, 1, "{}")}}),
			fetch("bookings", map[int32][]*kgo.Record{0: {record("bookings", 0, 2, "{}")}}),
		},
		commitErr: errors.New("rebalance in progress"),
	}

	batches := run(t, newTestSource(c, false), 2, nil)
	if len(batches) != 2 {
		t.Errorf("expected consumption to continue after commit error, got %d batches", len(batches))
	}
}

func TestSource_CorrelationFromHeaders(t *testing.T) {
	r := record("bookings", 0, 1, "{}", kgo.RecordHeader{Key: "x-correlation-id", Value: []byte("corr-7")})
	c := &fakeConsumer{polls: []kgo.Fetches{fetch("bookings", map[int32][]*kgo.Record{0: {r}})}}

	batches := run(t, newTestSource(c, false), 1, nil)
	if batches[0].CorrelationID != "corr-7" {
		t.Errorf("expected corr-7, got %s", batches[0].CorrelationID)
	}
	if batches[0].Records[0].Headers["x-correlation-id"] != "corr-7" {
		t.Errorf("headers not carried: %v", batches[0].Records[0].Headers)
	}
}

func TestSource_EmptyPollSkipsHandler(t *testing.T) {
	c := &fakeConsumer{polls: []kgo.Fetches{
		{},
		fetch("bookings", map[int32][]*kgo.Record{0: {record("bookings", 0, 1, "{}")}}),
	}}

	batches := run(t, newTestSource(c, false), 1, nil)
	if len(batches) != 1 || len(batches[0].Records) != 1 {
		t.Errorf("expected only the non-empty poll to reach the handler, got %+v", batches)
	}
}

func TestSource_TopicCheck(t *testing.T) {
	c := &fakeConsumer{}
	s := newTestSource(c, false)
	s.admin = &fakeLister{details: kadm.TopicDetails{}}

	err := s.Start(context.Background(), func(context.Context, source.Batch) (source.Result, error) {
		t.Error("handler must not be called")
		return source.Result{}, nil
	})
	if !errors.Is(err, kafka.ErrTopicNotFound) {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
}

func TestSource_Close(t *testing.T) {
	c := &fakeConsumer{}
	if err := newTestSource(c, false).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !c.closed {
		t.Error("expected client to be closed")
	}
}

func TestNewSource_Validation(t *testing.T) {
	cluster := &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing cluster", Config{Topic: "t", ConsumerGroup: "g"}},
		{"missing topic", Config{Cluster: cluster, ConsumerGroup: "g"}},
		{"missing consumer group", Config{Cluster: cluster, Topic: "t"}},
		{"bad sasl", Config{Cluster: &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}, Auth: kafka.AuthConfig{Mechanism: "GSSAPI"}}, Topic: "t", ConsumerGroup: "g"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSource(tt.cfg, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewSource_ValidConfig(t *testing.T) {
	s, err := NewSource(Config{
		Cluster:       &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}},
		Topic:         "bookings",
		ConsumerGroup: "booking-relay",
		StartOffset:   "earliest",
		Base64Encoded: true,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.topic != "bookings" || !s.base64Encoded {
		t.Errorf("unexpected source %+v", s)
	}
	if s.admin == nil {
		t.Error("expected topic check to be enabled by default")
	}
}
