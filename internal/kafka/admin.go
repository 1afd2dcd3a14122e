package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrTopicNotFound is returned by CheckTopic when the broker does not know
// the topic.
var ErrTopicNotFound = errors.New("topic not found")

// TopicLister is the subset of kadm.Client used by CheckTopic.
type TopicLister interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
}

// NewAdmin wraps an existing client for metadata requests.
func NewAdmin(cl *kgo.Client) *kadm.Client {
	return kadm.NewClient(cl)
}

// CheckTopic verifies that topic exists and has partitions.
func CheckTopic(ctx context.Context, admin TopicLister, topic string) error {
	details, err := admin.ListTopics(ctx, topic)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	d, ok := details[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
	}
	if d.Err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTopicNotFound, topic, d.Err)
	}
	if len(d.Partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", topic)
	}
	return nil
}
