package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

type fakeLister struct {
	details kadm.TopicDetails
	err     error
}

func (f *fakeLister) ListTopics(_ context.Context, _ ...string) (kadm.TopicDetails, error) {
	return f.details, f.err
}

func TestCheckTopic(t *testing.T) {
	withPartition := kadm.PartitionDetails{0: {Topic: "bookings", Partition: 0}}

	tests := []struct {
		name     string
		lister   *fakeLister
		wantErr  bool
		notFound bool
	}{
		{
			name:   "exists",
			lister: &fakeLister{details: kadm.TopicDetails{"bookings": {Topic: "bookings", Partitions: withPartition}}},
		},
		{
			name:     "absent",
			lister:   &fakeLister{details: kadm.TopicDetails{}},
			wantErr:  true,
			notFound: true,
		},
		{
			name:     "unknown topic error",
			lister:   &fakeLister{details: kadm.TopicDetails{"bookings": {Topic: "bookings", Err: kerr.UnknownTopicOrPartition}}},
			wantErr:  true,
			notFound: true,
		},
		{
			name:    "no partitions",
			lister:  &fakeLister{details: kadm.TopicDetails{"bookings": {Topic: "bookings"}}},
			wantErr: true,
		},
		{
			name:    "request failed",
			lister:  &fakeLister{err: errors.New("connection refused")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTopic(context.Background(), tt.lister, "bookings")
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckTopic() error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrTopicNotFound) != tt.notFound {
				t.Errorf("errors.Is(ErrTopicNotFound) = %v, want %v (err %v)", !tt.notFound, tt.notFound, err)
			}
		})
	}
}
