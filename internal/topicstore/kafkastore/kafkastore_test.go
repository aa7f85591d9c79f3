package kafkastore

import (
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/topicstore"
)

func TestPartitionRange(t *testing.T) {
	cases := []struct {
		p          int32
		start, end int64
		want       topicstore.Partition
	}{
		{0, 0, 0, topicstore.Partition{ID: "0", Oldest: "BEGIN", Newest: "BEGIN"}},
		{3, 0, 10, topicstore.Partition{ID: "3", Oldest: "BEGIN", Newest: "9"}},
		{1, 5, 10, topicstore.Partition{ID: "1", Oldest: "4", Newest: "9"}},
	}
	for _, tc := range cases {
		if got := partitionRange(tc.p, tc.start, tc.end); got != tc.want {
			t.Fatalf("partitionRange(%d, %d, %d) = %+v, want %+v", tc.p, tc.start, tc.end, got, tc.want)
		}
	}
}

func TestRoute(t *testing.T) {
	s := &Store{}
	p, err := s.route("orders", 4, topicstore.PublishRecord{Partition: "2"})
	if err != nil || p != 2 {
		t.Fatalf("explicit partition: %d %v", p, err)
	}
	if _, err := s.route("orders", 4, topicstore.PublishRecord{Partition: "4"}); !errors.Is(err, problems.ErrValidation) {
		t.Fatalf("out of range partition: %v", err)
	}
	a, _ := s.route("orders", 4, topicstore.PublishRecord{Key: "user-1"})
	b, _ := s.route("orders", 4, topicstore.PublishRecord{Key: "user-1"})
	if a != b {
		t.Fatalf("same key routed to %d and %d", a, b)
	}
}

func TestEventFromRecord(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	ev := eventFromRecord(&kgo.Record{Partition: 2, Offset: 41, Key: []byte("k"), Value: []byte(`{"x":1}`), Timestamp: ts})
	if ev.Partition != "2" || ev.Offset != "41" || ev.Key != "k" || !ev.PublishedAt.Equal(ts) {
		t.Fatalf("event: %+v", ev)
	}
}

func TestNewRequiresBrokers(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}
