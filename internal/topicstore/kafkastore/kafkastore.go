// Package kafkastore implements topicstore.Store on Kafka with franz-go. Each
// stream is a topic; offsets use the shared BEGIN/decimal encoding where a
// cursor names the last consumed Kafka offset.
package kafkastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mdedetrich/nakadi/internal/metrics"
	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// Options configures the Kafka store.
type Options struct {
	Brokers           []string
	ClientID          string
	FetchMaxWait      time.Duration
	DefaultPartitions int
	ReplicationFactor int16
	RetentionAge      time.Duration
	RetentionBytes    int64
	Logger            logpkg.Logger
}

func (o *Options) withDefaults() {
	if o.ClientID == "" {
		o.ClientID = "nakadi"
	}
	if o.FetchMaxWait <= 0 {
		o.FetchMaxWait = 500 * time.Millisecond
	}
	if o.DefaultPartitions <= 0 {
		o.DefaultPartitions = 1
	}
	if o.ReplicationFactor <= 0 {
		o.ReplicationFactor = 1
	}
	if o.Logger == nil {
		o.Logger = logpkg.NewLogger()
	}
}

// Store is a topicstore.Store over a Kafka cluster.
type Store struct {
	opts   Options
	client *kgo.Client
	admin  *kadm.Client
	logger logpkg.Logger
	rr     atomic.Uint64
}

var _ topicstore.Store = (*Store)(nil)

// New connects the shared producer/admin client. Consumers get their own
// client per cursor.
func New(opts Options, extra ...kgo.Opt) (*Store, error) {
	opts.withDefaults()
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafkastore: brokers are required")
	}
	kopts := append([]kgo.Opt{
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ClientID(opts.ClientID),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	}, extra...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Store{
		opts:   opts,
		client: cl,
		admin:  kadm.NewClient(cl),
		logger: opts.Logger.With(logpkg.Component("kafkastore")),
	}, nil
}

func (s *Store) ListStreams(ctx context.Context) ([]string, error) {
	details, err := s.admin.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(details))
	for name, d := range details {
		if d.IsInternal || d.Err != nil {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListPartitions(ctx context.Context, stream string) ([]topicstore.Partition, error) {
	if err := s.ensureTopic(ctx, stream); err != nil {
		return nil, err
	}
	starts, err := s.admin.ListStartOffsets(ctx, stream)
	if err != nil {
		return nil, err
	}
	ends, err := s.admin.ListEndOffsets(ctx, stream)
	if err != nil {
		return nil, err
	}
	byPart := starts[stream]
	out := make([]topicstore.Partition, 0, len(byPart))
	for p, start := range byPart {
		if start.Err != nil {
			return nil, start.Err
		}
		end := ends[stream][p]
		if end.Err != nil {
			return nil, end.Err
		}
		out = append(out, partitionRange(p, start.Offset, end.Offset))
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	return out, nil
}

// partitionRange converts Kafka's [start, end) into committable offsets.
func partitionRange(p int32, start, end int64) topicstore.Partition {
	return topicstore.Partition{
		ID:     strconv.FormatInt(int64(p), 10),
		Oldest: topicstore.FormatOffset(start - 1),
		Newest: topicstore.FormatOffset(end - 1),
	}
}

func (s *Store) ensureTopic(ctx context.Context, stream string) error {
	details, err := s.admin.ListTopics(ctx, stream)
	if err != nil {
		return err
	}
	d, ok := details[stream]
	if !ok || errors.Is(d.Err, kerr.UnknownTopicOrPartition) {
		return fmt.Errorf("%w: %s", problems.ErrNoSuchStream, stream)
	}
	return d.Err
}

func (s *Store) CompareOffsets(a, b string) (int, error) { return topicstore.CompareOffsets(a, b) }

func (s *Store) partition(ctx context.Context, stream, partition string) (topicstore.Partition, error) {
	parts, err := s.ListPartitions(ctx, stream)
	if err != nil {
		return topicstore.Partition{}, err
	}
	p, ok := topicstore.FindPartition(parts, partition)
	if !ok {
		return topicstore.Partition{}, problems.InvalidCursor(problems.CursorPartitionNotFound, partition, "", nil)
	}
	return p, nil
}

func (s *Store) ValidateOffset(ctx context.Context, stream, partition, offset string) error {
	p, err := s.partition(ctx, stream, partition)
	if err != nil {
		return err
	}
	return topicstore.CheckRange(p, offset)
}

func (s *Store) OpenCursor(ctx context.Context, stream, partition, startOffset string) (topicstore.Cursor, error) {
	p, err := s.partition(ctx, stream, partition)
	if err != nil {
		return nil, err
	}
	if err := topicstore.CheckRange(p, startOffset); err != nil {
		return nil, err
	}
	v, _ := topicstore.ParseOffset(partition, startOffset)
	at := kgo.NewOffset().AtStart()
	if v >= 0 {
		at = kgo.NewOffset().At(v + 1)
	}
	pid, _ := strconv.ParseInt(partition, 10, 32)
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(s.opts.Brokers...),
		kgo.ClientID(s.opts.ClientID),
		kgo.FetchMaxWait(s.opts.FetchMaxWait),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{stream: {int32(pid): at}}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", problems.ErrStreamRead, err)
	}
	return &cursor{client: cl, partition: partition}, nil
}

func (s *Store) CreateStream(ctx context.Context, spec topicstore.StreamSpec) error {
	if !topicstore.ValidStreamName(spec.Name) {
		return fmt.Errorf("%w: invalid stream name %q", problems.ErrValidation, spec.Name)
	}
	parts := spec.Partitions
	if parts <= 0 {
		parts = s.opts.DefaultPartitions
	}
	configs := map[string]*string{}
	age := spec.RetentionAge
	if age <= 0 {
		age = s.opts.RetentionAge
	}
	if age > 0 {
		v := strconv.FormatInt(age.Milliseconds(), 10)
		configs["retention.ms"] = &v
	}
	size := spec.RetentionBytes
	if size <= 0 {
		size = s.opts.RetentionBytes
	}
	if size > 0 {
		v := strconv.FormatInt(size, 10)
		configs["retention.bytes"] = &v
	}
	resp, err := s.admin.CreateTopic(ctx, int32(parts), s.opts.ReplicationFactor, configs, spec.Name)
	if err == nil {
		err = resp.Err
	}
	if errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("%w: stream %s already exists", problems.ErrConflict, spec.Name)
	}
	if err != nil {
		return err
	}
	s.logger.With(logpkg.Str("stream", spec.Name), logpkg.Int("partitions", parts)).Info("topics.create")
	return nil
}

func (s *Store) Publish(ctx context.Context, stream string, recs []topicstore.PublishRecord) ([]topicstore.Event, error) {
	parts, err := s.ListPartitions(ctx, stream)
	if err != nil {
		return nil, err
	}
	krecs := make([]*kgo.Record, len(recs))
	for i, r := range recs {
		p, err := s.route(stream, len(parts), r)
		if err != nil {
			return nil, err
		}
		krecs[i] = &kgo.Record{Topic: stream, Partition: p, Value: r.Payload}
		if r.Key != "" {
			krecs[i].Key = []byte(r.Key)
		}
	}
	results := s.client.ProduceSync(ctx, krecs...)
	if err := results.FirstErr(); err != nil {
		return nil, err
	}
	out := make([]topicstore.Event, len(results))
	for i, res := range results {
		out[i] = eventFromRecord(res.Record)
	}
	metrics.EventsPublished.WithLabelValues(stream).Add(float64(len(recs)))
	return out, nil
}

func (s *Store) route(stream string, n int, r topicstore.PublishRecord) (int32, error) {
	if r.Partition != "" {
		p, err := strconv.ParseInt(r.Partition, 10, 32)
		if err != nil || p < 0 || int(p) >= n {
			return 0, fmt.Errorf("%w: partition %q does not exist in %s", problems.ErrValidation, r.Partition, stream)
		}
		return int32(p), nil
	}
	if r.Key != "" {
		return int32(crc32.ChecksumIEEE([]byte(r.Key)) % uint32(n)), nil
	}
	return int32(s.rr.Add(1) % uint64(n)), nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func eventFromRecord(r *kgo.Record) topicstore.Event {
	return topicstore.Event{
		Partition:   strconv.FormatInt(int64(r.Partition), 10),
		Offset:      topicstore.FormatOffset(r.Offset),
		Key:         string(r.Key),
		Payload:     json.RawMessage(r.Value),
		PublishedAt: r.Timestamp,
	}
}

type cursor struct {
	client    *kgo.Client
	partition string
	closed    atomic.Bool
}

func (c *cursor) Partition() string { return c.partition }

func (c *cursor) Poll(ctx context.Context, max int, maxWait time.Duration) ([]topicstore.Event, error) {
	if c.closed.Load() {
		return nil, topicstore.ErrCursorClosed
	}
	if maxWait < time.Millisecond {
		maxWait = time.Millisecond
	}
	pctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	fetches := c.client.PollRecords(pctx, max)
	if fetches.IsClientClosed() {
		return nil, topicstore.ErrCursorClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf("%w: %s/%d: %w", problems.ErrStreamRead, fe.Topic, fe.Partition, fe.Err)
	}
	var out []topicstore.Event
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, eventFromRecord(r))
	})
	return out, nil
}

func (c *cursor) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.client.Close()
	}
	return nil
}
