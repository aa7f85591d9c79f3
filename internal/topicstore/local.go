package topicstore

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdedetrich/nakadi/internal/eventlog"
	"github.com/mdedetrich/nakadi/internal/metrics"
	"github.com/mdedetrich/nakadi/internal/problems"
	pebblestore "github.com/mdedetrich/nakadi/internal/storage/pebble"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// LocalOptions configures the embedded store.
type LocalOptions struct {
	DefaultPartitions int
	// Default retention for streams created without their own limits.
	RetentionAge   time.Duration
	RetentionBytes int64
	Logger         logpkg.Logger
}

// Local is a Store backed by per-partition event logs in Pebble. Offsets are
// BeginOffset or the decimal sequence of the last consumed event.
type Local struct {
	db     *pebblestore.DB
	opts   LocalOptions
	logger logpkg.Logger

	mu    sync.Mutex
	logs  map[logID]*eventlog.Log
	metas map[string]streamMeta

	createMu sync.Mutex
	rr       atomic.Uint64
}

type logID struct {
	stream string
	part   uint32
}

var _ Store = (*Local)(nil)

// NewLocal returns a store over db. The caller keeps ownership of db.
func NewLocal(db *pebblestore.DB, opts LocalOptions) *Local {
	if opts.DefaultPartitions <= 0 {
		opts.DefaultPartitions = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Local{
		db:     db,
		opts:   opts,
		logger: logger.With(logpkg.Component("topicstore")),
		logs:   map[logID]*eventlog.Log{},
		metas:  map[string]streamMeta{},
	}
}

func (s *Local) ListStreams(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.ScanPrefix(streamMetaPrefix, func(key, _ []byte) bool {
		out = append(out, string(key[len(streamMetaPrefix):]))
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

func (s *Local) meta(stream string) (streamMeta, error) {
	s.mu.Lock()
	m, ok := s.metas[stream]
	s.mu.Unlock()
	if ok {
		return m, nil
	}
	m, found, err := readStreamMeta(s.db, stream)
	if err != nil {
		return streamMeta{}, err
	}
	if !found {
		return streamMeta{}, fmt.Errorf("%w: %s", problems.ErrNoSuchStream, stream)
	}
	s.mu.Lock()
	s.metas[stream] = m
	s.mu.Unlock()
	return m, nil
}

func (s *Local) openLog(stream string, part uint32) (*eventlog.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := logID{stream, part}
	if l, ok := s.logs[id]; ok {
		return l, nil
	}
	l, err := eventlog.OpenLog(s.db, stream, part)
	if err != nil {
		return nil, err
	}
	l.SetTrimObserver(trimMetrics{})
	s.logs[id] = l
	return l, nil
}

// partitionLog resolves a partition id string to its log.
func (s *Local) partitionLog(stream, partition string) (*eventlog.Log, error) {
	m, err := s.meta(stream)
	if err != nil {
		return nil, err
	}
	p, err := strconv.ParseUint(partition, 10, 32)
	if err != nil || int(p) >= m.Partitions {
		return nil, problems.InvalidCursor(problems.CursorPartitionNotFound, partition, "", nil)
	}
	return s.openLog(stream, uint32(p))
}

func (s *Local) ListPartitions(ctx context.Context, stream string) ([]Partition, error) {
	m, err := s.meta(stream)
	if err != nil {
		return nil, err
	}
	out := make([]Partition, 0, m.Partitions)
	for i := 0; i < m.Partitions; i++ {
		l, err := s.openLog(stream, uint32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, describe(l))
	}
	return out, ctx.Err()
}

func describe(l *eventlog.Log) Partition {
	first, last := l.Bounds()
	return Partition{
		ID:     strconv.FormatUint(uint64(l.Partition()), 10),
		Oldest: seqOffset(first - 1),
		Newest: seqOffset(last),
	}
}

func seqOffset(seq uint64) string {
	if seq == 0 {
		return BeginOffset
	}
	return strconv.FormatUint(seq, 10)
}

func (s *Local) CompareOffsets(a, b string) (int, error) { return CompareOffsets(a, b) }

func (s *Local) ValidateOffset(ctx context.Context, stream, partition, offset string) error {
	l, err := s.partitionLog(stream, partition)
	if err != nil {
		return err
	}
	return CheckRange(describe(l), offset)
}

func (s *Local) OpenCursor(ctx context.Context, stream, partition, startOffset string) (Cursor, error) {
	l, err := s.partitionLog(stream, partition)
	if err != nil {
		return nil, err
	}
	if err := CheckRange(describe(l), startOffset); err != nil {
		return nil, err
	}
	v, _ := ParseOffset(partition, startOffset)
	var after uint64
	if v > 0 {
		after = uint64(v)
	}
	return &localCursor{log: l, partition: partition, after: after}, nil
}

func (s *Local) CreateStream(ctx context.Context, spec StreamSpec) error {
	if !ValidStreamName(spec.Name) {
		return fmt.Errorf("%w: invalid stream name %q", problems.ErrValidation, spec.Name)
	}
	if spec.Partitions < 0 {
		return fmt.Errorf("%w: partitions must be positive", problems.ErrValidation)
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()
	if _, found, err := readStreamMeta(s.db, spec.Name); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: stream %s already exists", problems.ErrConflict, spec.Name)
	}
	m := streamMeta{
		Name:           spec.Name,
		Partitions:     spec.Partitions,
		RetentionAgeMs: spec.RetentionAge.Milliseconds(),
		RetentionBytes: spec.RetentionBytes,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
	if m.Partitions == 0 {
		m.Partitions = s.opts.DefaultPartitions
	}
	if m.RetentionAgeMs == 0 {
		m.RetentionAgeMs = s.opts.RetentionAge.Milliseconds()
	}
	if m.RetentionBytes == 0 {
		m.RetentionBytes = s.opts.RetentionBytes
	}
	if err := writeStreamMeta(s.db, m); err != nil {
		return err
	}
	s.logger.With(logpkg.Str("stream", m.Name), logpkg.Int("partitions", m.Partitions)).Info("topics.create")
	return nil
}

func (s *Local) Publish(ctx context.Context, stream string, recs []PublishRecord) ([]Event, error) {
	t0 := time.Now()
	m, err := s.meta(stream)
	if err != nil {
		return nil, err
	}
	byPart := map[uint32][]int{}
	order := []uint32{}
	for i, r := range recs {
		p, err := s.route(m, r)
		if err != nil {
			return nil, err
		}
		if _, seen := byPart[p]; !seen {
			order = append(order, p)
		}
		byPart[p] = append(byPart[p], i)
	}

	out := make([]Event, len(recs))
	for _, p := range order {
		l, err := s.openLog(stream, p)
		if err != nil {
			return nil, err
		}
		idx := byPart[p]
		batch := make([]eventlog.AppendRecord, len(idx))
		for j, i := range idx {
			batch[j] = eventlog.AppendRecord{Header: []byte(recs[i].Key), Payload: recs[i].Payload}
		}
		seqs, err := l.Append(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("append %s/%d: %w", stream, p, err)
		}
		now := time.Now()
		for j, i := range idx {
			out[i] = Event{
				Partition:   strconv.FormatUint(uint64(p), 10),
				Offset:      seqOffset(seqs[j]),
				Key:         recs[i].Key,
				Payload:     json.RawMessage(recs[i].Payload),
				PublishedAt: now,
			}
		}
		s.applyRetention(ctx, m, l)
	}
	metrics.EventsPublished.WithLabelValues(stream).Add(float64(len(recs)))
	s.logger.With(
		logpkg.Str("stream", stream),
		logpkg.Int("events", len(recs)),
		logpkg.Int("partitions", len(order)),
		logpkg.Int64("dur_ms", time.Since(t0).Milliseconds()),
	).Debug("topics.publish")
	return out, nil
}

func (s *Local) route(m streamMeta, r PublishRecord) (uint32, error) {
	if r.Partition != "" {
		p, err := strconv.ParseUint(r.Partition, 10, 32)
		if err != nil || int(p) >= m.Partitions {
			return 0, fmt.Errorf("%w: partition %q does not exist in %s", problems.ErrValidation, r.Partition, m.Name)
		}
		return uint32(p), nil
	}
	if r.Key != "" {
		return crc32.ChecksumIEEE([]byte(r.Key)) % uint32(m.Partitions), nil
	}
	return uint32(s.rr.Add(1) % uint64(m.Partitions)), nil
}

// applyRetention trims after publish; failures only log.
func (s *Local) applyRetention(ctx context.Context, m streamMeta, l *eventlog.Log) {
	if age := m.retentionAge(); age > 0 {
		if _, err := l.TrimOlderThan(ctx, time.Now().Add(-age).UnixMilli(), 2048, 0); err != nil {
			s.logger.Warn("retention trim by age failed", logpkg.Str("stream", m.Name), logpkg.Err(err))
		}
	}
	if m.RetentionBytes > 0 {
		if _, err := l.TrimToMaxBytes(ctx, m.RetentionBytes, 2048, 0); err != nil {
			s.logger.Warn("retention trim by size failed", logpkg.Str("stream", m.Name), logpkg.Err(err))
		}
	}
}

func (s *Local) Ping(ctx context.Context) error {
	_, err := s.db.Has(streamMetaPrefix)
	return err
}

// Close is a no-op; the database belongs to the caller.
func (s *Local) Close() error { return nil }

type trimMetrics struct{}

func (trimMetrics) ObserveTrim(stream string, _ uint32, minSeq, maxSeq uint64) {
	metrics.EventsTrimmed.WithLabelValues(stream).Add(float64(maxSeq - minSeq + 1))
}

type localCursor struct {
	log       *eventlog.Log
	partition string
	after     uint64
	closed    atomic.Bool
}

func (c *localCursor) Partition() string { return c.partition }

func (c *localCursor) Poll(ctx context.Context, max int, maxWait time.Duration) ([]Event, error) {
	for {
		if c.closed.Load() {
			return nil, ErrCursorClosed
		}
		changed := c.log.Changed()
		items, err := c.log.Read(eventlog.ReadOptions{After: c.after, Limit: max})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", problems.ErrStreamRead, err)
		}
		if len(items) > 0 || maxWait <= 0 {
			return c.toEvents(items), nil
		}
		if !eventlog.WaitOn(ctx, changed, maxWait) {
			return nil, nil
		}
		maxWait = 0
	}
}

func (c *localCursor) toEvents(items []eventlog.Item) []Event {
	if len(items) == 0 {
		return nil
	}
	out := make([]Event, len(items))
	for i, it := range items {
		out[i] = Event{
			Partition:   c.partition,
			Offset:      seqOffset(it.Seq),
			Key:         string(it.Header),
			Payload:     json.RawMessage(it.Payload),
			PublishedAt: time.UnixMilli(it.AppendedMs),
		}
	}
	c.after = items[len(items)-1].Seq
	return out
}

func (c *localCursor) Close() error {
	c.closed.Store(true)
	return nil
}
