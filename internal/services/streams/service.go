package streamsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/delivery"
	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/runtime"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// Service exposes topics, publishing and low-level partition streaming on top
// of the runtime's topic store and delivery engine.
type Service struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// New returns a Service logging through the runtime logger.
func New(rt *runtime.Runtime) *Service {
	return NewWithLogger(rt, rt.Logger())
}

// NewWithLogger returns a Service using the provided logger.
func NewWithLogger(rt *runtime.Runtime, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Service{rt: rt, logger: logger.With(logpkg.Component("streams"))}
}

func (s *Service) ListTopics(ctx context.Context) ([]string, error) {
	names, err := s.rt.Topics().ListStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", problems.ErrStreamRead, err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (s *Service) Partitions(ctx context.Context, topic string) ([]topicstore.Partition, error) {
	return s.rt.Topics().ListPartitions(ctx, topic)
}

// Partition describes one partition of topic.
func (s *Service) Partition(ctx context.Context, topic, partition string) (topicstore.Partition, error) {
	parts, err := s.rt.Topics().ListPartitions(ctx, topic)
	if err != nil {
		return topicstore.Partition{}, err
	}
	p, ok := topicstore.FindPartition(parts, partition)
	if !ok {
		return topicstore.Partition{}, fmt.Errorf("%w: %s/%s", problems.ErrNoSuchPartition, topic, partition)
	}
	return p, nil
}

// CreateTopic creates a stream. Zero partitions and retention take the
// store defaults.
func (s *Service) CreateTopic(ctx context.Context, spec topicstore.StreamSpec) error {
	if spec.Partitions < 0 {
		return fmt.Errorf("%w: partitions must not be negative", problems.ErrValidation)
	}
	if err := s.rt.Topics().CreateStream(ctx, spec); err != nil {
		return err
	}
	s.logger.Info("streams.create", logpkg.Str("stream", spec.Name), logpkg.Int("partitions", spec.Partitions))
	return nil
}

// PostEvent appends one JSON payload to a specific partition.
func (s *Service) PostEvent(ctx context.Context, topic, partition string, payload []byte) (topicstore.Event, error) {
	if err := s.checkPayload(payload); err != nil {
		return topicstore.Event{}, fmt.Errorf("%w: %w", problems.ErrValidation, err)
	}
	if _, err := s.Partition(ctx, topic, partition); err != nil {
		return topicstore.Event{}, err
	}
	evs, err := s.rt.Topics().Publish(ctx, topic, []topicstore.PublishRecord{{Partition: partition, Payload: payload}})
	if err != nil {
		return topicstore.Event{}, err
	}
	return evs[0], nil
}

func (s *Service) checkPayload(payload []byte) error {
	if limit := s.rt.Config().TopicStore.PayloadMaxBytes; limit > 0 && len(payload) > limit {
		return fmt.Errorf("event of %d bytes exceeds the %d byte limit", len(payload), limit)
	}
	if !json.Valid(payload) {
		return errors.New("event is not valid JSON")
	}
	return nil
}

// Publish stores a JSON array of events. A malformed body or an unknown
// topic is an error; per-event failures are reported in the result. Nothing
// is stored when any event fails validation or partitioning.
func (s *Service) Publish(ctx context.Context, topic string, body []byte) (PublishResult, error) {
	t0 := time.Now()
	var events []json.RawMessage
	if err := json.Unmarshal(body, &events); err != nil {
		return PublishResult{}, fmt.Errorf("%w: body must be a JSON array of events: %w", problems.ErrValidation, err)
	}
	parts, err := s.rt.Topics().ListPartitions(ctx, topic)
	if err != nil {
		return PublishResult{}, err
	}

	items := make([]BatchItemResponse, len(events))
	metas := make([]eventMetadata, len(events))
	failed := false
	for i, ev := range events {
		items[i] = BatchItemResponse{PublishingStatus: StatusAborted, Step: StepValidating}
		if err := s.decodeEvent(ev, &metas[i]); err != nil {
			items[i] = BatchItemResponse{PublishingStatus: StatusFailed, Step: StepValidating, Detail: err.Error()}
			failed = true
			continue
		}
		items[i].EID = metas[i].Metadata.EID
	}
	if failed {
		return PublishResult{Status: StatusAborted, Step: StepValidating, Items: items}, nil
	}

	recs := make([]topicstore.PublishRecord, len(events))
	for i, ev := range events {
		items[i].Step = StepPartitioning
		p := metas[i].Metadata.Partition
		if p != "" {
			if _, ok := topicstore.FindPartition(parts, p); !ok {
				items[i].PublishingStatus = StatusFailed
				items[i].Detail = fmt.Sprintf("partition %q does not exist", p)
				failed = true
			}
		}
		recs[i] = topicstore.PublishRecord{Partition: p, Payload: ev}
	}
	if failed {
		return PublishResult{Status: StatusAborted, Step: StepPartitioning, Items: items}, nil
	}

	for i := range items {
		items[i].Step = StepPublishing
	}
	if _, err := s.rt.Topics().Publish(ctx, topic, recs); err != nil {
		if problems.IsClientError(err) {
			return PublishResult{}, err
		}
		s.logger.Error("streams.publish", logpkg.Str("stream", topic), logpkg.Err(err))
		for i := range items {
			items[i].PublishingStatus = StatusFailed
			items[i].Detail = "failed to store event"
		}
		return PublishResult{Status: StatusFailed, Step: StepPublishing, Items: items}, nil
	}
	for i := range items {
		items[i].PublishingStatus = StatusSubmitted
	}
	s.logger.Debug("streams.publish",
		logpkg.Str("stream", topic),
		logpkg.Int("events", len(events)),
		logpkg.Int64("dur_ms", time.Since(t0).Milliseconds()))
	return PublishResult{Status: StatusSubmitted, Step: StepPublishing, Items: items}, nil
}

func (s *Service) decodeEvent(ev json.RawMessage, meta *eventMetadata) error {
	if err := s.checkPayload(ev); err != nil {
		return err
	}
	if trimmed := bytes.TrimSpace(ev); len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("event must be a JSON object")
	}
	if err := json.Unmarshal(ev, meta); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}
	return nil
}

// SessionConfig turns consumer parameters into a delivery config, filling
// defaults from the streaming config and capping the stream timeout.
func (s *Service) SessionConfig(stream string, cs []cursors.Cursor, p StreamParams) (delivery.Config, error) {
	sc := s.rt.Config().Streaming
	cfg := delivery.Config{
		Stream:              stream,
		Cursors:             cs,
		BatchLimit:          p.BatchLimit,
		StreamLimit:         p.StreamLimit,
		BatchFlushTimeout:   p.BatchFlushTimeout,
		StreamTimeout:       p.StreamTimeout,
		BatchKeepAliveLimit: p.BatchKeepAliveLimit,
		PollInterval:        sc.PollInterval.D(),
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = sc.BatchLimit
	}
	if cfg.BatchFlushTimeout == 0 {
		cfg.BatchFlushTimeout = sc.BatchFlushTimeout.D()
	}
	if limit := sc.MaxStreamTimeout.D(); limit > 0 && (cfg.StreamTimeout == 0 || cfg.StreamTimeout > limit) {
		cfg.StreamTimeout = limit
	}
	f, err := delivery.CompileFilter(p.Filter)
	if err != nil {
		return delivery.Config{}, err
	}
	cfg.Filter = f
	return cfg, nil
}

// NewSession prepares a delivery session with a fresh stream id.
func (s *Service) NewSession(cfg delivery.Config, sink delivery.Sink) *delivery.Session {
	return s.rt.Engine().NewSession(ulid.Make().String(), cfg, sink)
}

// PartitionSession prepares a session reading one partition of topic after
// startFrom.
func (s *Service) PartitionSession(topic, partition, startFrom string, p StreamParams, sink delivery.Sink) (*delivery.Session, error) {
	if startFrom == "" {
		return nil, fmt.Errorf("%w: start_from is required", problems.ErrValidation)
	}
	cfg, err := s.SessionConfig(topic, []cursors.Cursor{{Partition: partition, Offset: startFrom}}, p)
	if err != nil {
		return nil, err
	}
	return s.NewSession(cfg, sink), nil
}
