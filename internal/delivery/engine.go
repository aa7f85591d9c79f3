package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/metrics"
	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// Options configures an Engine.
type Options struct {
	Logger logpkg.Logger
}

// Engine creates stream sessions over a topic store. Sessions share nothing
// but the store.
type Engine struct {
	topics topicstore.Store
	logger logpkg.Logger
	now    func() time.Time
}

// NewEngine returns an Engine reading from topics.
func NewEngine(topics topicstore.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Engine{topics: topics, logger: logger.With(logpkg.Component("delivery")), now: time.Now}
}

// Result summarizes a finished session.
type Result struct {
	State      State
	Events     int
	Batches    int
	KeepAlives int
	// Err is the cause of a FAILED session.
	Err error
}

// Session streams one consumer connection. Run drives it to a terminal state;
// State may be read concurrently.
type Session struct {
	id     string
	cfg    Config
	sink   Sink
	topics topicstore.Store
	now    func() time.Time
	logger logpkg.Logger

	state    atomic.Int32
	parts    []*partitionState
	accepted int
	res      Result
}

type partitionState struct {
	id     string
	cursor topicstore.Cursor
	// offset is the position of the last event read, delivered or filtered.
	offset     string
	pending    []json.RawMessage
	batchStart time.Time
	// emptyCycles counts consecutive cycles without a deliverable event.
	emptyCycles int
	activeCycle bool
}

// NewSession prepares a session; nothing is read until Run.
func (e *Engine) NewSession(id string, cfg Config, sink Sink) *Session {
	s := &Session{
		id:     id,
		cfg:    cfg,
		sink:   sink,
		topics: e.topics,
		now:    e.now,
		logger: e.logger.With(logpkg.Str("session", id), logpkg.Str("stream", cfg.Stream)),
	}
	s.state.Store(int32(StateStarting))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Run validates the request, opens one cursor per partition and streams until
// a terminal condition. Cursors and the sink are closed on every path.
func (s *Session) Run(ctx context.Context) (res Result) {
	metrics.ActiveSessions.Inc()
	defer func() {
		for _, p := range s.parts {
			_ = p.cursor.Close()
		}
		_ = s.sink.Close()
		metrics.ActiveSessions.Dec()
		metrics.SessionsFinished.WithLabelValues(res.State.String()).Inc()
		fields := []logpkg.Field{
			logpkg.Str("state", res.State.String()),
			logpkg.Int("events", res.Events),
			logpkg.Int("batches", res.Batches),
			logpkg.Int("keep_alives", res.KeepAlives),
		}
		if res.Err != nil {
			fields = append(fields, logpkg.Err(res.Err))
		}
		s.logger.Info("delivery.session.end", fields...)
	}()

	s.logger.Info("delivery.session.start",
		logpkg.Int("partitions", len(s.cfg.Cursors)),
		logpkg.Int("batch_limit", s.cfg.BatchLimit),
		logpkg.Int("stream_limit", s.cfg.StreamLimit))

	if err := s.start(ctx); err != nil {
		if ctx.Err() != nil {
			return s.finish(StateCompleted)
		}
		return s.fail(ctx, err)
	}
	s.state.Store(int32(StateStreaming))
	return s.stream(ctx)
}

// start runs every check before opening any cursor, so a rejected request
// never sees a batch.
func (s *Session) start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	parts, err := s.topics.ListPartitions(ctx, s.cfg.Stream)
	if err != nil {
		return classify(err)
	}
	for _, cur := range s.cfg.Cursors {
		if _, ok := topicstore.FindPartition(parts, cur.Partition); !ok {
			return problems.InvalidCursor(problems.CursorPartitionNotFound, cur.Partition, cur.Offset, nil)
		}
		if err := s.topics.ValidateOffset(ctx, s.cfg.Stream, cur.Partition, cur.Offset); err != nil {
			return classify(err)
		}
	}
	for _, cur := range s.cfg.Cursors {
		c, err := s.topics.OpenCursor(ctx, s.cfg.Stream, cur.Partition, cur.Offset)
		if err != nil {
			return classify(err)
		}
		s.parts = append(s.parts, &partitionState{id: cur.Partition, cursor: c, offset: cur.Offset})
	}
	return nil
}

// stream is the cooperative poll loop. Each pass offers every partition a
// share of the remaining stream budget, starting one partition later than the
// previous pass. Only the first partition of a pass may block, and only when
// the previous pass read nothing.
func (s *Session) stream(ctx context.Context) Result {
	cfg := s.cfg
	n := len(s.parts)
	now := s.now()
	var deadline time.Time
	if cfg.StreamTimeout > 0 {
		deadline = now.Add(cfg.StreamTimeout)
	}
	cycleEnd := now.Add(cfg.cycle())
	next := 0
	idle := false

	for {
		if ctx.Err() != nil {
			return s.finish(StateCompleted)
		}
		now = s.now()
		if !deadline.IsZero() && !now.Before(deadline) {
			s.logger.Debug("delivery.stream_timeout")
			return s.drain(ctx)
		}
		if cfg.StreamLimit > 0 && s.accepted >= cfg.StreamLimit {
			s.logger.Debug("delivery.stream_limit")
			return s.drain(ctx)
		}

		share := cfg.BatchLimit
		if cfg.StreamLimit > 0 {
			share = ceilDiv(cfg.StreamLimit-s.accepted, n)
		}
		read := false
		waited := false
		for i := 0; i < n; i++ {
			p := s.parts[(next+i)%n]
			quota := min(cfg.BatchLimit-len(p.pending), share)
			if cfg.StreamLimit > 0 {
				quota = min(quota, cfg.StreamLimit-s.accepted)
			}
			if quota <= 0 {
				continue
			}
			var wait time.Duration
			if idle && !waited {
				wait = s.waitBound(now, deadline, cycleEnd)
				waited = true
			}
			evs, err := p.cursor.Poll(ctx, quota, wait)
			if err != nil {
				if ctx.Err() != nil {
					return s.finish(StateCompleted)
				}
				return s.fail(ctx, classify(err))
			}
			if len(evs) == 0 {
				continue
			}
			read = true
			s.accept(p, evs)
			if len(p.pending) >= cfg.BatchLimit {
				if !s.flush(ctx, p) {
					return s.finish(StateCompleted)
				}
			}
		}
		next = (next + 1) % n
		idle = !read

		now = s.now()
		if cfg.BatchFlushTimeout > 0 {
			for _, p := range s.parts {
				if len(p.pending) > 0 && now.Sub(p.batchStart) >= cfg.BatchFlushTimeout {
					if !s.flush(ctx, p) {
						return s.finish(StateCompleted)
					}
				}
			}
		}
		if now.Before(cycleEnd) {
			continue
		}
		// Cycle boundaries only drive keep-alives. Partial batches wait for
		// BatchLimit, their own flush deadline or the end of the session.
		for _, p := range s.parts {
			if p.activeCycle {
				p.activeCycle = false
				continue
			}
			p.emptyCycles++
			if cfg.BatchKeepAliveLimit > 0 && p.emptyCycles >= cfg.BatchKeepAliveLimit {
				p.emptyCycles = 0
				if !s.keepAlive(ctx, p) {
					return s.finish(StateCompleted)
				}
			}
		}
		cycleEnd = now.Add(cfg.cycle())
	}
}

// accept advances the partition past evs and queues the ones that pass the
// filter.
func (s *Session) accept(p *partitionState, evs []topicstore.Event) {
	now := s.now()
	for _, ev := range evs {
		p.offset = ev.Offset
		if !s.cfg.Filter.Match(ev) {
			continue
		}
		if len(p.pending) == 0 {
			p.batchStart = now
		}
		p.pending = append(p.pending, ev.Payload)
		p.emptyCycles = 0
		p.activeCycle = true
		s.accepted++
	}
}

// waitBound caps a blocking poll by the poll interval, the cycle boundary,
// the stream deadline and the earliest pending flush deadline.
func (s *Session) waitBound(now, deadline, cycleEnd time.Time) time.Duration {
	wait := min(s.cfg.pollInterval(), cycleEnd.Sub(now))
	if !deadline.IsZero() {
		wait = min(wait, deadline.Sub(now))
	}
	if s.cfg.BatchFlushTimeout > 0 {
		for _, p := range s.parts {
			if len(p.pending) > 0 {
				wait = min(wait, p.batchStart.Add(s.cfg.BatchFlushTimeout).Sub(now))
			}
		}
	}
	return max(wait, 0)
}

// flush sends the pending events of p. It reports false once the consumer is
// gone.
func (s *Session) flush(ctx context.Context, p *partitionState) bool {
	b := Batch{Cursor: cursors.Cursor{Partition: p.id, Offset: p.offset}, Events: p.pending}
	p.pending = nil
	if err := s.sink.Send(ctx, b); err != nil {
		s.logger.Debug("delivery.flush: consumer gone", logpkg.Err(err))
		return false
	}
	s.res.Batches++
	s.res.Events += len(b.Events)
	metrics.BatchesSent.WithLabelValues("events").Inc()
	metrics.EventsSent.Add(float64(len(b.Events)))
	s.logger.Debug("delivery.flush",
		logpkg.Str("partition", p.id),
		logpkg.Str("offset", p.offset),
		logpkg.Int("events", len(b.Events)))
	return true
}

func (s *Session) keepAlive(ctx context.Context, p *partitionState) bool {
	b := Batch{Cursor: cursors.Cursor{Partition: p.id, Offset: p.offset}, Events: []json.RawMessage{}}
	if err := s.sink.Send(ctx, b); err != nil {
		s.logger.Debug("delivery.keep_alive: consumer gone", logpkg.Err(err))
		return false
	}
	s.res.Batches++
	s.res.KeepAlives++
	metrics.BatchesSent.WithLabelValues("keep_alive").Inc()
	return true
}

// drain flushes in-progress batches and completes.
func (s *Session) drain(ctx context.Context) Result {
	for _, p := range s.parts {
		if len(p.pending) > 0 && !s.flush(ctx, p) {
			break
		}
	}
	return s.finish(StateCompleted)
}

func (s *Session) finish(state State) Result {
	s.state.Store(int32(state))
	s.res.State = state
	return s.res
}

// fail sends one error frame, if the consumer is still there, and ends the
// session.
func (s *Session) fail(ctx context.Context, err error) Result {
	if sendErr := s.sink.Send(ctx, NewErrorFrame(err)); sendErr != nil && !errors.Is(sendErr, problems.ErrClientDisconnected) {
		s.logger.Warn("delivery.error_frame", logpkg.Err(sendErr))
	}
	s.res.Err = err
	return s.finish(StateFailed)
}

// classify keeps client errors as they are and marks everything else as a
// stream read failure.
func classify(err error) error {
	if problems.IsClientError(err) || errors.Is(err, problems.ErrStreamRead) {
		return err
	}
	return fmt.Errorf("%w: %w", problems.ErrStreamRead, err)
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
