package delivery

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/problems"
	pebblestore "github.com/mdedetrich/nakadi/internal/storage/pebble"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

var quietLogger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))

func newStore(t *testing.T) *topicstore.Local {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := topicstore.NewLocal(db, topicstore.LocalOptions{DefaultPartitions: 2, Logger: quietLogger})
	if err := s.CreateStream(context.Background(), topicstore.StreamSpec{Name: "orders"}); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	return s
}

func publish(t *testing.T, s topicstore.Store, partition string, payloads ...string) {
	t.Helper()
	recs := make([]topicstore.PublishRecord, len(payloads))
	for i, p := range payloads {
		recs[i] = topicstore.PublishRecord{Partition: partition, Payload: []byte(p)}
	}
	if _, err := s.Publish(context.Background(), "orders", recs); err != nil {
		t.Errorf("publish: %v", err)
	}
}

type sentFrame struct {
	frame Frame
	at    time.Time
}

// recordingSink keeps every frame. onSend, when set, runs before a frame is
// recorded and may reject it.
type recordingSink struct {
	mu     sync.Mutex
	frames []sentFrame
	closed bool
	onSend func(f Frame) error
}

func (s *recordingSink) Send(_ context.Context, f Frame) error {
	if s.onSend != nil {
		if err := s.onSend(f); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sentFrame{frame: f, at: time.Now()})
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) sent() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.frames...)
}

func (s *recordingSink) batches() []Batch {
	var out []Batch
	for _, f := range s.sent() {
		if b, ok := f.frame.(Batch); ok {
			out = append(out, b)
		}
	}
	return out
}

func (s *recordingSink) errorFrames() []ErrorFrame {
	var out []ErrorFrame
	for _, f := range s.sent() {
		if e, ok := f.frame.(ErrorFrame); ok {
			out = append(out, e)
		}
	}
	return out
}

func run(t *testing.T, ctx context.Context, store topicstore.Store, cfg Config, sink *recordingSink) Result {
	t.Helper()
	e := NewEngine(store, Options{Logger: quietLogger})
	s := e.NewSession("s-1", cfg, sink)
	if s.State() != StateStarting {
		t.Fatalf("new session state: %s", s.State())
	}
	res := s.Run(ctx)
	if res.State != s.State() {
		t.Fatalf("result state %s, session state %s", res.State, s.State())
	}
	if !sink.closed {
		t.Fatalf("sink not closed")
	}
	return res
}

func begin(partitions ...string) []cursors.Cursor {
	out := make([]cursors.Cursor, len(partitions))
	for i, p := range partitions {
		out[i] = cursors.Cursor{Partition: p, Offset: topicstore.BeginOffset}
	}
	return out
}

func TestBatchLimitOneFlushesEveryEvent(t *testing.T) {
	store := newStore(t)
	publish(t, store, "0", `{"n":1}`, `{"n":2}`, `{"n":3}`)
	sink := &recordingSink{}

	res := run(t, context.Background(), store, Config{
		Stream:       "orders",
		Cursors:      begin("0"),
		BatchLimit:   1,
		StreamLimit:  3,
		PollInterval: 10 * time.Millisecond,
	}, sink)

	if res.State != StateCompleted || res.Events != 3 {
		t.Fatalf("result: %+v", res)
	}
	batches := sink.batches()
	if len(batches) != 3 {
		t.Fatalf("batches: %d", len(batches))
	}
	for i, b := range batches {
		want := cursors.Cursor{Partition: "0", Offset: []string{"1", "2", "3"}[i]}
		if len(b.Events) != 1 || b.Cursor != want {
			t.Fatalf("batch %d: %+v", i, b)
		}
	}
}

func TestStreamLimitSpansPartitions(t *testing.T) {
	store := newStore(t)
	publish(t, store, "0", `1`, `2`, `3`, `4`)
	publish(t, store, "1", `5`, `6`, `7`, `8`)
	sink := &recordingSink{}

	res := run(t, context.Background(), store, Config{
		Stream:       "orders",
		Cursors:      begin("0", "1"),
		BatchLimit:   5,
		StreamLimit:  5,
		PollInterval: 10 * time.Millisecond,
	}, sink)

	if res.State != StateCompleted || res.Events != 5 {
		t.Fatalf("result: %+v", res)
	}
	batches := sink.batches()
	if len(batches) != 2 {
		t.Fatalf("batches: %+v", batches)
	}
	// ceil(5/2) for the first partition, the remaining 2 for the second.
	if batches[0].Cursor != (cursors.Cursor{Partition: "0", Offset: "3"}) || len(batches[0].Events) != 3 {
		t.Fatalf("first batch: %+v", batches[0])
	}
	if batches[1].Cursor != (cursors.Cursor{Partition: "1", Offset: "2"}) || len(batches[1].Events) != 2 {
		t.Fatalf("second batch: %+v", batches[1])
	}
}

func TestKeepAliveAfterEmptyCycles(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const interval = 10 * time.Millisecond

	keepAlives := 0
	sink := &recordingSink{}
	sink.onSend = func(f Frame) error {
		b, ok := f.(Batch)
		if !ok || !b.KeepAlive() {
			return nil
		}
		keepAlives++
		switch keepAlives {
		case 1:
			publish(t, store, "0", `{"late":true}`)
		case 2:
			cancel()
		}
		return nil
	}

	started := time.Now()
	res := run(t, ctx, store, Config{
		Stream:              "orders",
		Cursors:             begin("0"),
		BatchLimit:          1,
		BatchKeepAliveLimit: 3,
		PollInterval:        interval,
	}, sink)

	if res.State != StateCompleted || res.KeepAlives != 2 || res.Events != 1 {
		t.Fatalf("result: %+v", res)
	}
	frames := sink.sent()
	if len(frames) != 3 {
		t.Fatalf("frames: %d", len(frames))
	}

	first := frames[0].frame.(Batch)
	if !first.KeepAlive() || first.Cursor != (cursors.Cursor{Partition: "0", Offset: topicstore.BeginOffset}) {
		t.Fatalf("first frame: %+v", first)
	}
	if d := frames[0].at.Sub(started); d < 3*interval {
		t.Fatalf("keep-alive after %s, want >= %s", d, 3*interval)
	}

	data := frames[1].frame.(Batch)
	if len(data.Events) != 1 || data.Cursor.Offset != "1" {
		t.Fatalf("data frame: %+v", data)
	}

	// The counter restarts with the delivered event.
	second := frames[2].frame.(Batch)
	if !second.KeepAlive() || second.Cursor.Offset != "1" {
		t.Fatalf("second keep-alive: %+v", second)
	}
	if d := frames[2].at.Sub(frames[1].at); d < 2*interval {
		t.Fatalf("second keep-alive %s after data, want >= %s", d, 2*interval)
	}
}

func TestKeepAliveDisabled(t *testing.T) {
	store := newStore(t)
	sink := &recordingSink{}

	res := run(t, context.Background(), store, Config{
		Stream:        "orders",
		Cursors:       begin("0", "1"),
		BatchLimit:    1,
		StreamTimeout: 60 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}, sink)

	if res.State != StateCompleted {
		t.Fatalf("state: %s", res.State)
	}
	if n := len(sink.sent()); n != 0 {
		t.Fatalf("expected no frames, got %d", n)
	}
}

func TestStreamTimeoutFlushesPartialBatch(t *testing.T) {
	store := newStore(t)
	publish(t, store, "1", `{"a":1}`, `{"a":2}`)
	sink := &recordingSink{}

	started := time.Now()
	res := run(t, context.Background(), store, Config{
		Stream:            "orders",
		Cursors:           begin("0", "1"),
		BatchLimit:        10,
		BatchFlushTimeout: time.Hour,
		StreamTimeout:     50 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}, sink)

	if res.State != StateCompleted {
		t.Fatalf("state: %s", res.State)
	}
	if d := time.Since(started); d < 50*time.Millisecond {
		t.Fatalf("ended after %s", d)
	}
	batches := sink.batches()
	if len(batches) != 1 || batches[0].Cursor != (cursors.Cursor{Partition: "1", Offset: "2"}) || len(batches[0].Events) != 2 {
		t.Fatalf("batches: %+v", batches)
	}
}

func TestFlushTimeoutSendsPartialBatch(t *testing.T) {
	store := newStore(t)
	publish(t, store, "0", `{"a":1}`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onSend: func(Frame) error { cancel(); return nil }}

	res := run(t, ctx, store, Config{
		Stream:            "orders",
		Cursors:           begin("0"),
		BatchLimit:        10,
		BatchFlushTimeout: 20 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	}, sink)

	if res.State != StateCompleted {
		t.Fatalf("state: %s", res.State)
	}
	if batches := sink.batches(); len(batches) != 1 || len(batches[0].Events) != 1 {
		t.Fatalf("batches: %+v", batches)
	}
}

func TestPartialBatchWaitsForItsFlushTimeout(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const flushTimeout = 300 * time.Millisecond
	sink := &recordingSink{onSend: func(Frame) error { cancel(); return nil }}

	published := make(chan time.Time, 1)
	go func() {
		// Lands partway through the first cycle.
		time.Sleep(200 * time.Millisecond)
		at := time.Now()
		publish(t, store, "0", `{"a":1}`)
		published <- at
	}()

	res := run(t, ctx, store, Config{
		Stream:            "orders",
		Cursors:           begin("0"),
		BatchLimit:        10,
		BatchFlushTimeout: flushTimeout,
		PollInterval:      10 * time.Millisecond,
	}, sink)

	if res.State != StateCompleted {
		t.Fatalf("state: %s", res.State)
	}
	frames := sink.sent()
	if len(frames) != 1 {
		t.Fatalf("frames: %d", len(frames))
	}
	if d := frames[0].at.Sub(<-published); d < flushTimeout {
		t.Fatalf("flushed %s after publish, want >= %s", d, flushTimeout)
	}
}

func TestPartialBatchWithoutFlushTimeoutWaitsForSessionEnd(t *testing.T) {
	store := newStore(t)
	publish(t, store, "0", `1`, `2`, `3`)
	sink := &recordingSink{}
	const streamTimeout = 300 * time.Millisecond

	started := time.Now()
	res := run(t, context.Background(), store, Config{
		Stream:        "orders",
		Cursors:       begin("0"),
		BatchLimit:    10,
		StreamTimeout: streamTimeout,
		PollInterval:  10 * time.Millisecond,
	}, sink)

	if res.State != StateCompleted || res.Events != 3 {
		t.Fatalf("result: %+v", res)
	}
	frames := sink.sent()
	if len(frames) != 1 {
		t.Fatalf("frames: %d", len(frames))
	}
	if d := frames[0].at.Sub(started); d < streamTimeout {
		t.Fatalf("partial batch sent after %s, before the stream timeout", d)
	}
	if b := frames[0].frame.(Batch); b.Cursor.Offset != "3" || len(b.Events) != 3 {
		t.Fatalf("batch: %+v", b)
	}
}

func TestDisconnectCompletes(t *testing.T) {
	store := newStore(t)
	publish(t, store, "0", `{"a":1}`, `{"a":2}`)
	sink := &recordingSink{onSend: func(Frame) error { return problems.ErrClientDisconnected }}

	res := run(t, context.Background(), store, Config{
		Stream:     "orders",
		Cursors:    begin("0"),
		BatchLimit: 1,
	}, sink)

	if res.State != StateCompleted || res.Err != nil || res.Batches != 0 {
		t.Fatalf("result: %+v", res)
	}
}

func TestCancelCompletesWithoutFlush(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{}

	res := run(t, ctx, store, Config{
		Stream:     "orders",
		Cursors:    begin("0"),
		BatchLimit: 1,
	}, sink)

	if res.State != StateCompleted {
		t.Fatalf("state: %s", res.State)
	}
	if n := len(sink.sent()); n != 0 {
		t.Fatalf("expected no frames, got %d", n)
	}
}

func TestStartFailures(t *testing.T) {
	store := newStore(t)
	publish(t, store, "0", `{"a":1}`)

	cases := []struct {
		name   string
		cfg    Config
		status int
		is     error
	}{
		{
			name:   "unknown stream",
			cfg:    Config{Stream: "missing", Cursors: begin("0"), BatchLimit: 1},
			status: http.StatusNotFound,
			is:     problems.ErrNoSuchStream,
		},
		{
			name:   "unknown partition",
			cfg:    Config{Stream: "orders", Cursors: begin("0", "7"), BatchLimit: 1},
			status: http.StatusUnprocessableEntity,
			is:     problems.ErrInvalidCursor,
		},
		{
			name:   "offset past newest",
			cfg:    Config{Stream: "orders", Cursors: []cursors.Cursor{{Partition: "0", Offset: "9"}}, BatchLimit: 1},
			status: http.StatusUnprocessableEntity,
			is:     problems.ErrInvalidCursor,
		},
		{
			name:   "malformed offset",
			cfg:    Config{Stream: "orders", Cursors: []cursors.Cursor{{Partition: "0", Offset: "x"}}, BatchLimit: 1},
			status: http.StatusUnprocessableEntity,
			is:     problems.ErrInvalidCursor,
		},
		{
			name:   "invalid limits",
			cfg:    Config{Stream: "orders", Cursors: begin("0"), BatchLimit: 5, StreamLimit: 2},
			status: http.StatusBadRequest,
			is:     problems.ErrValidation,
		},
		{
			name:   "duplicate partition",
			cfg:    Config{Stream: "orders", Cursors: begin("0", "0"), BatchLimit: 1},
			status: http.StatusBadRequest,
			is:     problems.ErrValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			res := run(t, context.Background(), store, tc.cfg, sink)
			if res.State != StateFailed || !errors.Is(res.Err, tc.is) {
				t.Fatalf("result: %+v", res)
			}
			if b := sink.batches(); len(b) != 0 {
				t.Fatalf("unexpected batches: %+v", b)
			}
			frames := sink.errorFrames()
			if len(frames) != 1 || frames[0].Status != tc.status {
				t.Fatalf("error frames: %+v", frames)
			}
		})
	}
}

type failingStore struct {
	topicstore.Store
	opened []*failingCursor
}

func (s *failingStore) OpenCursor(ctx context.Context, stream, partition, start string) (topicstore.Cursor, error) {
	c, err := s.Store.OpenCursor(ctx, stream, partition, start)
	if err != nil {
		return nil, err
	}
	fc := &failingCursor{Cursor: c}
	s.opened = append(s.opened, fc)
	return fc, nil
}

type failingCursor struct {
	topicstore.Cursor
	closed bool
}

func (c *failingCursor) Poll(context.Context, int, time.Duration) ([]topicstore.Event, error) {
	return nil, errors.New("disk on fire")
}

func (c *failingCursor) Close() error {
	c.closed = true
	return c.Cursor.Close()
}

func TestPollErrorFails(t *testing.T) {
	store := &failingStore{Store: newStore(t)}
	sink := &recordingSink{}

	res := run(t, context.Background(), store, Config{
		Stream:     "orders",
		Cursors:    begin("0", "1"),
		BatchLimit: 1,
	}, sink)

	if res.State != StateFailed || !errors.Is(res.Err, problems.ErrStreamRead) {
		t.Fatalf("result: %+v", res)
	}
	frames := sink.errorFrames()
	if len(frames) != 1 || frames[0].Status != http.StatusServiceUnavailable {
		t.Fatalf("error frames: %+v", frames)
	}
	if len(store.opened) != 2 {
		t.Fatalf("opened %d cursors", len(store.opened))
	}
	for i, c := range store.opened {
		if !c.closed {
			t.Fatalf("cursor %d left open", i)
		}
	}
}

func TestFilterAdvancesCursor(t *testing.T) {
	store := newStore(t)
	publish(t, store, "0", `{"kind":"a"}`, `{"kind":"a"}`, `{"kind":"b"}`)
	f, err := CompileFilter(`json.kind == "a"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	sink := &recordingSink{}

	res := run(t, context.Background(), store, Config{
		Stream:        "orders",
		Cursors:       begin("0"),
		BatchLimit:    10,
		Filter:        f,
		StreamTimeout: 60 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}, sink)

	if res.State != StateCompleted {
		t.Fatalf("state: %s", res.State)
	}
	batches := sink.batches()
	if len(batches) != 1 || len(batches[0].Events) != 2 || batches[0].Cursor != (cursors.Cursor{Partition: "0", Offset: "3"}) {
		t.Fatalf("batches: %+v", batches)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateStarting:  "STARTING",
		StateStreaming: "STREAMING",
		StateCompleted: "COMPLETED",
		StateFailed:    "FAILED",
	} {
		if got := state.String(); got != want {
			t.Fatalf("%d: got %q want %q", state, got, want)
		}
	}
	if !StateFailed.Terminal() || StateStreaming.Terminal() {
		t.Fatalf("terminal states")
	}
}
