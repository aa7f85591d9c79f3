package subscriptionsvc

import (
	"context"
	"errors"
	"testing"

	cfgpkg "github.com/mdedetrich/nakadi/internal/config"
	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/delivery"
	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/runtime"
	streamsvc "github.com/mdedetrich/nakadi/internal/services/streams"
	"github.com/mdedetrich/nakadi/internal/subscriptions"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

func newServiceForTest(t *testing.T) (*Service, *streamsvc.Service) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Fsync = "never"
	cfg.Coordination.Backend = "memory"
	cfg.Subscriptions.Backend = "pebble"
	cfg.TopicStore.DefaultPartitions = 2
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Logger: logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	streams := streamsvc.New(rt)
	if err := streams.CreateTopic(context.Background(), topicstore.StreamSpec{Name: "orders"}); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	return New(rt, streams), streams
}

type sliceSink struct{ frames []delivery.Frame }

func (s *sliceSink) Send(_ context.Context, f delivery.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func (s *sliceSink) Close() error { return nil }

func TestCreateValidatesEventTypes(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, subscriptions.Subscription{OwningApplication: "shop", EventTypes: []string{"missing"}})
	if !errors.Is(err, problems.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	first, created, err := svc.Create(ctx, subscriptions.Subscription{OwningApplication: "shop", EventTypes: []string{"orders"}})
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	again, created, err := svc.Create(ctx, subscriptions.Subscription{OwningApplication: "shop", EventTypes: []string{"orders"}})
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("create should be idempotent: created=%v id=%s err=%v", created, again.ID, err)
	}

	list, err := svc.List(ctx, subscriptions.ListOptions{EventType: "orders"})
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
	if err := svc.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, first.ID); !errors.Is(err, problems.ErrNoSuchSubscription) {
		t.Fatalf("expected ErrNoSuchSubscription, got %v", err)
	}
}

func TestStreamResumesFromCommittedCursor(t *testing.T) {
	svc, streams := newServiceForTest(t)
	ctx := context.Background()

	sub, _, err := svc.Create(ctx, subscriptions.Subscription{
		OwningApplication: "shop",
		EventTypes:        []string{"orders"},
		ReadFrom:          subscriptions.ReadFromBegin,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := streams.PostEvent(ctx, "orders", "0", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	sink := &sliceSink{}
	sess, err := svc.NewSession(ctx, sub.ID, streamsvc.StreamParams{BatchLimit: 2, StreamLimit: 2}, sink)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	res := sess.Run(ctx)
	if res.State != delivery.StateCompleted || len(sink.frames) != 1 {
		t.Fatalf("unexpected run: %+v frames=%d", res, len(sink.frames))
	}
	batch := sink.frames[0].(delivery.Batch)
	if batch.Cursor != (cursors.Cursor{Partition: "0", Offset: "2"}) || len(batch.Events) != 2 {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	commit, err := svc.Commit(ctx, sub.ID, []cursors.Cursor{batch.Cursor})
	if err != nil || !commit.Committed {
		t.Fatalf("commit: %+v %v", commit, err)
	}

	sink = &sliceSink{}
	sess, err = svc.NewSession(ctx, sub.ID, streamsvc.StreamParams{BatchLimit: 1, StreamLimit: 1}, sink)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	sess.Run(ctx)
	if len(sink.frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(sink.frames))
	}
	if got := sink.frames[0].(delivery.Batch).Cursor.Offset; got != "3" {
		t.Fatalf("second session should resume after 2, got cursor %s", got)
	}

	cs, err := svc.Cursors(ctx, sub.ID)
	if err != nil {
		t.Fatalf("cursors: %v", err)
	}
	want := []cursors.Cursor{{Partition: "0", Offset: "2"}, {Partition: "1", Offset: topicstore.BeginOffset}}
	if len(cs) != 2 || cs[0] != want[0] || cs[1] != want[1] {
		t.Fatalf("cursors: %+v", cs)
	}
}

func TestSessionForUnknownSubscription(t *testing.T) {
	svc, _ := newServiceForTest(t)
	if _, err := svc.NewSession(context.Background(), "nope", streamsvc.StreamParams{}, &sliceSink{}); !errors.Is(err, problems.ErrNoSuchSubscription) {
		t.Fatalf("expected ErrNoSuchSubscription, got %v", err)
	}
}
