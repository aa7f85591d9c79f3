package grpcserver

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	cfgpkg "github.com/mdedetrich/nakadi/internal/config"
	"github.com/mdedetrich/nakadi/internal/runtime"
	streamsvc "github.com/mdedetrich/nakadi/internal/services/streams"
	subscriptionsvc "github.com/mdedetrich/nakadi/internal/services/subscriptions"
	"github.com/mdedetrich/nakadi/internal/subscriptions"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

const bufSize = 1 << 20

func dialer(s *grpc.Server) func(context.Context, string) (net.Conn, error) {
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.Serve(lis) }()
	return func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
}

type fixture struct {
	conn  *grpc.ClientConn
	subID string
	posts *streamsvc.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Fsync = "never"
	cfg.Coordination.Backend = "memory"
	cfg.Subscriptions.Backend = "pebble"
	cfg.TopicStore.DefaultPartitions = 2
	logger := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	ctx := context.Background()
	streams := streamsvc.New(rt)
	if err := streams.CreateTopic(ctx, topicstore.StreamSpec{Name: "orders"}); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	sub, _, err := subscriptionsvc.New(rt, streams).Create(ctx, subscriptions.Subscription{
		OwningApplication: "shop",
		EventTypes:        []string{"orders"},
		ReadFrom:          subscriptions.ReadFromBegin,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	srv := New(rt, logger)
	t.Cleanup(srv.grpc.Stop)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(srv.grpc)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fixture{conn: conn, subID: sub.ID, posts: streams}
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func TestHealthOverGRPC(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := healthpb.NewHealthClient(f.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status: %v", res.GetStatus())
	}
}

func TestCursorsOverGRPC(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if _, err := f.posts.PostEvent(ctx, "orders", "0", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	commit := mustStruct(t, map[string]any{
		"subscription_id": f.subID,
		"items":           []any{map[string]any{"partition": "0", "offset": "2"}},
	})
	out := &structpb.Struct{}
	if err := f.conn.Invoke(ctx, "/nakadi.v1.Subscriptions/CommitCursors", commit, out); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !out.GetFields()["committed"].GetBoolValue() {
		t.Fatalf("expected committed: %v", out)
	}

	out = &structpb.Struct{}
	if err := f.conn.Invoke(ctx, "/nakadi.v1.Subscriptions/GetCursors", mustStruct(t, map[string]any{"subscription_id": f.subID}), out); err != nil {
		t.Fatalf("get: %v", err)
	}
	items := out.GetFields()["items"].GetListValue().GetValues()
	if len(items) != 2 || stringField(items[0].GetStructValue(), "offset") != "2" {
		t.Fatalf("cursors: %v", out)
	}

	bad := mustStruct(t, map[string]any{
		"subscription_id": f.subID,
		"items":           []any{map[string]any{"partition": "0", "offset": "99"}},
	})
	err := f.conn.Invoke(ctx, "/nakadi.v1.Subscriptions/CommitCursors", bad, &structpb.Struct{})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
	err = f.conn.Invoke(ctx, "/nakadi.v1.Subscriptions/GetCursors", mustStruct(t, map[string]any{"subscription_id": "nope"}), &structpb.Struct{})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStreamEventsOverGRPC(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.posts.PostEvent(ctx, "orders", "1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("post: %v", err)
	}

	stream, err := f.conn.NewStream(ctx, &SubscriptionsServiceDesc.Streams[0], "/nakadi.v1.Subscriptions/StreamEvents")
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	req := mustStruct(t, map[string]any{"subscription_id": f.subID, "stream_limit": 1, "stream_timeout": 3})
	if err := stream.SendMsg(req); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	var frames []*structpb.Struct
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("recv: %v", err)
		}
		frames = append(frames, msg)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one batch, got %d", len(frames))
	}
	cur := frames[0].GetFields()["cursor"].GetStructValue()
	if stringField(cur, "partition") != "1" || stringField(cur, "offset") != "1" {
		t.Fatalf("cursor: %v", cur)
	}
	if n := len(frames[0].GetFields()["events"].GetListValue().GetValues()); n != 1 {
		t.Fatalf("events: %d", n)
	}

	stream, err = f.conn.NewStream(ctx, &SubscriptionsServiceDesc.Streams[0], "/nakadi.v1.Subscriptions/StreamEvents")
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	_ = stream.SendMsg(mustStruct(t, map[string]any{"subscription_id": "nope"}))
	_ = stream.CloseSend()
	if err := stream.RecvMsg(&structpb.Struct{}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
