package runtime

import (
	"context"
	"path/filepath"
	"testing"

	cfgpkg "github.com/mdedetrich/nakadi/internal/config"
	"github.com/mdedetrich/nakadi/internal/subscriptions"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Fsync = "never"
	return cfg
}

func open(t *testing.T, cfg cfgpkg.Config) *Runtime {
	t.Helper()
	rt, err := Open(context.Background(), Options{Config: cfg, Logger: logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpenCloseHealth(t *testing.T) {
	rt := open(t, testConfig(t))
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err == nil {
		t.Fatalf("health after close should fail")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Coordination.Backend = "zookeeper"
	if _, err := Open(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestBackendsAreWired(t *testing.T) {
	for _, tc := range []struct{ coord, subs string }{
		{"pebble", "sqlite"},
		{"memory", "pebble"},
	} {
		t.Run(tc.coord+"/"+tc.subs, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Coordination.Backend = tc.coord
			cfg.Subscriptions.Backend = tc.subs
			cfg.Subscriptions.DSN = "file:" + filepath.Join(t.TempDir(), "subs.db")
			rt := open(t, cfg)
			ctx := context.Background()

			if err := rt.Topics().CreateStream(ctx, topicstore.StreamSpec{Name: "orders", Partitions: 2}); err != nil {
				t.Fatalf("create stream: %v", err)
			}
			sub, _, err := rt.Subscriptions().Create(ctx, subscriptions.Subscription{OwningApplication: "app", EventTypes: []string{"orders"}})
			if err != nil {
				t.Fatalf("create subscription: %v", err)
			}
			if err := rt.Cursors().EnsureSubscriptionInitialized(ctx, sub); err != nil {
				t.Fatalf("bootstrap: %v", err)
			}
			got, err := rt.Cursors().GetSubscriptionCursors(ctx, sub.ID)
			if err != nil {
				t.Fatalf("cursors: %v", err)
			}
			if len(got) != 2 || got[0].Offset != topicstore.BeginOffset {
				t.Fatalf("cursors: %+v", got)
			}
			if rt.Engine() == nil || rt.Coordination() == nil {
				t.Fatalf("engine and coordination must be set")
			}
		})
	}
}
