package subscriptions

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mdedetrich/nakadi/internal/problems"
	pebblestore "github.com/mdedetrich/nakadi/internal/storage/pebble"
)

func runDirectorySuite(t *testing.T, open func(t *testing.T) Directory) {
	t.Run("CreateGetDelete", func(t *testing.T) {
		d := open(t)
		ctx := context.Background()

		s, created, err := d.Create(ctx, Subscription{OwningApplication: "shop", EventTypes: []string{"orders", "payments"}})
		if err != nil || !created || s.ID == "" {
			t.Fatalf("create: %+v %v %v", s, created, err)
		}
		if s.ConsumerGroup != DefaultConsumerGroup || s.PrimaryStream() != "orders" {
			t.Fatalf("defaults: %+v", s)
		}

		got, err := d.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ID != s.ID || !reflect.DeepEqual(got.EventTypes, []string{"orders", "payments"}) || !s.CreatedAt.Equal(got.CreatedAt) {
			t.Fatalf("got %+v, created %+v", got, s)
		}

		if err := d.Delete(ctx, s.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := d.Get(ctx, s.ID); !errors.Is(err, problems.ErrNoSuchSubscription) {
			t.Fatalf("get after delete: %v", err)
		}
		if err := d.Delete(ctx, s.ID); !errors.Is(err, problems.ErrNoSuchSubscription) {
			t.Fatalf("second delete: %v", err)
		}
	})

	t.Run("CreateIsIdempotent", func(t *testing.T) {
		d := open(t)
		ctx := context.Background()
		req := Subscription{OwningApplication: "shop", EventTypes: []string{"orders"}, ConsumerGroup: "g1"}

		first, created, err := d.Create(ctx, req)
		if err != nil || !created {
			t.Fatalf("first create: %v %v", created, err)
		}
		second, created, err := d.Create(ctx, req)
		if err != nil || created || second.ID != first.ID {
			t.Fatalf("repeat create: %+v %v %v", second, created, err)
		}

		req.ConsumerGroup = "g2"
		third, created, err := d.Create(ctx, req)
		if err != nil || !created || third.ID == first.ID {
			t.Fatalf("other group: %+v %v %v", third, created, err)
		}
	})

	t.Run("List", func(t *testing.T) {
		d := open(t)
		ctx := context.Background()
		for i, et := range [][]string{{"orders"}, {"payments"}, {"orders", "refunds"}} {
			app := "shop"
			if i == 1 {
				app = "billing"
			}
			if _, _, err := d.Create(ctx, Subscription{OwningApplication: app, EventTypes: et}); err != nil {
				t.Fatalf("create %v: %v", et, err)
			}
		}

		cases := []struct {
			name string
			opts ListOptions
			want int
		}{
			{"all", ListOptions{}, 3},
			{"by app", ListOptions{OwningApplication: "shop"}, 2},
			{"by event type", ListOptions{EventType: "orders"}, 2},
			{"page", ListOptions{Limit: 2, Offset: 2}, 1},
		}
		for _, tc := range cases {
			got, err := d.List(ctx, tc.opts)
			if err != nil || len(got) != tc.want {
				t.Fatalf("%s: got %d %v, want %d", tc.name, len(got), err, tc.want)
			}
		}
	})

	t.Run("Validation", func(t *testing.T) {
		d := open(t)
		ctx := context.Background()
		bad := []Subscription{
			{EventTypes: []string{"orders"}},
			{OwningApplication: "shop"},
			{OwningApplication: "shop", EventTypes: []string{"orders", "orders"}},
			{OwningApplication: "shop", EventTypes: []string{"bad name"}},
			{OwningApplication: "shop", EventTypes: []string{"orders"}, ReadFrom: "middle"},
		}
		for _, s := range bad {
			if _, _, err := d.Create(ctx, s); !errors.Is(err, problems.ErrValidation) {
				t.Fatalf("%+v: expected validation error, got %v", s, err)
			}
		}
	})
}

func TestSQLiteDirectory(t *testing.T) {
	runDirectorySuite(t, func(t *testing.T) Directory {
		d, err := OpenSQLite(context.Background(), ":memory:")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = d.Close() })
		tick := time.UnixMilli(1_700_000_000_000)
		d.now = func() time.Time { tick = tick.Add(time.Millisecond); return tick }
		return d
	})
}

func TestSQLiteDirectoryOnDisk(t *testing.T) {
	dsn := "file:" + t.TempDir() + "/nested/subscriptions.db"
	d, err := OpenSQLite(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, _, err := d.Create(context.Background(), Subscription{OwningApplication: "shop", EventTypes: []string{"orders"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	d, err = OpenSQLite(context.Background(), dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()
	got, err := d.Get(context.Background(), s.ID)
	if err != nil || got.OwningApplication != "shop" {
		t.Fatalf("get after reopen: %+v %v", got, err)
	}
}

func TestPebbleDirectory(t *testing.T) {
	runDirectorySuite(t, func(t *testing.T) Directory {
		db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
		if err != nil {
			t.Fatalf("open pebble: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		d := NewPebble(db)
		tick := time.UnixMilli(1_700_000_000_000)
		d.now = func() time.Time { tick = tick.Add(time.Millisecond); return tick }
		return d
	})
}
