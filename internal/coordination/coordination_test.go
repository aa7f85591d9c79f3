package coordination

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pebblestore "github.com/mdedetrich/nakadi/internal/storage/pebble"
)

// runClientSuite checks the behaviour every backend must share.
func runClientSuite(t *testing.T, newClient func(t *testing.T, opts Options) Client) {
	t.Run("ReadWrite", func(t *testing.T) {
		c := newClient(t, Options{})
		ctx := context.Background()
		path := OffsetPath("S1", "orders", "0")

		if _, err := c.Read(ctx, path); !errors.Is(err, ErrNotFound) {
			t.Fatalf("read before write: %v", err)
		}
		for _, v := range []string{"100", "150"} {
			if err := c.Write(ctx, path, []byte(v)); err != nil {
				t.Fatalf("write %s: %v", v, err)
			}
			got, err := c.Read(ctx, path)
			if err != nil || string(got) != v {
				t.Fatalf("read: %q %v, want %q", got, err, v)
			}
		}
	})

	t.Run("CreateOnce", func(t *testing.T) {
		c := newClient(t, Options{})
		ctx := context.Background()
		path := TopicPath("S2", "orders")

		if ok, err := c.Exists(ctx, path); err != nil || ok {
			t.Fatalf("exists before create: %v %v", ok, err)
		}
		if created, err := c.Create(ctx, path, nil); err != nil || !created {
			t.Fatalf("first create: %v %v", created, err)
		}
		if created, err := c.Create(ctx, path, []byte("again")); err != nil || created {
			t.Fatalf("second create: %v %v", created, err)
		}
		if ok, err := c.Exists(ctx, path); err != nil || !ok {
			t.Fatalf("exists after create: %v %v", ok, err)
		}
	})

	t.Run("ListChildren", func(t *testing.T) {
		c := newClient(t, Options{})
		ctx := context.Background()

		if _, err := c.ListChildren(ctx, TopicPath("S3", "orders")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("list missing: %v", err)
		}
		for _, p := range []string{"1", "0", "10"} {
			if err := c.Write(ctx, OffsetPath("S3", "orders", p), []byte("BEGIN")); err != nil {
				t.Fatalf("write %s: %v", p, err)
			}
		}
		if _, err := c.Create(ctx, TopicPath("S3", "orders"), nil); err != nil {
			t.Fatalf("create marker: %v", err)
		}

		cases := []struct {
			path string
			want []string
		}{
			{TopicPath("S3", "orders"), []string{"0", "1", "10"}},
			{SubscriptionPath("S3") + "/topics", []string{"orders"}},
			{OffsetPath("S3", "orders", "0"), nil},
		}
		for _, tc := range cases {
			children, err := c.ListChildren(ctx, tc.path)
			if err != nil {
				t.Fatalf("list %s: %v", tc.path, err)
			}
			if len(children) != len(tc.want) || (len(tc.want) > 0 && !reflect.DeepEqual(children, tc.want)) {
				t.Fatalf("list %s: got %v want %v", tc.path, children, tc.want)
			}
		}
	})

	t.Run("InvalidPath", func(t *testing.T) {
		c := newClient(t, Options{})
		for _, p := range []string{"", "relative", "/trailing/", "/double//slash", "/"} {
			if _, err := c.Read(context.Background(), p); !errors.Is(err, ErrInvalidPath) {
				t.Fatalf("%q: %v", p, err)
			}
		}
	})

	t.Run("LockExcludes", func(t *testing.T) {
		c := newClient(t, Options{LockTimeout: 10 * time.Second})
		key := SubscriptionPath("S4")

		var inside, peak int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = c.WithLock(context.Background(), key, func(ctx context.Context) error {
					n := atomic.AddInt32(&inside, 1)
					for {
						p := atomic.LoadInt32(&peak)
						if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					return nil
				})
			}()
		}
		wg.Wait()
		if p := atomic.LoadInt32(&peak); p != 1 {
			t.Fatalf("%d holders at once", p)
		}
	})

	t.Run("LockTimeout", func(t *testing.T) {
		c := newClient(t, Options{LockTimeout: 50 * time.Millisecond, LockLease: time.Minute})
		key := SubscriptionPath("S5")
		held := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = c.WithLock(context.Background(), key, func(ctx context.Context) error {
				close(held)
				<-release
				return nil
			})
		}()
		<-held
		defer close(release)

		acquired := false
		err := c.WithLock(context.Background(), key, func(ctx context.Context) error {
			acquired = true
			return nil
		})
		if acquired {
			t.Fatalf("lock acquired while held")
		}
		if !errors.Is(err, ErrLockTimeout) || !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected lock timeout, got %v", err)
		}
	})

	t.Run("LockReleasedOnError", func(t *testing.T) {
		c := newClient(t, Options{LockTimeout: time.Second})
		key := SubscriptionPath("S6")
		boom := errors.New("boom")
		if err := c.WithLock(context.Background(), key, func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("fn error lost: %v", err)
		}
		if err := c.WithLock(context.Background(), key, func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("lock not released: %v", err)
		}
	})
}

func TestMemoryClient(t *testing.T) {
	runClientSuite(t, func(t *testing.T, opts Options) Client {
		return NewMemory(opts)
	})
}

func TestPebbleClient(t *testing.T) {
	runClientSuite(t, func(t *testing.T, opts Options) Client {
		db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
		if err != nil {
			t.Fatalf("open pebble: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		return NewPebble(db, opts)
	})
}

func TestPebbleExpiredLeaseIsTaken(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	defer db.Close()

	c := NewPebble(db, Options{LockTimeout: 50 * time.Millisecond, LockLease: time.Second})
	ctx := context.Background()
	if ok, err := c.tryLock(ctx, "/nakadi/subscriptions/S1", "crashed-owner", time.Second); err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}
	if ok, err := c.tryLock(ctx, "/nakadi/subscriptions/S1", "other", time.Second); err != nil || ok {
		t.Fatalf("lock while leased: %v %v", ok, err)
	}

	c.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	if err := c.WithLock(ctx, "/nakadi/subscriptions/S1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("expired lease not taken over: %v", err)
	}
}

func TestMemoryFaults(t *testing.T) {
	m := NewMemory(Options{})
	ctx := context.Background()
	m.FailWith("read", errors.New("connection reset"))

	if _, err := m.Read(ctx, "/nakadi/x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("injected fault: %v", err)
	}
	if n := m.Ops("read"); n != 1 {
		t.Fatalf("read ops: %d", n)
	}

	m.FailWith("read", nil)
	if _, err := m.Read(ctx, "/nakadi/x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after clearing fault: %v", err)
	}

	m.FailWith("lock", errors.New("down"))
	err := m.WithLock(ctx, "/nakadi/x", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrUnavailable) || errors.Is(err, ErrLockTimeout) {
		t.Fatalf("lock fault: %v", err)
	}
}

func TestPaths(t *testing.T) {
	for got, want := range map[string]string{
		SubscriptionPath("S1"):            "/nakadi/subscriptions/S1",
		TopicPath("S1", "orders"):         "/nakadi/subscriptions/S1/topics/orders",
		OffsetPath("S1", "orders", "p0"): "/nakadi/subscriptions/S1/topics/orders/p0/offset",
	} {
		if got != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
	if !ValidSegment("p0") || ValidSegment("a/b") || ValidSegment("") {
		t.Fatalf("ValidSegment")
	}
}

func TestNATSKeyEscaping(t *testing.T) {
	if got := natsKey("/nakadi/subscriptions/S1/topics/order.created"); got != "nakadi.subscriptions.S1.topics.order=2Ecreated" {
		t.Fatalf("natsKey: %q", got)
	}
	for _, s := range []string{"plain", "order.created", "a=b", "sp ace", "ümlaut"} {
		if got := unescapeToken(escapeToken(s)); got != s {
			t.Fatalf("escape round trip of %q: %q", s, got)
		}
	}
}

func TestAncestors(t *testing.T) {
	if got := ancestors("/a/b/c"); !reflect.DeepEqual(got, []string{"/a", "/a/b"}) {
		t.Fatalf("ancestors: %v", got)
	}
	if child, ok := childOf("/a", "/a/b/c"); !ok || child != "b" {
		t.Fatalf("childOf: %q %v", child, ok)
	}
	if _, ok := childOf("/a", "/ab/c"); ok {
		t.Fatalf("/ab/c is not under /a")
	}
}
