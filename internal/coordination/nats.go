package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

// NATSOptions addresses a JetStream-enabled NATS server.
type NATSOptions struct {
	URL      string
	Token    string
	Username string
	Password string
	// Bucket holds nodes, LockBucket holds leases. LockBucket is created with
	// a TTL equal to the lock lease.
	Bucket     string
	LockBucket string
	Timeout    time.Duration
}

// NATS maps every path onto a key of a JetStream key-value bucket, one token
// per segment. Locks are KV Create calls on a bucket whose TTL is the lease.
type NATS struct {
	conn    *nats.Conn
	kv      nats.KeyValue
	locks   nats.KeyValue
	opts    Options
	timeout time.Duration
	owned   bool
}

var _ Client = (*NATS)(nil)

// DialNATS connects, initialises JetStream and ensures both buckets exist.
func DialNATS(no NATSOptions, opts Options) (*NATS, error) {
	if strings.TrimSpace(no.URL) == "" {
		no.URL = nats.DefaultURL
	}
	if no.Timeout <= 0 {
		no.Timeout = 5 * time.Second
	}
	natsOpts := []nats.Option{
		nats.Name("nakadi-coordination"),
		nats.Timeout(no.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	}
	if no.Username != "" || no.Password != "" {
		natsOpts = append(natsOpts, nats.UserInfo(no.Username, no.Password))
	}
	if no.Token != "" {
		natsOpts = append(natsOpts, nats.Token(no.Token))
	}
	conn, err := nats.Connect(no.URL, natsOpts...)
	if err != nil {
		return nil, unavailable("dial", no.URL, err)
	}
	c, err := NewNATS(conn, no.Bucket, no.LockBucket, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.timeout = no.Timeout
	c.owned = true
	return c, nil
}

// NewNATS uses an existing connection. Close leaves conn open.
func NewNATS(conn *nats.Conn, bucket, lockBucket string, opts Options) (*NATS, error) {
	opts = opts.withDefaults()
	if bucket == "" {
		bucket = "nakadi_coordination"
	}
	if lockBucket == "" {
		lockBucket = "nakadi_locks"
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, unavailable("jetstream", bucket, err)
	}
	kv, err := ensureBucket(js, &nats.KeyValueConfig{Bucket: bucket, History: 1})
	if err != nil {
		return nil, err
	}
	locks, err := ensureBucket(js, &nats.KeyValueConfig{Bucket: lockBucket, History: 1, TTL: opts.LockLease})
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn, kv: kv, locks: locks, opts: opts, timeout: 5 * time.Second}, nil
}

func ensureBucket(js nats.JetStreamContext, cfg *nats.KeyValueConfig) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, unavailable("bucket", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(cfg)
	if err != nil {
		return nil, unavailable("create bucket", cfg.Bucket, err)
	}
	return kv, nil
}

func (n *NATS) Read(ctx context.Context, path string) ([]byte, error) {
	if err := checkCall(ctx, path); err != nil {
		return nil, err
	}
	entry, err := n.kv.Get(natsKey(path))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("read", path, err)
	}
	return entry.Value(), nil
}

func (n *NATS) Write(ctx context.Context, path string, data []byte) error {
	if err := checkCall(ctx, path); err != nil {
		return err
	}
	if _, err := n.kv.Put(natsKey(path), data); err != nil {
		return unavailable("write", path, err)
	}
	return nil
}

func (n *NATS) Create(ctx context.Context, path string, data []byte) (bool, error) {
	if err := checkCall(ctx, path); err != nil {
		return false, err
	}
	_, err := n.kv.Create(natsKey(path), data)
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("create", path, err)
	}
	return true, nil
}

func (n *NATS) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := n.Read(ctx, path); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListChildren watches every descendant key once, without values, and stops
// at the end-of-initial-values marker.
func (n *NATS) ListChildren(ctx context.Context, path string) ([]string, error) {
	if err := checkCall(ctx, path); err != nil {
		return nil, err
	}
	base := natsKey(path)
	w, err := n.kv.Watch(base+".>", nats.IgnoreDeletes(), nats.MetaOnly())
	if err != nil {
		return nil, unavailable("list", path, err)
	}
	defer func() { _ = w.Stop() }()

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	seen := make(map[string]struct{})
	for done := false; !done; {
		select {
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				done = true
				break
			}
			rest := strings.TrimPrefix(entry.Key(), base+".")
			if i := strings.IndexByte(rest, '.'); i >= 0 {
				rest = rest[:i]
			}
			seen[unescapeToken(rest)] = struct{}{}
		case <-timer.C:
			return nil, unavailable("list", path, nats.ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(seen) == 0 {
		ok, err := n.Exists(ctx, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
	}
	out := make([]string, 0, len(seen))
	for child := range seen {
		out = append(out, child)
	}
	sort.Strings(out)
	return out, nil
}

func (n *NATS) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return withLock(ctx, "nats", n, n.opts, key, fn)
}

func (n *NATS) tryLock(ctx context.Context, key, owner string, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := n.locks.Create(natsKey(key), []byte(owner))
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv create: %w", err)
	}
	return true, nil
}

func (n *NATS) unlock(_ context.Context, key, owner string) error {
	entry, err := n.locks.Get(natsKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	if string(entry.Value()) != owner {
		return nil
	}
	return n.locks.Delete(natsKey(key), nats.LastRevision(entry.Revision()))
}

func (n *NATS) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.conn.FlushTimeout(n.timeout); err != nil {
		return unavailable("ping", Root, err)
	}
	return nil
}

func (n *NATS) Close() error {
	if n.owned {
		n.conn.Close()
	}
	return nil
}

// natsKey turns /a/b.c into a.b=2Ec. KV tokens are split on dots and only a
// narrow alphabet is allowed, so every other byte is hex-escaped behind '='.
func natsKey(path string) string {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segs {
		segs[i] = escapeToken(s)
	}
	return strings.Join(segs, ".")
}

func escapeToken(s string) string {
	const hexdigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('=')
			b.WriteByte(hexdigits[c>>4])
			b.WriteByte(hexdigits[c&0x0f])
		}
	}
	return b.String()
}

func unescapeToken(s string) string {
	if !strings.Contains(s, "=") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			if v, ok := unhex(s[i+1], s[i+2]); ok {
				b.WriteByte(v)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unhex(hi, lo byte) (byte, bool) {
	h, ok1 := hexVal(hi)
	l, ok2 := hexVal(lo)
	return h<<4 | l, ok1 && ok2
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
