package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pebblestore "github.com/mdedetrich/nakadi/internal/storage/pebble"
)

const (
	pebbleNodePrefix = "coord/n"
	pebbleLockPrefix = "coord/l"
)

// Pebble stores nodes and lock leases in the embedded database. Locks are
// exclusive within the process that owns the database.
type Pebble struct {
	db   *pebblestore.DB
	opts Options
	now  func() time.Time

	// mu makes the lease read-check-write in tryLock atomic.
	mu sync.Mutex
}

// lease is the persisted lock record. An expired lease is free to take.
type lease struct {
	Owner       string `json:"owner"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

var _ Client = (*Pebble)(nil)

// NewPebble returns a client over db. The caller keeps ownership of db.
func NewPebble(db *pebblestore.DB, opts Options) *Pebble {
	return &Pebble{db: db, opts: opts.withDefaults(), now: time.Now}
}

func pebbleNodeKey(path string) []byte { return []byte(pebbleNodePrefix + path) }
func pebbleLockKey(key string) []byte  { return []byte(pebbleLockPrefix + key) }

func (p *Pebble) Read(ctx context.Context, path string) ([]byte, error) {
	if err := checkCall(ctx, path); err != nil {
		return nil, err
	}
	data, err := p.db.Get(pebbleNodeKey(path))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("read", path, err)
	}
	return data, nil
}

func (p *Pebble) Write(ctx context.Context, path string, data []byte) error {
	if err := checkCall(ctx, path); err != nil {
		return err
	}
	if err := p.db.Set(pebbleNodeKey(path), data); err != nil {
		return unavailable("write", path, err)
	}
	return nil
}

func (p *Pebble) Create(ctx context.Context, path string, data []byte) (bool, error) {
	if err := checkCall(ctx, path); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ok, err := p.db.Has(pebbleNodeKey(path))
	if err != nil {
		return false, unavailable("create", path, err)
	}
	if ok {
		return false, nil
	}
	if err := p.db.Set(pebbleNodeKey(path), data); err != nil {
		return false, unavailable("create", path, err)
	}
	return true, nil
}

func (p *Pebble) Exists(ctx context.Context, path string) (bool, error) {
	if err := checkCall(ctx, path); err != nil {
		return false, err
	}
	ok, err := p.db.Has(pebbleNodeKey(path))
	if err != nil {
		return false, unavailable("exists", path, err)
	}
	return ok, nil
}

func (p *Pebble) ListChildren(ctx context.Context, path string) ([]string, error) {
	if err := checkCall(ctx, path); err != nil {
		return nil, err
	}
	self, err := p.db.Has(pebbleNodeKey(path))
	if err != nil {
		return nil, unavailable("list", path, err)
	}
	// Keys iterate in order, so equal children are adjacent and the result
	// comes out sorted.
	var out []string
	err = p.db.ScanPrefix(pebbleNodeKey(path+"/"), func(key, _ []byte) bool {
		child, ok := childOf(path, string(key[len(pebbleNodePrefix):]))
		if ok && (len(out) == 0 || out[len(out)-1] != child) {
			out = append(out, child)
		}
		return true
	})
	if err != nil {
		return nil, unavailable("list", path, err)
	}
	if !self && len(out) == 0 {
		return nil, ErrNotFound
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (p *Pebble) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return withLock(ctx, "pebble", p, p.opts, key, fn)
}

func (p *Pebble) tryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UnixMilli()
	held, err := p.readLease(key)
	if err != nil {
		return false, err
	}
	if held != nil && held.Owner != owner && held.ExpiresAtMs > now {
		return false, nil
	}
	data, err := json.Marshal(lease{Owner: owner, ExpiresAtMs: now + ttl.Milliseconds()})
	if err != nil {
		return false, fmt.Errorf("marshal lease: %w", err)
	}
	if err := p.db.Set(pebbleLockKey(key), data); err != nil {
		return false, fmt.Errorf("write lease: %w", err)
	}
	return true, nil
}

func (p *Pebble) unlock(_ context.Context, key, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	held, err := p.readLease(key)
	if err != nil || held == nil || held.Owner != owner {
		return err
	}
	return p.db.Delete(pebbleLockKey(key))
}

// readLease returns nil when no lease record exists. Unreadable records are
// treated as free so a corrupt lease cannot wedge the key forever.
func (p *Pebble) readLease(key string) (*lease, error) {
	data, err := p.db.Get(pebbleLockKey(key))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	var l lease
	if json.Unmarshal(data, &l) != nil {
		return nil, nil
	}
	return &l, nil
}

func (p *Pebble) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.db.Has([]byte(pebbleNodePrefix)); err != nil {
		return unavailable("ping", Root, err)
	}
	return nil
}

// Close is a no-op; the database belongs to the runtime.
func (p *Pebble) Close() error { return nil }

func checkCall(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ValidatePath(path)
}
