package coordination

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Client. It backs single-node development setups and
// tests, which can inject faults and count operations.
type Memory struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	nodes  map[string][]byte
	locks  map[string]memLock
	ops    map[string]int
	faults map[string]error
	closed bool
}

type memLock struct {
	owner   string
	expires time.Time
}

var _ Client = (*Memory)(nil)

// NewMemory returns an empty in-process client.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:   opts.withDefaults(),
		now:    time.Now,
		nodes:  make(map[string][]byte),
		locks:  make(map[string]memLock),
		ops:    make(map[string]int),
		faults: make(map[string]error),
	}
}

// FailWith makes every later op ("read", "write", "create", "exists", "list",
// "lock", "ping") fail with err wrapped as ErrUnavailable. A nil err clears
// the fault.
func (m *Memory) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

// Ops returns how many times op was attempted.
func (m *Memory) Ops(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[op]
}

// begin counts op and returns the injected fault, if any. Caller holds mu.
func (m *Memory) begin(ctx context.Context, op, path string) error {
	m.ops[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return unavailable(op, path, errClosed)
	}
	if err := m.faults[op]; err != nil {
		return unavailable(op, path, err)
	}
	return ValidatePath(path)
}

func (m *Memory) Read(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "read", path); err != nil {
		return nil, err
	}
	data, ok := m.nodes[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Write(ctx context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "write", path); err != nil {
		return err
	}
	m.nodes[path] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Create(ctx context.Context, path string, data []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "create", path); err != nil {
		return false, err
	}
	if _, ok := m.nodes[path]; ok {
		return false, nil
	}
	m.nodes[path] = append([]byte(nil), data...)
	return true, nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "exists", path); err != nil {
		return false, err
	}
	_, ok := m.nodes[path]
	return ok, nil
}

func (m *Memory) ListChildren(ctx context.Context, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "list", path); err != nil {
		return nil, err
	}
	_, self := m.nodes[path]
	seen := make(map[string]struct{})
	for key := range m.nodes {
		if child, ok := childOf(path, key); ok {
			seen[child] = struct{}{}
		}
	}
	if !self && len(seen) == 0 {
		return nil, ErrNotFound
	}
	out := make([]string, 0, len(seen))
	for child := range seen {
		out = append(out, child)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return withLock(ctx, "memory", m, m.opts, key, fn)
}

func (m *Memory) tryLock(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "lock", key); err != nil {
		return false, err
	}
	now := m.now()
	if held, ok := m.locks[key]; ok && held.owner != owner && now.Before(held.expires) {
		return false, nil
	}
	m.locks[key] = memLock{owner: owner, expires: now.Add(lease)}
	return true, nil
}

func (m *Memory) unlock(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[key]; ok && held.owner == owner {
		delete(m.locks, key)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin(ctx, "ping", Root)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
