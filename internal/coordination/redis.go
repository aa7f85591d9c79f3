package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions addresses a Redis server.
type RedisOptions struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis keeps each node in a string key and each parent's child names in a
// set, so ListChildren is one SMEMBERS. Locks are SET NX PX keys released by
// a compare-and-delete script.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
	owned  bool
}

var _ Client = (*Redis)(nil)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, ro RedisOptions, opts Options) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Username: ro.Username,
		Password: ro.Password,
		DB:       ro.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable("dial", ro.Addr, err)
	}
	c := NewRedis(rdb, ro.KeyPrefix, opts)
	c.owned = true
	return c, nil
}

// NewRedis wraps an existing client. Close leaves rdb open.
func NewRedis(rdb redis.UniversalClient, keyPrefix string, opts Options) *Redis {
	if keyPrefix == "" {
		keyPrefix = "nakadi"
	}
	return &Redis{rdb: rdb, prefix: keyPrefix, opts: opts.withDefaults()}
}

func (r *Redis) nodeKey(path string) string     { return r.prefix + ":n:" + path }
func (r *Redis) childrenKey(path string) string { return r.prefix + ":c:" + path }
func (r *Redis) lockKey(key string) string      { return r.prefix + ":l:" + key }

func (r *Redis) Read(ctx context.Context, path string) ([]byte, error) {
	if err := checkCall(ctx, path); err != nil {
		return nil, err
	}
	data, err := r.rdb.Get(ctx, r.nodeKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("read", path, err)
	}
	return data, nil
}

func (r *Redis) Write(ctx context.Context, path string, data []byte) error {
	if err := checkCall(ctx, path); err != nil {
		return err
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.nodeKey(path), data, 0)
		r.linkParents(ctx, pipe, path)
		return nil
	})
	if err != nil {
		return unavailable("write", path, err)
	}
	return nil
}

func (r *Redis) Create(ctx context.Context, path string, data []byte) (bool, error) {
	if err := checkCall(ctx, path); err != nil {
		return false, err
	}
	ok, err := r.rdb.SetNX(ctx, r.nodeKey(path), data, 0).Result()
	if err != nil {
		return false, unavailable("create", path, err)
	}
	if !ok {
		return false, nil
	}
	if _, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.linkParents(ctx, pipe, path)
		return nil
	}); err != nil {
		return true, unavailable("create", path, err)
	}
	return true, nil
}

// linkParents records path's segment in the child set of every ancestor.
func (r *Redis) linkParents(ctx context.Context, pipe redis.Pipeliner, path string) {
	for _, parent := range ancestors(path) {
		if child, ok := childOf(parent, path); ok {
			pipe.SAdd(ctx, r.childrenKey(parent), child)
		}
	}
}

func (r *Redis) Exists(ctx context.Context, path string) (bool, error) {
	if err := checkCall(ctx, path); err != nil {
		return false, err
	}
	n, err := r.rdb.Exists(ctx, r.nodeKey(path)).Result()
	if err != nil {
		return false, unavailable("exists", path, err)
	}
	return n > 0, nil
}

func (r *Redis) ListChildren(ctx context.Context, path string) ([]string, error) {
	if err := checkCall(ctx, path); err != nil {
		return nil, err
	}
	children, err := r.rdb.SMembers(ctx, r.childrenKey(path)).Result()
	if err != nil {
		return nil, unavailable("list", path, err)
	}
	if len(children) == 0 {
		ok, err := r.Exists(ctx, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		return []string{}, nil
	}
	sort.Strings(children)
	return children, nil
}

func (r *Redis) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return withLock(ctx, "redis", r, r.opts, key, fn)
}

func (r *Redis) tryLock(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.lockKey(key), owner, lease).Result()
	if err != nil {
		return false, fmt.Errorf("set nx: %w", err)
	}
	return ok, nil
}

func (r *Redis) unlock(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, r.rdb, []string{r.lockKey(key)}, owner).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", Root, err)
	}
	return nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.rdb.Close()
}
