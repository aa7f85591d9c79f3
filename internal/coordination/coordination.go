package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for absent paths.
	ErrNotFound = errors.New("coordination: node not found")
	// ErrUnavailable wraps transport and timeout failures of the backend.
	ErrUnavailable = errors.New("coordination: backend unavailable")
	// ErrLockTimeout is returned when a lock could not be taken within the
	// configured lock timeout. It matches ErrUnavailable.
	ErrLockTimeout = fmt.Errorf("%w: lock wait timed out", ErrUnavailable)
	// ErrInvalidPath rejects paths that are not absolute slash-separated names.
	ErrInvalidPath = errors.New("coordination: invalid path")

	errClosed = errors.New("client closed")
)

// Client is a hierarchical key-value store with mutual-exclusion locks.
//
// Paths are absolute, slash separated and carry no trailing slash. Write and
// Create only materialize the node they name; ancestors exist implicitly
// while they have descendants, so ListChildren on an ancestor returns the
// next path segment of every descendant.
type Client interface {
	// Read returns the data of path, or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write creates or overwrites path.
	Write(ctx context.Context, path string, data []byte) error
	// Create writes path only if it does not exist and reports whether it did.
	Create(ctx context.Context, path string, data []byte) (bool, error)
	// Exists reports whether path was written.
	Exists(ctx context.Context, path string) (bool, error)
	// ListChildren returns the sorted child names of path, or ErrNotFound when
	// path has neither data nor descendants.
	ListChildren(ctx context.Context, path string) ([]string, error)
	// WithLock runs fn while holding the exclusive lock named key. The lock is
	// released on every exit path of fn.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Options tunes lock behaviour shared by every backend.
type Options struct {
	// LockTimeout bounds how long WithLock waits to acquire a lock.
	LockTimeout time.Duration
	// LockLease is how long a lock outlives a crashed owner.
	LockLease time.Duration
}

const (
	DefaultLockTimeout = 5 * time.Second
	DefaultLockLease   = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.LockLease <= 0 {
		o.LockLease = DefaultLockLease
	}
	if o.LockLease < o.LockTimeout {
		o.LockLease = o.LockTimeout
	}
	return o
}

// ValidatePath checks the path grammar every backend relies on.
func ValidatePath(path string) error {
	if !strings.HasPrefix(path, "/") || path == "/" || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

// childOf returns the first segment of key below parent, if key is a strict
// descendant of parent.
func childOf(parent, key string) (string, bool) {
	prefix := parent + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, rest != ""
}

// ancestors lists the strict ancestors of path, nearest last.
func ancestors(path string) []string {
	var out []string
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}

func unavailable(op, path string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("coordination %s %s: %w: %w", op, path, ErrUnavailable, err)
}
