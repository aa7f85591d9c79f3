package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	pebblestore "github.com/mdedetrich/nakadi/internal/storage/pebble"
)

const (
	pebbleRecordPrefix   = "subs/r/"
	pebbleIdentityPrefix = "subs/k/"
)

// Pebble stores one JSON record per subscription plus an identity index used
// to make Create idempotent.
type Pebble struct {
	db  *pebblestore.DB
	now func() time.Time

	// mu serializes Create's check-then-insert.
	mu sync.Mutex
}

var _ Directory = (*Pebble)(nil)

// NewPebble returns a directory over db. The caller keeps ownership of db.
func NewPebble(db *pebblestore.DB) *Pebble {
	return &Pebble{db: db, now: time.Now}
}

func recordKey(id string) []byte         { return []byte(pebbleRecordPrefix + id) }
func identityKey(s Subscription) []byte { return []byte(pebbleIdentityPrefix + s.identity()) }

func (d *Pebble) Get(ctx context.Context, id string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}
	data, err := d.db.Get(recordKey(id))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Subscription{}, notFound(id)
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	var s Subscription
	if err := json.Unmarshal(data, &s); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	return s, nil
}

func (d *Pebble) Create(ctx context.Context, sub Subscription) (Subscription, bool, error) {
	sub, err := prepare(sub, d.now())
	if err != nil {
		return Subscription{}, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	existingID, err := d.db.Get(identityKey(sub))
	switch {
	case err == nil:
		existing, err := d.Get(ctx, string(existingID))
		return existing, false, err
	case !errors.Is(err, pebblestore.ErrNotFound):
		return Subscription{}, false, fmt.Errorf("lookup subscription identity: %w", err)
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return Subscription{}, false, fmt.Errorf("encode subscription: %w", err)
	}
	b := d.db.NewBatch()
	defer b.Close()
	if err := b.Set(recordKey(sub.ID), data, nil); err != nil {
		return Subscription{}, false, err
	}
	if err := b.Set(identityKey(sub), []byte(sub.ID), nil); err != nil {
		return Subscription{}, false, err
	}
	if err := d.db.CommitBatch(ctx, b); err != nil {
		return Subscription{}, false, fmt.Errorf("store subscription: %w", err)
	}
	return sub, true, nil
}

func (d *Pebble) List(ctx context.Context, opts ListOptions) ([]Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		all     []Subscription
		scanErr error
	)
	err := d.db.ScanPrefix([]byte(pebbleRecordPrefix), func(_, value []byte) bool {
		var s Subscription
		if err := json.Unmarshal(value, &s); err != nil {
			scanErr = fmt.Errorf("decode subscription: %w", err)
			return false
		}
		if opts.matches(s) {
			all = append(all, s)
		}
		return true
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	start := min(max(opts.Offset, 0), len(all))
	end := min(start+opts.limit(), len(all))
	return append([]Subscription{}, all[start:end]...), nil
}

func (d *Pebble) Delete(ctx context.Context, id string) error {
	s, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.db.NewBatch()
	defer b.Close()
	if err := b.Delete(recordKey(id), nil); err != nil {
		return err
	}
	if err := b.Delete(identityKey(s), nil); err != nil {
		return err
	}
	if err := d.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

// Close is a no-op; the database belongs to the runtime.
func (d *Pebble) Close() error { return nil }
