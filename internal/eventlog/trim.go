package eventlog

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"
)

// TrimOlderThan deletes the prefix of entries appended before cutoffMs. The
// newest entry is always kept so the partition's latest offset stays
// readable. Deletes are committed in batches of batchLimit with an optional
// pause between commits.
func (l *Log) TrimOlderThan(ctx context.Context, cutoffMs int64, batchLimit int, throttle time.Duration) (int, error) {
	return l.trimPrefix(ctx, batchLimit, throttle, func(val []byte) bool {
		ms, ok := recordAppendedMs(val)
		return ok && ms < cutoffMs
	})
}

// TrimToMaxBytes deletes the oldest entries until the stored value bytes fit
// in maxBytes, keeping the newest entry.
func (l *Log) TrimToMaxBytes(ctx context.Context, maxBytes int64, batchLimit int, throttle time.Duration) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}
	total, err := l.sizeBytes()
	if err != nil || total <= maxBytes {
		return 0, err
	}
	return l.trimPrefix(ctx, batchLimit, throttle, func(val []byte) bool {
		if total <= maxBytes {
			return false
		}
		total -= int64(len(val))
		return true
	})
}

func (l *Log) sizeBytes() (int64, error) {
	low, high := entryBounds(l.stream, l.part)
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	var total int64
	for ok := it.First(); ok; ok = it.Next() {
		total += int64(len(it.Value()))
	}
	return total, it.Error()
}

// trimPrefix deletes entries from the front while drop approves them.
func (l *Log) trimPrefix(ctx context.Context, batchLimit int, throttle time.Duration, drop func([]byte) bool) (int, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}
	_, last := l.Bounds()
	low, high := entryBounds(l.stream, l.part)
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	deleted := 0
	ok := it.First()
	for ok {
		b := l.db.NewBatch()
		var minSeq, maxSeq uint64
		n := 0
		for ok && n < batchLimit {
			seq := seqFromKey(it.Key())
			if seq >= last || !drop(it.Value()) {
				ok = false
				break
			}
			if err := b.Delete(it.Key(), nil); err != nil {
				b.Close()
				return deleted, err
			}
			if n == 0 {
				minSeq = seq
			}
			maxSeq = seq
			n++
			ok = it.Next()
		}
		if n == 0 {
			b.Close()
			break
		}
		if err := l.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return deleted, err
		}
		b.Close()
		deleted += n
		l.mu.Lock()
		if maxSeq+1 > l.firstSeq {
			l.firstSeq = maxSeq + 1
		}
		observer := l.observer
		l.mu.Unlock()
		observer.ObserveTrim(l.stream, l.part, minSeq, maxSeq)
		if ok && throttle > 0 {
			select {
			case <-time.After(throttle):
			case <-ctx.Done():
				return deleted, ctx.Err()
			}
		}
	}
	return deleted, it.Error()
}
