package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/mdedetrich/nakadi/internal/storage/pebble"
)

// AppendRecord is a single appendable event.
type AppendRecord struct {
	Header  []byte
	Payload []byte
}

// TrimObserver is told about every contiguous range removed by retention.
type TrimObserver interface {
	ObserveTrim(stream string, partition uint32, minSeq, maxSeq uint64)
}

type noopObserver struct{}

func (noopObserver) ObserveTrim(string, uint32, uint64, uint64) {}

// Log is the append-only sequence of one stream partition. Sequences start at
// 1 and are never reused, even after trims.
type Log struct {
	db     *pebblestore.DB
	stream string
	part   uint32
	now    func() time.Time

	mu       sync.Mutex
	firstSeq uint64 // oldest retained entry; lastSeq+1 when empty
	lastSeq  uint64
	notifyCh chan struct{}
	observer TrimObserver
}

// OpenLog loads a partition's bounds from Pebble.
func OpenLog(db *pebblestore.DB, stream string, partition uint32) (*Log, error) {
	l := &Log{db: db, stream: stream, part: partition, now: time.Now, notifyCh: make(chan struct{}), observer: noopObserver{}}
	meta, err := db.Get(KeyLogMeta(stream, partition))
	switch {
	case err == nil && len(meta) >= 8:
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, err
	}
	first, err := l.scanFirstSeq()
	if err != nil {
		return nil, err
	}
	l.firstSeq = first
	return l, nil
}

// SetTrimObserver installs o; nil restores the no-op observer.
func (l *Log) SetTrimObserver(o TrimObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o == nil {
		o = noopObserver{}
	}
	l.observer = o
}

// Stream returns the stream name.
func (l *Log) Stream() string { return l.stream }

// Partition returns the partition number.
func (l *Log) Partition() uint32 { return l.part }

// Bounds returns the oldest retained and the newest sequence. An empty log
// reports first == last+1.
func (l *Log) Bounds() (first, last uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstSeq, l.lastSeq
}

// Append writes recs as one atomic batch and returns their sequences.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	ms := l.now().UnixMilli()
	seqs := make([]uint64, len(recs))
	next := l.lastSeq
	for i, r := range recs {
		next++
		val := EncodeRecord(Record{AppendedMs: ms, Header: r.Header, Payload: r.Payload})
		if err := b.Set(KeyLogEntry(l.stream, l.part, next), val, nil); err != nil {
			return nil, err
		}
		seqs[i] = next
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], next)
	if err := b.Set(KeyLogMeta(l.stream, l.part), meta[:], nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	l.lastSeq = next
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

func (l *Log) scanFirstSeq() (uint64, error) {
	low, high := entryBounds(l.stream, l.part)
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if it.First() {
		return seqFromKey(it.Key()), nil
	}
	return l.lastSeq + 1, it.Error()
}
