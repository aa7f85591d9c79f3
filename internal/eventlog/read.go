package eventlog

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ReadOptions selects entries strictly after After, up to Limit (0 = no limit).
type ReadOptions struct {
	After uint64
	Limit int
}

// Item is one decoded entry.
type Item struct {
	Seq        uint64
	AppendedMs int64
	Header     []byte
	Payload    []byte
}

// Read returns entries in ascending sequence order.
func (l *Log) Read(opts ReadOptions) ([]Item, error) {
	low, high := entryBounds(l.stream, l.part)
	if opts.After > 0 {
		low = KeyLogEntry(l.stream, l.part, opts.After+1)
	}
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	capHint := opts.Limit
	if capHint <= 0 || capHint > 1024 {
		capHint = 64
	}
	items := make([]Item, 0, capHint)
	for ok := it.First(); ok && (opts.Limit <= 0 || len(items) < opts.Limit); ok = it.Next() {
		rec, valid := DecodeRecord(it.Value())
		seq := seqFromKey(it.Key())
		if !valid {
			return items, fmt.Errorf("eventlog: %s/%d: corrupt entry at seq %d", l.stream, l.part, seq)
		}
		items = append(items, Item{Seq: seq, AppendedMs: rec.AppendedMs, Header: rec.Header, Payload: rec.Payload})
	}
	return items, it.Error()
}
