package eventlog

import (
	"context"
	"testing"
)

func seedLog(t *testing.T, n int) *Log {
	t.Helper()
	l := newTestLog(t)
	recs := make([]AppendRecord, n)
	for i := range recs {
		recs[i] = AppendRecord{Payload: []byte{byte(i)}}
	}
	if _, err := l.Append(context.Background(), recs); err != nil {
		t.Fatalf("append: %v", err)
	}
	return l
}

func TestReadFromStart(t *testing.T) {
	l := seedLog(t, 5)
	items, err := l.Read(ReadOptions{Limit: 3})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(items) != 3 || items[0].Seq != 1 || items[2].Seq != 3 {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestReadAfterIsExclusive(t *testing.T) {
	l := seedLog(t, 4)
	items, err := l.Read(ReadOptions{After: 2})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(items) != 2 || items[0].Seq != 3 || items[0].Payload[0] != 2 {
		t.Fatalf("unexpected items %+v", items)
	}
	if items, _ := l.Read(ReadOptions{After: 4}); len(items) != 0 {
		t.Fatalf("expected nothing after the tail, got %d", len(items))
	}
}
