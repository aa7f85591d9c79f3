package id

import (
	"math"
	"testing"
	"time"
)

func TestOrderingMonotonic(t *testing.T) {
	g := NewGeneratorWithNode(7)
	NowMs = func() int64 { return 1000 }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	a := g.Next()
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a<b")
	}
	if a.Ms() != 1000 || a.Node() != 7 {
		t.Fatalf("unexpected components ms=%d node=%d", a.Ms(), a.Node())
	}
}

func TestClockRegressionGuard(t *testing.T) {
	g := NewGeneratorWithNode(1)
	seq := int64(1000)
	NowMs = func() int64 { return seq }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	a := g.Next()
	seq = 900
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected b>a despite clock regression")
	}
}

func TestGeneratorsDiffer(t *testing.T) {
	NowMs = func() int64 { return 5000 }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	a := NewGeneratorWithNode(1).NextString()
	b := NewGeneratorWithNode(2).NextString()
	if a == b {
		t.Fatalf("owner tokens from different nodes collided: %s", a)
	}
	if len(a) != 32 {
		t.Fatalf("want 32 hex chars, got %d", len(a))
	}
}

func TestSequenceOverflowWaitsNextMs(t *testing.T) {
	g := NewGeneratorWithNode(3)
	var now int64 = 2000
	clock := make(chan int64, 1)
	clock <- now
	NowMs = func() int64 {
		v := <-clock
		clock <- v
		return v
	}
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	g.lastMs = 2000
	g.sequence = math.MaxUint32 - 1

	_ = g.Next()

	done := make(chan struct{})
	go func() {
		_ = g.Next()
		close(done)
	}()

	time.AfterFunc(10*time.Millisecond, func() {
		<-clock
		clock <- 2001
	})

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for overflow handling")
	}
}
