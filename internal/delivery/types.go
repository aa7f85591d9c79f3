package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/problems"
)

// State is the lifecycle position of a stream session.
type State int32

const (
	StateStarting State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateStreaming:
		return "STREAMING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further frames can be sent.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Frame is what a session writes to its sink: a Batch or an ErrorFrame.
type Frame interface {
	isFrame()
}

// Batch carries events of one partition and the cursor of the last of them.
// A keep-alive batch has no events and repeats the current cursor.
type Batch struct {
	Cursor cursors.Cursor    `json:"cursor"`
	Events []json.RawMessage `json:"events,omitempty"`
}

// KeepAlive reports whether b carries no events.
func (b Batch) KeepAlive() bool { return len(b.Events) == 0 }

// ErrorFrame ends a failed session. It renders as a problem document.
type ErrorFrame struct {
	problems.Problem
	Err error `json:"-"`
}

// NewErrorFrame classifies err into a problem.
func NewErrorFrame(err error) ErrorFrame {
	return ErrorFrame{Problem: problems.FromError(err), Err: err}
}

func (Batch) isFrame()      {}
func (ErrorFrame) isFrame() {}

// Sink is the consumer connection of one session.
type Sink interface {
	// Send writes one frame. It returns problems.ErrClientDisconnected once
	// the peer is gone.
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Config is the immutable parameter set of one session.
type Config struct {
	Stream string
	// Cursors lists the partitions to read, each with the offset of the last
	// event the consumer already has. Their order is the round-robin order.
	Cursors []cursors.Cursor
	// BatchLimit is the most events per batch.
	BatchLimit int
	// StreamLimit caps events sent over the whole session; 0 is unbounded.
	StreamLimit int
	// BatchFlushTimeout flushes a partial batch once it has been accumulating
	// this long. It is also the length of a keep-alive cycle. With 0 a partial
	// batch is only sent when the stream limit or stream timeout ends the
	// session.
	BatchFlushTimeout time.Duration
	// StreamTimeout ends the session after this long; 0 is unbounded.
	StreamTimeout time.Duration
	// BatchKeepAliveLimit sends an empty batch after that many consecutive
	// empty cycles on a partition; 0 disables keep-alives.
	BatchKeepAliveLimit int
	// Filter drops non-matching events. Cursors still advance past them.
	Filter *Filter
	// PollInterval bounds a single wait on a partition and is the cycle length
	// when BatchFlushTimeout is 0.
	PollInterval time.Duration
}

const DefaultPollInterval = 100 * time.Millisecond

// Validate checks field ranges. Errors match problems.ErrValidation.
func (c Config) Validate() error {
	switch {
	case c.Stream == "":
		return fmt.Errorf("%w: stream is required", problems.ErrValidation)
	case len(c.Cursors) == 0:
		return fmt.Errorf("%w: at least one partition is required", problems.ErrValidation)
	case c.BatchLimit < 1:
		return fmt.Errorf("%w: batch_limit must be >= 1", problems.ErrValidation)
	case c.StreamLimit < 0:
		return fmt.Errorf("%w: stream_limit must be >= 0", problems.ErrValidation)
	case c.StreamLimit > 0 && c.StreamLimit < c.BatchLimit:
		return fmt.Errorf("%w: stream_limit can't be lower than batch_limit", problems.ErrValidation)
	case c.BatchFlushTimeout < 0, c.StreamTimeout < 0, c.PollInterval < 0:
		return fmt.Errorf("%w: timeouts must not be negative", problems.ErrValidation)
	case c.BatchKeepAliveLimit < 0:
		return fmt.Errorf("%w: batch_keep_alive_limit must be >= 0", problems.ErrValidation)
	}
	seen := make(map[string]struct{}, len(c.Cursors))
	for _, cur := range c.Cursors {
		if _, dup := seen[cur.Partition]; dup {
			return fmt.Errorf("%w: partition %q requested twice", problems.ErrValidation, cur.Partition)
		}
		seen[cur.Partition] = struct{}{}
	}
	return nil
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}

// cycle is the length of one keep-alive cycle.
func (c Config) cycle() time.Duration {
	if c.BatchFlushTimeout > 0 {
		return c.BatchFlushTimeout
	}
	return c.pollInterval()
}
