// Package topicstore defines the event storage capability consumed by the
// cursor coordinator and the delivery engine, and implements it on top of the
// embedded event log.
package topicstore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

// ErrCursorClosed is returned by Poll after Close.
var ErrCursorClosed = errors.New("topicstore: cursor closed")

// Event is one stored event as seen by consumers.
type Event struct {
	Partition   string
	Offset      string
	Key         string
	Payload     json.RawMessage
	PublishedAt time.Time
}

// Partition describes the committable offset range of one partition. Oldest
// is the position just before the oldest retained event, Newest the offset of
// the latest event. Both are BeginOffset for an empty partition.
type Partition struct {
	ID     string `json:"partition"`
	Oldest string `json:"oldest_available_offset"`
	Newest string `json:"newest_available_offset"`
}

// StreamSpec describes a stream to create.
type StreamSpec struct {
	Name           string        `json:"name"`
	Partitions     int           `json:"partitions"`
	RetentionAge   time.Duration `json:"-"`
	RetentionBytes int64         `json:"retention_bytes,omitempty"`
}

// PublishRecord is one event to append. An empty Partition routes by Key, or
// round-robin when Key is also empty.
type PublishRecord struct {
	Partition string
	Key       string
	Payload   []byte
}

// Store is the topic storage capability.
type Store interface {
	ListStreams(ctx context.Context) ([]string, error)
	// ListPartitions fails with problems.ErrNoSuchStream for unknown streams.
	ListPartitions(ctx context.Context, stream string) ([]Partition, error)
	// CompareOffsets orders two offsets of the same partition. Unparseable
	// offsets fail with problems.ErrInvalidCursor.
	CompareOffsets(a, b string) (int, error)
	// ValidateOffset checks that a consumer may start after offset.
	ValidateOffset(ctx context.Context, stream, partition, offset string) error
	// OpenCursor returns a cursor positioned after startOffset. The caller
	// owns the cursor and must Close it.
	OpenCursor(ctx context.Context, stream, partition, startOffset string) (Cursor, error)
	CreateStream(ctx context.Context, spec StreamSpec) error
	// Publish appends records and returns the stored events in input order.
	Publish(ctx context.Context, stream string, recs []PublishRecord) ([]Event, error)
	Ping(ctx context.Context) error
	Close() error
}

// Cursor reads one partition forward.
type Cursor interface {
	Partition() string
	// Poll returns up to max events, waiting at most maxWait for the first
	// one. An empty result with a nil error means nothing arrived in time or
	// ctx was cancelled.
	Poll(ctx context.Context, max int, maxWait time.Duration) ([]Event, error)
	Close() error
}

var streamNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)

// ValidStreamName reports whether name can be used as a stream name.
func ValidStreamName(name string) bool { return streamNameRe.MatchString(name) }
