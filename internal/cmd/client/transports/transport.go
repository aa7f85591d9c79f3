package transports

import (
	"context"
	"encoding/json"

	"github.com/mdedetrich/nakadi/internal/cursors"
)

// StreamRequest describes a subscription stream. Timeouts are seconds; zero
// values take the server defaults.
type StreamRequest struct {
	SubscriptionID      string
	BatchLimit          int
	StreamLimit         int
	BatchFlushTimeout   int
	StreamTimeout       int
	BatchKeepAliveLimit int
	Filter              string
}

// Batch is one frame of a subscription stream. Keep-alives have no events.
type Batch struct {
	Cursor cursors.Cursor    `json:"cursor"`
	Events []json.RawMessage `json:"events,omitempty"`
}

// SubscriptionTransport abstracts the transport used by the CLI for cursor
// and stream operations (HTTP or gRPC).
type SubscriptionTransport interface {
	GetCursors(ctx context.Context, subscriptionID string) ([]cursors.Cursor, error)
	// CommitCursors reports Committed=false when any cursor was outdated.
	CommitCursors(ctx context.Context, subscriptionID string, cs []cursors.Cursor) (cursors.CommitResult, error)
	// Stream calls onBatch for every batch until the server ends the stream,
	// ctx is cancelled or onBatch fails.
	Stream(ctx context.Context, req StreamRequest, onBatch func(Batch) error) error
}
