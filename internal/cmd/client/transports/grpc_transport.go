// Package transports provides pluggable transport implementations for the CLI.
package transports

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mdedetrich/nakadi/internal/cursors"
	grpcserver "github.com/mdedetrich/nakadi/internal/server/grpc"
)

const (
	methodGetCursors    = "/nakadi.v1.Subscriptions/GetCursors"
	methodCommitCursors = "/nakadi.v1.Subscriptions/CommitCursors"
	methodStreamEvents  = "/nakadi.v1.Subscriptions/StreamEvents"
)

// GrpcTransport implements SubscriptionTransport over gRPC.
type GrpcTransport struct {
	dial func(ctx context.Context) (*grpc.ClientConn, error)
}

// NewGrpcTransport constructs a new GrpcTransport using the provided dialer.
func NewGrpcTransport(dial func(ctx context.Context) (*grpc.ClientConn, error)) *GrpcTransport {
	return &GrpcTransport{dial: dial}
}

func (t *GrpcTransport) withConn(ctx context.Context, fn func(conn *grpc.ClientConn) error) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(conn)
}

// GetCursors fetches committed cursors via gRPC.
func (t *GrpcTransport) GetCursors(ctx context.Context, subscriptionID string) ([]cursors.Cursor, error) {
	var out struct {
		Items []cursors.Cursor `json:"items"`
	}
	err := t.withConn(ctx, func(conn *grpc.ClientConn) error {
		return invoke(ctx, conn, methodGetCursors, map[string]any{"subscription_id": subscriptionID}, &out)
	})
	return out.Items, err
}

// CommitCursors commits cursors via gRPC.
func (t *GrpcTransport) CommitCursors(ctx context.Context, subscriptionID string, cs []cursors.Cursor) (cursors.CommitResult, error) {
	items := make([]any, len(cs))
	for i, c := range cs {
		items[i] = map[string]any{"partition": c.Partition, "offset": c.Offset}
	}
	var out struct {
		Committed bool                 `json:"committed"`
		Items     []cursors.CommitItem `json:"items"`
	}
	err := t.withConn(ctx, func(conn *grpc.ClientConn) error {
		return invoke(ctx, conn, methodCommitCursors, map[string]any{"subscription_id": subscriptionID, "items": items}, &out)
	})
	return cursors.CommitResult{Committed: out.Committed, Items: out.Items}, err
}

// Stream reads a subscription stream via gRPC.
func (t *GrpcTransport) Stream(ctx context.Context, req StreamRequest, onBatch func(Batch) error) error {
	return t.withConn(ctx, func(conn *grpc.ClientConn) error {
		in, err := structpb.NewStruct(map[string]any{
			"subscription_id":        req.SubscriptionID,
			"batch_limit":            req.BatchLimit,
			"stream_limit":           req.StreamLimit,
			"batch_flush_timeout":    req.BatchFlushTimeout,
			"stream_timeout":         req.StreamTimeout,
			"batch_keep_alive_limit": req.BatchKeepAliveLimit,
			"filter":                 req.Filter,
		})
		if err != nil {
			return err
		}
		stream, err := conn.NewStream(ctx, &grpcserver.SubscriptionsServiceDesc.Streams[0], methodStreamEvents)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(in); err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			var b Batch
			if err := fromStruct(msg, &b); err != nil {
				return err
			}
			if err := onBatch(b); err != nil {
				return err
			}
		}
	})
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]any, out any) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return err
	}
	res := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, req, res); err != nil {
		return err
	}
	return fromStruct(res, out)
}

func fromStruct(s *structpb.Struct, out any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
