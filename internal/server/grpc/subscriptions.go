package grpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/delivery"
	"github.com/mdedetrich/nakadi/internal/problems"
	streamsvc "github.com/mdedetrich/nakadi/internal/services/streams"
	subscriptionsvc "github.com/mdedetrich/nakadi/internal/services/subscriptions"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

const subscriptionsServiceName = "nakadi.v1.Subscriptions"

// SubscriptionsServer is the server API of nakadi.v1.Subscriptions.
//
// Requests and responses are Struct documents:
//   - GetCursors {subscription_id} -> {items: [{partition, offset}]}
//   - CommitCursors {subscription_id, items} -> {committed, items: [{cursor, result}]}
//   - StreamEvents {subscription_id, batch_limit, stream_limit,
//     batch_flush_timeout, stream_timeout, batch_keep_alive_limit, filter}
//     -> stream of {cursor, events}
type SubscriptionsServer interface {
	GetCursors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CommitCursors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*structpb.Struct, grpc.ServerStream) error
}

// SubscriptionsServiceDesc describes nakadi.v1.Subscriptions for both server
// registration and client streams.
var SubscriptionsServiceDesc = grpc.ServiceDesc{
	ServiceName: subscriptionsServiceName,
	HandlerType: (*SubscriptionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetCursors", Handler: unaryHandler("GetCursors", SubscriptionsServer.GetCursors)},
		{MethodName: "CommitCursors", Handler: unaryHandler("CommitCursors", SubscriptionsServer.CommitCursors)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
}

func RegisterSubscriptionsServer(s grpc.ServiceRegistrar, srv SubscriptionsServer) {
	s.RegisterService(&SubscriptionsServiceDesc, srv)
}

type unaryMethod func(SubscriptionsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, m unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + subscriptionsServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(SubscriptionsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(SubscriptionsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SubscriptionsServer).StreamEvents(in, stream)
}

type subscriptionsSvc struct {
	svc    *subscriptionsvc.Service
	logger logpkg.Logger
}

func (s *subscriptionsSvc) GetCursors(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cs, err := s.svc.Cursors(ctx, stringField(in, "subscription_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"items": cs})
}

func (s *subscriptionsSvc) CommitCursors(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var cs []cursors.Cursor
	for _, v := range in.GetFields()["items"].GetListValue().GetValues() {
		item := v.GetStructValue()
		cs = append(cs, cursors.Cursor{Partition: stringField(item, "partition"), Offset: stringField(item, "offset")})
	}
	res, err := s.svc.Commit(ctx, stringField(in, "subscription_id"), cs)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"committed": res.Committed, "items": res.Items})
}

func (s *subscriptionsSvc) StreamEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	p := streamsvc.StreamParams{
		BatchLimit:          intField(in, "batch_limit"),
		StreamLimit:         intField(in, "stream_limit"),
		BatchFlushTimeout:   time.Duration(intField(in, "batch_flush_timeout")) * time.Second,
		StreamTimeout:       time.Duration(intField(in, "stream_timeout")) * time.Second,
		BatchKeepAliveLimit: intField(in, "batch_keep_alive_limit"),
		Filter:              stringField(in, "filter"),
	}
	ctx := stream.Context()
	sess, err := s.svc.NewSession(ctx, stringField(in, "subscription_id"), p, grpcSink{stream: stream})
	if err != nil {
		return toStatus(err)
	}
	res := sess.Run(ctx)
	s.logger.Debug("grpc.stream.end",
		logpkg.Str("session", sess.ID()),
		logpkg.Str("state", res.State.String()),
		logpkg.Int("events", res.Events))
	if res.State == delivery.StateFailed {
		return toStatus(res.Err)
	}
	return nil
}

// grpcSink sends batches as Struct messages. Error frames are not sent; the
// handler returns the session error as the call status instead.
type grpcSink struct {
	stream grpc.ServerStream
}

func (g grpcSink) Send(_ context.Context, f delivery.Frame) error {
	b, ok := f.(delivery.Batch)
	if !ok {
		return nil
	}
	msg, err := toStruct(b)
	if err != nil {
		return err
	}
	if err := g.stream.SendMsg(msg); err != nil {
		return problems.ErrClientDisconnected
	}
	return nil
}

func (g grpcSink) Close() error { return nil }

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func intField(s *structpb.Struct, name string) int {
	return int(s.GetFields()[name].GetNumberValue())
}

// toStatus maps the error taxonomy onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch problems.Status(err) {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusConflict:
		code = codes.AlreadyExists
	case http.StatusUnprocessableEntity:
		code = codes.FailedPrecondition
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, problems.FromError(err).Detail)
}
