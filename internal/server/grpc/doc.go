// Package grpcserver hosts the gRPC surface of nakadi: the standard health
// service and a Subscriptions service (cursor get/commit and event
// streaming) whose messages are google.protobuf.Struct documents shaped like
// the HTTP JSON bodies.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	s := grpcserver.New(rt, logger)
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
