// Package httpserver is the REST surface of nakadi: topics, batch
// publishing, subscriptions with their cursors, and streaming sessions over
// NDJSON, server-sent events or WebSocket.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
