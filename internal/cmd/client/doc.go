// Package client provides the `nakadi` command-line client.
//
// The CLI talks to the nakadi HTTP API for topic and subscription
// administration and to either HTTP or gRPC (--transport) for cursor and
// stream operations.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. The standalone binary reads NAKADI_HTTP
// (default http://127.0.0.1:8080). The gRPC address is read from
// NAKADI_GRPC (default 127.0.0.1:50051).
//
// Usage
//
//	nakadi topics create --name orders --partitions 8
//	nakadi topics publish --topic orders --data '{"metadata":{"eid":"1"},"total":3}'
//	nakadi topics publish --topic orders --partition 0 --stdin < events.ndjson
//	nakadi topics stream --topic orders --partition 0 --start-from BEGIN --limit 10
//
//	nakadi subscriptions create --app shop --event-type orders --read-from begin
//	nakadi subscriptions stream --id SUB_ID --batch-limit 10 --commit --follow
//	nakadi subscriptions stream --id SUB_ID --transport grpc --filter 'json.total > 2'
//
//	nakadi cursors get --id SUB_ID
//	nakadi cursors commit --id SUB_ID 0:42 1:17
//
// Notes
//
//   - stream prints one JSON batch per line, keep-alive batches included.
//     With --commit each data batch cursor is committed after printing.
//   - --follow reopens an ended stream and backs off while the server
//     answers 503 or is unreachable.
package client
