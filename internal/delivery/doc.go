// Package delivery streams events of one stream to a consumer connection.
//
// A Session moves through STARTING, STREAMING and one of COMPLETED or FAILED.
// While starting it validates the requested cursors against the topic store;
// a rejected request gets exactly one error frame and no batches. While
// streaming it polls every partition in rotation, accumulates per-partition
// batches, and flushes them when they are full or have waited long enough.
// Partitions that stay quiet get empty keep-alive batches carrying their
// current cursor.
package delivery
