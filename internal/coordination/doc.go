// Package coordination is the shared, strongly consistent store that holds
// committed cursors and the locks that serialize bootstrap and commits.
//
// Four backends implement Client:
//
//   - Memory: in-process, for tests and single-node development.
//   - Pebble: the embedded database, exclusive to one process.
//   - Redis: string keys for nodes, sets for children, SET NX PX locks.
//   - NATS: JetStream key-value buckets, Create-based locks on a TTL bucket.
//
// Lock acquisition is polled with exponential backoff and bounded by
// Options.LockTimeout; running out of time yields ErrLockTimeout.
//
//	err := c.WithLock(ctx, coordination.SubscriptionPath(sid), func(ctx context.Context) error {
//		_, err := c.Create(ctx, coordination.TopicPath(sid, stream), nil)
//		return err
//	})
package coordination
