// Package streamsvc implements the topic facade consumed by the HTTP and gRPC
// transports: listing streams and partitions, creating streams, publishing
// single events or batches with per-item results, and opening low-level
// partition stream sessions on the delivery engine.
//
// Example:
//
//	svc := streamsvc.New(rt)
//	_ = svc.CreateTopic(ctx, topicstore.StreamSpec{Name: "orders", Partitions: 4})
//	res, _ := svc.Publish(ctx, "orders", []byte(`[{"metadata":{"eid":"e1"},"total":12}]`))
//	// res.Status == streamsvc.StatusSubmitted
//	sess, _ := svc.PartitionSession("orders", "0", "BEGIN", streamsvc.StreamParams{BatchLimit: 10}, sink)
//	_ = sess.Run(ctx)
package streamsvc

// Observability
//   - streams.publish logs per-batch latency (dur_ms) at debug level; store
//     failures are logged at error level and reported per item.
//   - sessions log delivery.session.start / delivery.session.end with the
//     stream id as "session".
