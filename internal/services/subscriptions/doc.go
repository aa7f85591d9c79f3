// Package subscriptionsvc is the subscription facade used by the transports:
// subscription CRUD, reading and committing cursors, and opening stream
// sessions that resume from the committed cursors.
//
// Example:
//
//	svc := subscriptionsvc.New(rt, streamsvc.New(rt))
//	sub, _, _ := svc.Create(ctx, subscriptions.Subscription{OwningApplication: "shop", EventTypes: []string{"orders"}})
//	sess, _ := svc.NewSession(ctx, sub.ID, streamsvc.StreamParams{BatchLimit: 50}, sink)
//	_ = sess.Run(ctx)
//	_, _ = svc.Commit(ctx, sub.ID, []cursors.Cursor{{Partition: "0", Offset: "42"}})
package subscriptionsvc
