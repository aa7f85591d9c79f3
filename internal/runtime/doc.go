// Package runtime wires storage, config and the configured backends into a
// single node: the coordination client, the topic store, the subscription
// directory, the cursor coordinator and the delivery engine.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(ctx)
//	_ = rt.Topics().CreateStream(ctx, topicstore.StreamSpec{Name: "orders"})
package runtime
