// Package serverrun is the `nakadi server start` entrypoint: it assembles
// configuration, builds the process logger, opens the runtime and serves
// gRPC and HTTP until the context is cancelled.
//
// Example:
//
//	cfg, _ := serverrun.BuildConfig("nakadi.yaml", serverrun.Overrides{HTTPAddr: ":8080"})
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
