package serverrun

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/mdedetrich/nakadi/internal/config"
	"github.com/mdedetrich/nakadi/internal/runtime"
	grpcserver "github.com/mdedetrich/nakadi/internal/server/grpc"
	httpserver "github.com/mdedetrich/nakadi/internal/server/http"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// Overrides are command-line values applied on top of file and environment
// configuration. Empty fields leave the configured value alone.
type Overrides struct {
	DataDir   string
	HTTPAddr  string
	GRPCAddr  string
	Fsync     string
	LogLevel  string
	LogFormat string
}

// BuildConfig layers defaults, the optional config file, NAKADI_* variables
// and flag overrides, in that order.
func BuildConfig(path string, o Overrides) (cfgpkg.Config, error) {
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfgpkg.Config{}, err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.DataDir, o.DataDir)
	set(&cfg.Server.HTTPAddr, o.HTTPAddr)
	set(&cfg.Server.GRPCAddr, o.GRPCAddr)
	set(&cfg.Storage.Fsync, o.Fsync)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Log.Format, o.LogFormat)
	return cfg, cfg.Validate()
}

// NewLogger builds the process logger: console output plus a rotating file
// when one is configured.
func NewLogger(c cfgpkg.LogConfig) (logpkg.Logger, error) {
	lc := &logpkg.Config{
		Level:  c.Level,
		Format: c.Format,
		Output: []logpkg.OutputConfig{{Type: "console"}},
	}
	if c.File != "" {
		lc.Output = append(lc.Output, logpkg.OutputConfig{Type: "file", Path: c.File, MaxSizeMB: 100, MaxBackups: 5, Compress: true})
	}
	return logpkg.ApplyConfig(lc)
}

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// Run starts gRPC and HTTP servers and blocks until ctx is cancelled or one
// of them fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		l, err := NewLogger(opts.Config.Log)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		logger = l
		if c, ok := l.(io.Closer); ok {
			defer c.Close()
		}
		// Redirect stdlib logs (e.g., Pebble) to our logger
		logpkg.RedirectStdLog(logger)
	}

	rt, err := runtime.Open(sctx, runtime.Options{Config: opts.Config, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.Config()
	logger.Info("nakadi.start",
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("data_dir", cfg.Storage.ResolveDataDir()),
		logpkg.Str("coordination", cfg.Coordination.Backend),
		logpkg.Str("topic_store", cfg.TopicStore.Backend),
		logpkg.Str("subscriptions", cfg.Subscriptions.Backend))

	gsrv := grpcserver.New(rt, logger)
	hsrv := httpserver.New(rt, logger)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		if err := gsrv.ListenAndServe(gctx, cfg.Server.GRPCAddr); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := hsrv.ListenAndServe(gctx, cfg.Server.HTTPAddr); err != nil {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	err = g.Wait()
	// Servers are down before the runtime closes.
	gsrv.Close()
	hsrv.Close()
	logger.Info("nakadi.stop")
	return err
}
