package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	cfgpkg "github.com/mdedetrich/nakadi/internal/config"
	"github.com/mdedetrich/nakadi/internal/coordination"
	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/delivery"
	"github.com/mdedetrich/nakadi/internal/metrics"
	pebblestore "github.com/mdedetrich/nakadi/internal/storage/pebble"
	"github.com/mdedetrich/nakadi/internal/subscriptions"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	"github.com/mdedetrich/nakadi/internal/topicstore/kafkastore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
}

// Runtime wires storage, the three backing capabilities and the core
// components for a single node.
type Runtime struct {
	config cfgpkg.Config
	logger logpkg.Logger

	db      *pebblestore.DB
	coord   coordination.Client
	topics  topicstore.Store
	subs    subscriptions.Directory
	cursors *cursors.Coordinator
	engine  *delivery.Engine
}

// Open initializes storage and the configured backends. Anything opened
// before a failure is closed again.
func Open(ctx context.Context, opts Options) (rt *Runtime, err error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	rt = &Runtime{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	fsync, err := pebblestore.ParseFsyncMode(cfg.Storage.Fsync)
	if err != nil {
		return nil, err
	}
	dataDir := cfg.Storage.ResolveDataDir()
	rt.db, err = pebblestore.Open(pebblestore.Options{
		DataDir:       dataDir,
		Fsync:         fsync,
		FsyncInterval: cfg.Storage.FsyncInterval.D(),
		Metrics:       metrics.StorageHook{},
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if rt.coord, err = openCoordination(ctx, cfg.Coordination, rt.db); err != nil {
		return nil, fmt.Errorf("open coordination: %w", err)
	}
	if rt.topics, err = openTopics(cfg.TopicStore, rt.db, logger); err != nil {
		return nil, fmt.Errorf("open topic store: %w", err)
	}
	if rt.subs, err = openSubscriptions(ctx, cfg.Subscriptions, dataDir, rt.db); err != nil {
		return nil, fmt.Errorf("open subscriptions: %w", err)
	}

	rt.cursors = cursors.New(rt.coord, rt.topics, rt.subs, cursors.Options{
		BootstrapFrom: cfg.Streaming.BootstrapFrom,
		Logger:        logger,
	})
	rt.engine = delivery.NewEngine(rt.topics, delivery.Options{Logger: logger})
	logger.Info("runtime.open",
		logpkg.Str("data_dir", dataDir),
		logpkg.Str("coordination", cfg.Coordination.Backend),
		logpkg.Str("topic_store", cfg.TopicStore.Backend),
		logpkg.Str("subscriptions", cfg.Subscriptions.Backend))
	return rt, nil
}

func openCoordination(ctx context.Context, c cfgpkg.CoordinationConfig, db *pebblestore.DB) (coordination.Client, error) {
	opts := coordination.Options{LockTimeout: c.LockTimeout.D(), LockLease: c.LockLease.D()}
	switch c.Backend {
	case "memory":
		return coordination.NewMemory(opts), nil
	case "redis":
		cl, err := coordination.DialRedis(ctx, coordination.RedisOptions{
			Addr:      c.Redis.Addr,
			Username:  c.Redis.Username,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: c.Redis.KeyPrefix,
		}, opts)
		if err != nil {
			return nil, err
		}
		return cl, nil
	case "nats":
		cl, err := coordination.DialNATS(coordination.NATSOptions{
			URL:        c.NATS.URL,
			Token:      c.NATS.Token,
			Username:   c.NATS.Username,
			Password:   c.NATS.Password,
			Bucket:     c.NATS.Bucket,
			LockBucket: c.NATS.LockBucket,
			Timeout:    c.NATS.Timeout.D(),
		}, opts)
		if err != nil {
			return nil, err
		}
		return cl, nil
	default:
		return coordination.NewPebble(db, opts), nil
	}
}

func openTopics(c cfgpkg.TopicStoreConfig, db *pebblestore.DB, logger logpkg.Logger) (topicstore.Store, error) {
	if c.Backend == "kafka" {
		s, err := kafkastore.New(kafkastore.Options{
			Brokers:           c.Kafka.Brokers,
			ClientID:          c.Kafka.ClientID,
			FetchMaxWait:      c.Kafka.FetchMaxWait.D(),
			DefaultPartitions: c.DefaultPartitions,
			RetentionAge:      c.RetentionAge.D(),
			RetentionBytes:    c.RetentionBytes,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return topicstore.NewLocal(db, topicstore.LocalOptions{
		DefaultPartitions: c.DefaultPartitions,
		RetentionAge:      c.RetentionAge.D(),
		RetentionBytes:    c.RetentionBytes,
		Logger:            logger,
	}), nil
}

func openSubscriptions(ctx context.Context, c cfgpkg.SubscriptionsConfig, dataDir string, db *pebblestore.DB) (subscriptions.Directory, error) {
	if c.Backend == "pebble" {
		return subscriptions.NewPebble(db), nil
	}
	d, err := subscriptions.OpenSQLite(ctx, c.SubscriptionsDSN(dataDir))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Close releases every backend, storage last, and reports all failures.
func (r *Runtime) Close() error {
	var result *multierror.Error
	if r.subs != nil {
		if err := r.subs.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("subscriptions: %w", err))
		}
	}
	if r.topics != nil {
		if err := r.topics.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("topic store: %w", err))
		}
	}
	if r.coord != nil {
		if err := r.coord.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("coordination: %w", err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("storage: %w", err))
		}
		r.db = nil
	}
	return result.ErrorOrNil()
}

// CheckHealth pings storage, coordination and the topic store.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	var result *multierror.Error
	it, err := r.db.NewIter(nil)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("storage: %w", err))
	} else {
		_ = it.Close()
	}
	if err := r.coord.Ping(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("coordination: %w", err))
	}
	if err := r.topics.Ping(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("topic store: %w", err))
	}
	return result.ErrorOrNil()
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

func (r *Runtime) Logger() logpkg.Logger { return r.logger }

func (r *Runtime) Coordination() coordination.Client { return r.coord }

func (r *Runtime) Topics() topicstore.Store { return r.topics }

func (r *Runtime) Subscriptions() subscriptions.Directory { return r.subs }

func (r *Runtime) Cursors() *cursors.Coordinator { return r.cursors }

func (r *Runtime) Engine() *delivery.Engine { return r.engine }
