package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server" envPrefix:"SERVER_"`
	Storage       StorageConfig       `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Coordination  CoordinationConfig  `json:"coordination" yaml:"coordination" envPrefix:"COORDINATION_"`
	TopicStore    TopicStoreConfig    `json:"topicStore" yaml:"topicStore" envPrefix:"TOPIC_STORE_"`
	Subscriptions SubscriptionsConfig `json:"subscriptions" yaml:"subscriptions" envPrefix:"SUBSCRIPTIONS_"`
	Streaming     StreamingConfig     `json:"streaming" yaml:"streaming" envPrefix:"STREAMING_"`
	Log           LogConfig           `json:"log" yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	HTTPAddr        string   `json:"httpAddr" yaml:"httpAddr" env:"HTTP_ADDR"`
	GRPCAddr        string   `json:"grpcAddr" yaml:"grpcAddr" env:"GRPC_ADDR"`
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}

// StorageConfig controls the embedded Pebble store.
type StorageConfig struct {
	DataDir       string   `json:"dataDir" yaml:"dataDir" env:"DATA_DIR"`
	Fsync         string   `json:"fsync" yaml:"fsync" env:"FSYNC"`
	FsyncInterval Duration `json:"fsyncInterval" yaml:"fsyncInterval" env:"FSYNC_INTERVAL"`
}

// CoordinationConfig selects and tunes the coordination backend that holds
// durable cursors and locks.
type CoordinationConfig struct {
	// Backend is one of pebble, memory, redis, nats.
	Backend string `json:"backend" yaml:"backend" env:"BACKEND"`
	// LockTimeout bounds how long a caller waits to acquire a lock.
	LockTimeout Duration `json:"lockTimeout" yaml:"lockTimeout" env:"LOCK_TIMEOUT"`
	// LockLease is how long an acquired lock survives its owner's crash.
	LockLease Duration    `json:"lockLease" yaml:"lockLease" env:"LOCK_LEASE"`
	Redis     RedisConfig `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
	NATS      NATSConfig  `json:"nats" yaml:"nats" envPrefix:"NATS_"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr" env:"ADDR"`
	Username  string `json:"username" yaml:"username" env:"USERNAME"`
	Password  string `json:"password" yaml:"password" env:"PASSWORD"`
	DB        int    `json:"db" yaml:"db" env:"DB"`
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix" env:"KEY_PREFIX"`
}

type NATSConfig struct {
	URL        string   `json:"url" yaml:"url" env:"URL"`
	Token      string   `json:"token" yaml:"token" env:"TOKEN"`
	Username   string   `json:"username" yaml:"username" env:"USERNAME"`
	Password   string   `json:"password" yaml:"password" env:"PASSWORD"`
	Bucket     string   `json:"bucket" yaml:"bucket" env:"BUCKET"`
	LockBucket string   `json:"lockBucket" yaml:"lockBucket" env:"LOCK_BUCKET"`
	Timeout    Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
}

// TopicStoreConfig selects where events live.
type TopicStoreConfig struct {
	// Backend is local (embedded log) or kafka.
	Backend           string      `json:"backend" yaml:"backend" env:"BACKEND"`
	DefaultPartitions int         `json:"defaultPartitions" yaml:"defaultPartitions" env:"DEFAULT_PARTITIONS"`
	RetentionAge      Duration    `json:"retentionAge" yaml:"retentionAge" env:"RETENTION_AGE"`
	RetentionBytes    int64       `json:"retentionBytes" yaml:"retentionBytes" env:"RETENTION_BYTES"`
	PayloadMaxBytes   int         `json:"payloadMaxBytes" yaml:"payloadMaxBytes" env:"PAYLOAD_MAX_BYTES"`
	Kafka             KafkaConfig `json:"kafka" yaml:"kafka" envPrefix:"KAFKA_"`
}

type KafkaConfig struct {
	Brokers      []string `json:"brokers" yaml:"brokers" env:"BROKERS" envSeparator:","`
	ClientID     string   `json:"clientId" yaml:"clientId" env:"CLIENT_ID"`
	FetchMaxWait Duration `json:"fetchMaxWait" yaml:"fetchMaxWait" env:"FETCH_MAX_WAIT"`
}

// SubscriptionsConfig selects the subscription directory.
type SubscriptionsConfig struct {
	// Backend is sqlite or pebble.
	Backend string `json:"backend" yaml:"backend" env:"BACKEND"`
	// DSN overrides the sqlite database location (defaults to DataDir).
	DSN string `json:"dsn" yaml:"dsn" env:"DSN"`
}

// StreamingConfig holds defaults applied to stream sessions.
type StreamingConfig struct {
	BatchLimit        int      `json:"batchLimit" yaml:"batchLimit" env:"BATCH_LIMIT"`
	BatchFlushTimeout Duration `json:"batchFlushTimeout" yaml:"batchFlushTimeout" env:"BATCH_FLUSH_TIMEOUT"`
	// MaxStreamTimeout caps any requested stream_timeout; 0 means uncapped.
	MaxStreamTimeout Duration `json:"maxStreamTimeout" yaml:"maxStreamTimeout" env:"MAX_STREAM_TIMEOUT"`
	PollInterval     Duration `json:"pollInterval" yaml:"pollInterval" env:"POLL_INTERVAL"`
	// BootstrapFrom is the default starting position of new subscriptions:
	// end (latest at creation time) or begin.
	BootstrapFrom string `json:"bootstrapFrom" yaml:"bootstrapFrom" env:"BOOTSTRAP_FROM"`
}

// LogConfig mirrors the logger's declarative config.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
	// File enables a rotating file output in addition to the console.
	File string `json:"file" yaml:"file" env:"FILE"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Storage: StorageConfig{
			Fsync:         "always",
			FsyncInterval: Duration(5 * time.Millisecond),
		},
		Coordination: CoordinationConfig{
			Backend:     "pebble",
			LockTimeout: Duration(5 * time.Second),
			LockLease:   Duration(30 * time.Second),
			Redis:       RedisConfig{Addr: "127.0.0.1:6379", KeyPrefix: "nakadi"},
			NATS: NATSConfig{
				URL:        "nats://127.0.0.1:4222",
				Bucket:     "nakadi_coordination",
				LockBucket: "nakadi_locks",
				Timeout:    Duration(5 * time.Second),
			},
		},
		TopicStore: TopicStoreConfig{
			Backend:           "local",
			DefaultPartitions: 8,
			PayloadMaxBytes:   1 << 20,
			Kafka: KafkaConfig{
				ClientID:     "nakadi",
				FetchMaxWait: Duration(500 * time.Millisecond),
			},
		},
		Subscriptions: SubscriptionsConfig{Backend: "sqlite"},
		Streaming: StreamingConfig{
			BatchLimit:        1,
			BatchFlushTimeout: Duration(30 * time.Second),
			PollInterval:      Duration(100 * time.Millisecond),
			BootstrapFrom:     "end",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// Default(). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}
	switch c.Storage.Fsync {
	case "always", "interval", "never":
	default:
		add("storage.fsync: unknown mode %q", c.Storage.Fsync)
	}
	switch c.Coordination.Backend {
	case "pebble", "memory":
	case "redis":
		if c.Coordination.Redis.Addr == "" {
			add("coordination.redis.addr is required")
		}
	case "nats":
		if c.Coordination.NATS.URL == "" {
			add("coordination.nats.url is required")
		}
	default:
		add("coordination.backend: unknown backend %q", c.Coordination.Backend)
	}
	if c.Coordination.LockTimeout <= 0 {
		add("coordination.lockTimeout must be positive")
	}
	if c.Coordination.LockLease < c.Coordination.LockTimeout {
		add("coordination.lockLease must be at least lockTimeout")
	}
	switch c.TopicStore.Backend {
	case "local":
	case "kafka":
		if len(c.TopicStore.Kafka.Brokers) == 0 {
			add("topicStore.kafka.brokers is required")
		}
	default:
		add("topicStore.backend: unknown backend %q", c.TopicStore.Backend)
	}
	if c.TopicStore.DefaultPartitions < 1 {
		add("topicStore.defaultPartitions must be >= 1")
	}
	switch c.Subscriptions.Backend {
	case "sqlite", "pebble":
	default:
		add("subscriptions.backend: unknown backend %q", c.Subscriptions.Backend)
	}
	if c.Streaming.BatchLimit < 1 {
		add("streaming.batchLimit must be >= 1")
	}
	if c.Streaming.PollInterval <= 0 {
		add("streaming.pollInterval must be positive")
	}
	switch c.Streaming.BootstrapFrom {
	case "begin", "end":
	default:
		add("streaming.bootstrapFrom: want begin or end, got %q", c.Streaming.BootstrapFrom)
	}
	return result.ErrorOrNil()
}
