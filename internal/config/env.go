package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment variable read by FromEnv.
const EnvPrefix = "NAKADI_"

// FromEnv overlays NAKADI_* environment variables onto cfg. Variables that are
// not set leave the corresponding field untouched, e.g.
// NAKADI_COORDINATION_BACKEND=redis or NAKADI_TOPIC_STORE_KAFKA_BROKERS=a:9092,b:9092.
func FromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config from env: %w", err)
	}
	return nil
}
