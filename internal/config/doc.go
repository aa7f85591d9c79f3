// Package config loads server configuration. Default() is the baseline, Load
// overlays a JSON or YAML file and FromEnv overlays NAKADI_* variables.
//
//	cfg, err := config.Load("/etc/nakadi.yaml")
//	if err != nil { ... }
//	if err := config.FromEnv(&cfg); err != nil { ... }
//	if err := cfg.Validate(); err != nil { ... }
package config
