package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config declares a logger: level, format and outputs.
type Config struct {
	Level  string         `json:"level" yaml:"level"`
	Format string         `json:"format" yaml:"format"`
	Output []OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
	// Redact replaces the values of these keys with [REDACTED].
	Redact []string `json:"redact,omitempty" yaml:"redact,omitempty"`
	// Sampling keeps the first Initial lines per (level, message) and then
	// every Thereafter-th one. Disabled when Thereafter is 0.
	Sampling SamplingConfig `json:"sampling,omitempty" yaml:"sampling,omitempty"`
}

// OutputConfig selects one output. Type is console, file or null.
type OutputConfig struct {
	Type       string `json:"type" yaml:"type"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty" yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty" yaml:"maxAgeDays,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
}

type SamplingConfig struct {
	Initial    int `json:"initial" yaml:"initial"`
	Thereafter int `json:"thereafter" yaml:"thereafter"`
}

// ParseLevel maps debug|info|warn|error|fatal (any case) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// ApplyConfig builds a logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	opts := []LoggerOption{WithLevel(level), WithFormatter(formatter)}
	for _, oc := range cfg.Output {
		switch strings.ToLower(oc.Type) {
		case "", "console":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case "file":
			if oc.Path == "" {
				return nil, fmt.Errorf("file log output requires a path")
			}
			opts = append(opts, WithOutput(NewFileOutput(FileOptions{
				Path:       oc.Path,
				MaxSizeMB:  oc.MaxSizeMB,
				MaxBackups: oc.MaxBackups,
				MaxAgeDays: oc.MaxAgeDays,
				Compress:   oc.Compress,
			})))
		case "null":
			opts = append(opts, WithOutput(NullOutput{}))
		default:
			return nil, fmt.Errorf("unknown log output %q", oc.Type)
		}
	}

	l := NewLogger(opts...).(*BaseLogger)
	h := newBridgeHandler(l).withRedactions(cfg.Redact).withSampler(cfg.Sampling.Initial, cfg.Sampling.Thereafter)
	l.slogLogger = slog.New(h)
	return l, nil
}
