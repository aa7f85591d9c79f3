// Package log is the structured logging facade used across nakadi.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that preserves our existing
// formatter/outputs pipeline, so third-party code that speaks slog lands in
// the same stream.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("cursors"), log.Str("subscription_id", sid))
//	l.Info("cursors committed", log.Int("count", 3))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config, supporting JSON
// or text formatting and multiple outputs (console, rotating file, null).
// Redaction and sampling are applied in the slog handler.
//
// # Interop
//
// RedirectStdLog routes the standard library's global logger into the same
// pipeline.
package log
