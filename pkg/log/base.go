package log

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// levelVar is shared between a root logger and everything derived from it so
// SetLevel on any of them applies to all.
type levelVar struct{ v atomic.Int32 }

func newLevelVar(l Level) *levelVar {
	lv := &levelVar{}
	lv.set(l)
	return lv
}

func (lv *levelVar) set(l Level) { lv.v.Store(int32(l)) }
func (lv *levelVar) get() Level  { return Level(lv.v.Load()) }

func (l *BaseLogger) enabled(level Level) bool { return level >= l.level.get() }

// derive copies l with extra fields merged in.
func (l *BaseLogger) derive(extra Fields) *BaseLogger {
	merged := make(Fields, len(l.fields)+len(extra))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &BaseLogger{
		level:      l.level,
		fields:     merged,
		formatter:  l.formatter,
		outputs:    l.outputs,
		slogLogger: l.slogLogger,
	}
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if !l.enabled(level) {
		return
	}
	attrs := attrsFromMap(l.fields)
	attrs = append(attrs, attrsFromFieldSlice(fields)...)
	l.slogLogger.LogAttrs(context.Background(), toSlogLevel(level), msg, attrs...)
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	extra := make(Fields, len(fields))
	for _, f := range fields {
		extra[f.Key] = f.Value
	}
	return l.derive(extra)
}

func (l *BaseLogger) SetLevel(level Level) { l.level.set(level) }

// Close flushes and closes all outputs. Derived loggers share outputs, so only
// the root logger should be closed.
func (l *BaseLogger) Close() error {
	return l.closeOutputs()
}

func (l *BaseLogger) closeOutputs() error {
	var first error
	for _, o := range l.outputs {
		if err := o.Close(); err != nil && first == nil {
			first = fmt.Errorf("close log output: %w", err)
		}
	}
	return first
}
