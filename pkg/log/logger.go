package log

import (
	"log/slog"
	"time"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields is a map of field names to values.
type Fields map[string]interface{}

// ComponentKey is the field that names the emitting component.
const ComponentKey = "component"

// Entry is one formatted log line.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
}

// Logger is the logging surface every nakadi component receives by injection.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger that adds fields to every line.
	With(fields ...Field) Logger

	// SetLevel changes the minimum level of this logger and every logger
	// derived from the same root.
	SetLevel(level Level)
}

type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

type Output interface {
	Write(entry *Entry, formattedEntry []byte) error
	Close() error
}

// LoggerOption configures a logger built by NewLogger.
type LoggerOption func(*BaseLogger)

// BaseLogger implements Logger. Loggers derived with With share the level,
// formatter and outputs of their root.
type BaseLogger struct {
	level      *levelVar
	fields     Fields
	formatter  Formatter
	outputs    []Output
	slogLogger *slog.Logger
}

// NewLogger creates a logger. Without an output it writes to stderr.
func NewLogger(options ...LoggerOption) Logger {
	logger := &BaseLogger{
		level:     newLevelVar(InfoLevel),
		fields:    Fields{},
		formatter: &JSONFormatter{},
	}
	for _, option := range options {
		option(logger)
	}
	if len(logger.outputs) == 0 {
		logger.outputs = append(logger.outputs, NewConsoleOutput())
	}
	logger.slogLogger = slog.New(newBridgeHandler(logger))
	return logger
}

func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level.set(level) }
}

func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output. It may be given more than once.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}
