package log

import (
	"io"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ConsoleOutput writes formatted entries to stderr (or a provided writer).
type ConsoleOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleOutput returns an output bound to stderr.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{w: os.Stderr} }

// NewWriterOutput returns an output bound to w. Useful in tests.
func NewWriterOutput(w io.Writer) *ConsoleOutput { return &ConsoleOutput{w: w} }

func (c *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.w
	if w == nil {
		w = os.Stderr
	}
	_, err := w.Write(formatted)
	return err
}

func (c *ConsoleOutput) Close() error { return nil }

// FileOutput appends to a size-rotated file.
type FileOutput struct {
	mu sync.Mutex
	lj *lumberjack.Logger
}

// FileOptions controls rotation for FileOutput.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFileOutput creates a rotating file output.
func NewFileOutput(opts FileOptions) *FileOutput {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	return &FileOutput{lj: &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}}
}

func (f *FileOutput) Write(_ *Entry, formatted []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.lj.Write(formatted)
	return err
}

func (f *FileOutput) Close() error { return f.lj.Close() }

// NullOutput discards everything.
type NullOutput struct{}

func (NullOutput) Write(*Entry, []byte) error { return nil }
func (NullOutput) Close() error               { return nil }
