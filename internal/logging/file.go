package logging

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions controls the rotating log file used by the interactive client.
type FileOptions struct {
	Path       string
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewFileLogger returns a logger writing to a size-rotated file, together with
// the closer that releases it. The REPL owns stdout, so logs never go there.
func NewFileLogger(opts FileOptions) (*SlogLogger, io.Closer) {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	w := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	return NewTextLogger(w, opts.Level), w
}
