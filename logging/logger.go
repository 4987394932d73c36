// Package logging builds the structured loggers used across voicedesk.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Options holds logger configuration
type Options struct {
	Level   string    // debug, info, warn, error (default: info)
	Dir     string    // Directory for the log file; empty disables file output
	Console bool      // Human-readable output on Console writer
	Output  io.Writer // Console writer (default: os.Stderr)
}

// Logger wraps zerolog with an optional log file
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New creates a Logger writing JSON to a dated file and, optionally,
// pretty output to the console.
func New(opts Options) (*Logger, error) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var writers []io.Writer
	if opts.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	}

	var file *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := fmt.Sprintf("voicedesk_%s.log", time.Now().Format("2006-01-02"))
		file, err = os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
	}

	if len(writers) == 0 {
		writers = append(writers, out)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("app", "voicedesk").
		Logger()

	return &Logger{Logger: zl, file: file}, nil
}

// Component returns a sub-logger tagged with the component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Close flushes and closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}
