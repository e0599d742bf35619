// Package logging builds the process logger. Output is JSON via log/slog,
// to stdout or, when a file is configured, through a rotating lumberjack
// writer.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"pushpipe/internal/types"
)

// FileOptions configures file output. An empty Path means stdout.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel maps a config string to a slog level. Unknown values fall back
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger at the given level. The returned closer must be
// called on shutdown when file output is enabled; it is a no-op otherwise.
func New(level string, file FileOptions) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if file.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		}
		w, closer = lj, lj
	}
	return NewWithWriter(level, w), closer
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// slogAdapter wraps *slog.Logger to implement types.Logger. slog.Logger has
// Info, Warn and Error already, but its With returns *slog.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

// Adapt exposes l as a types.Logger.
func Adapt(l *slog.Logger) types.Logger {
	if l == nil {
		return types.NopLogger{}
	}
	return &slogAdapter{logger: l}
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}
