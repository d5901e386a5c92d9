// Package logging builds the *slog.Logger every component in this
// module is handed. One handler is constructed at startup and the
// resulting *slog.Logger is threaded through constructors rather than
// relying on slog's global default.
package logging

import (
	"io"
	"log/slog"
	"os"

	phuslog "github.com/phuslu/log"
)

// DefaultOptions: debug level, timestamp attribute stripped (the log
// aggregator in front of the daemon adds its own).
var DefaultOptions = &slog.HandlerOptions{
	Level: slog.LevelDebug,
	ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			return slog.Attr{}
		}
		return a
	},
}

// WithPhusLogger builds a structured JSON logger for the long-running
// server daemon, backed by phuslu/log's slog handler for its
// allocation-light JSON encoder.
func WithPhusLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if opts == nil {
		opts = DefaultOptions
	}
	return slog.New(phuslog.SlogNewJSONHandler(w, opts))
}

// WithTextLogger builds a plain text logger for CLI tools (scmt-client
// and one-shot subcommands), where a human reads the output directly
// rather than a log aggregator.
func WithTextLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if opts == nil {
		opts = DefaultOptions
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
