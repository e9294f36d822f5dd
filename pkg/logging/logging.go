// Package logging configures zerolog for the whole process.
package logging

import (
	"context"
	"io"
	stdlog "log"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects level, format (json or console) and output (stdout,
// stderr, discard or a file path).
type Config struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	// NoColor turns off ANSI colors in console format.
	NoColor bool `yaml:"-" json:"-"`
}

type contextKey string

// FlowIDKey carries the id of the flow a log line belongs to.
const FlowIDKey contextKey = "flow_id"

// New builds a logger from cfg. Unknown levels fall back to info and an
// unwritable file falls back to stderr.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writer io.Writer
	switch cfg.Output {
	case "stderr", "":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	case "discard", "none":
		writer = io.Discard
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			writer = os.Stderr
		} else {
			writer = f
		}
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05", NoColor: cfg.NoColor}
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// Global installs the logger from cfg as log.Logger and routes the standard
// library logger through it.
func Global(cfg Config) zerolog.Logger {
	l := New(cfg)
	log.Logger = l
	stdlog.SetFlags(0)
	stdlog.SetOutput(l)
	return l
}

// WithFlowID returns a context tagged with a flow id.
func WithFlowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, FlowIDKey, id)
}

// FlowIDFromContext returns the flow id set by WithFlowID.
func FlowIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(FlowIDKey).(string); ok {
		return id
	}
	return ""
}

// For returns log.Logger with the flow id from ctx attached.
func For(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if id := FlowIDFromContext(ctx); id != "" {
		l = l.With().Str("flow", id).Logger()
	}
	return &l
}
