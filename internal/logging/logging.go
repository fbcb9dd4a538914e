// Package logging wraps zerolog the way the rest of the orchestrator expects
// to receive it: constructed once at startup and passed explicitly into every
// component constructor. Nothing below internal/config reads the environment
// directly, and nothing outside this package touches a package-level logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the orchestrator's structured logger. It is a thin value wrapper
// around zerolog.Logger so call sites can pass it by value like the rest of
// the component configs.
type Logger struct {
	zerolog.Logger
}

// Options controls how the root logger is constructed.
type Options struct {
	// Level is the minimum level that will be emitted ("debug", "info",
	// "warn", "error"). Empty defaults to "info".
	Level string
	// Pretty selects the human-readable console writer used in development;
	// false emits line-delimited JSON, the production default.
	Pretty bool
	// Output overrides the destination; nil defaults to os.Stdout.
	Output io.Writer
}

// New builds the root Logger for the process.
func New(opts Options) Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return Logger{base}
}

// WithRequest returns a child logger carrying request_id, stage and
// component fields, the correlation triple every pipeline stage transition
// and dependency failure is logged with.
func (l Logger) WithRequest(requestID uint64, stage, component string) Logger {
	ctx := l.Logger.With().Uint64("request_id", requestID)
	if stage != "" {
		ctx = ctx.Str("stage", stage)
	}
	if component != "" {
		ctx = ctx.Str("component", component)
	}
	return Logger{ctx.Logger()}
}

// WithComponent returns a child logger tagged with a component name, for
// loggers built before a request id is known (e.g. at construction time).
func (l Logger) WithComponent(component string) Logger {
	return Logger{l.Logger.With().Str("component", component).Logger()}
}
