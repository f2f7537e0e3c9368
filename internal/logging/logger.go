// Package logging configures the process-wide zerolog logger and provides
// component-scoped and trace-aware child loggers.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Format is the log output format.
type Format string

const (
	// FormatJSON outputs structured JSON logs.
	FormatJSON Format = "json"

	// FormatConsole outputs human-readable logs for local development.
	FormatConsole Format = "console"
)

// Config contains logger configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Format selects json or console output.
	Format Format

	// IncludeCaller adds file:line of the log call site.
	IncludeCaller bool

	// Output defaults to os.Stdout.
	Output io.Writer

	// GlobalFields are attached to every log line.
	GlobalFields map[string]string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		Format:        FormatJSON,
		IncludeCaller: true,
		Output:        os.Stdout,
	}
}

// Setup configures the global logger. Components derive their loggers from
// it via Component.
func Setup(config Config) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	if config.Format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	level, err := parseLevel(config.Level)
	if err != nil {
		return err
	}

	logger := zerolog.New(output).With().Timestamp()
	if config.IncludeCaller {
		logger = logger.Caller()
	}
	for k, v := range config.GlobalFields {
		logger = logger.Str(k, v)
	}

	log.Logger = logger.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}

func parseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// Component returns a logger scoped to a named component.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// FromContext returns a logger enriched with the active trace context.
func FromContext(ctx context.Context) zerolog.Logger {
	logger := log.Ctx(ctx).With()
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		logger = logger.
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String())
	}
	return logger.Logger()
}
