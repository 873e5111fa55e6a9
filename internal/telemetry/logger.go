package telemetry

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/keel/internal/config"
)

// OTELHook adds trace and span IDs to every log entry that carries a
// context with a recording span.
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// SetupLogger configures the global zerolog logger. debug forces the debug
// level regardless of cfg.
func SetupLogger(cfg config.LogConfig, debug bool, w io.Writer) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	if debug {
		level = zerolog.DebugLevel
	}

	switch cfg.Format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case "json":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		return fmt.Errorf("log format %q: want console or json", cfg.Format)
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(w).
		With().
		Timestamp().
		Logger().
		Hook(OTELHook{})
	return nil
}
