package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or pretty
}

// NewLogger creates a structured logger for log-aggregation backends.
//
// Features:
//   - Structured JSON output by default
//   - Optional pretty console writer for development
//   - Timestamp and caller on every event
//   - Stable "service" field for filtering
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "seckill-engine").
		Logger()
}

// LogErrorWithStack logs an error with a full stack trace. Use for
// unexpected failures where the call path matters.
func LogErrorWithStack(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is a helper for goroutine panic recovery that logs but does
// not exit. Use in defer blocks of every background goroutine.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}
