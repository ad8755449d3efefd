package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  string    // debug, info, warn, error
	Format string    // json or pretty
	Output io.Writer // defaults to stdout
}

// NewLogger creates a structured logger.
//
// JSON output by default, human-readable console output when Format is
// "pretty". Every entry carries a timestamp, caller and service=realtime.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: "info", Format: "json"})
//	logger.Info().
//	    Str("component", "server").
//	    Int("sessions", 100).
//	    Msg("Server started")
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "realtime").
		Logger()
}

// LogError logs an error with additional context fields.
//
// Example:
//
//	LogError(logger, err, "Failed to publish", map[string]any{
//	    "room_id": roomID,
//	    "topic":   topic,
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic logs a recovered panic and lets the goroutine exit cleanly.
//
// Deferred at the top of every long-lived goroutine (pumps, periodic loops,
// bus handlers) so a bug in one unit of work never takes the process down.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"session_id": id})
//	    ...
//	}()
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

// Guard runs fn and converts a panic into a logged error. Sweeps use it to
// isolate per-item failures so one bad entry never stops the loop.
func Guard(logger zerolog.Logger, name string, fn func()) {
	defer RecoverPanic(logger, name, nil)
	fn()
}
