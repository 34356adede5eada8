/*
Package log provides structured logging for the process manager runtime
using zerolog.

The package wraps zerolog to give JSON-structured logging with
component-scoped loggers, a configurable level, and helper functions for
the fields every router/instance/registry log line carries: the
process-manager name and, where relevant, the process_uuid.
*/
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level is a human-readable log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: output}).With().Timestamp().Logger()
}

func init() {
	// Sensible default so packages that log before Init is called (e.g.
	// in tests) still produce readable output instead of a zero Logger.
	Init(Config{Level: InfoLevel, JSONOutput: false})
}

// WithComponent returns a logger scoped to a named runtime component
// ("router", "instance", "registry", "cluster", ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRouter returns a logger scoped to one process-manager definition.
func WithRouter(processManagerName string) zerolog.Logger {
	return WithComponent("router").With().Str("process_manager", processManagerName).Logger()
}

// WithInstance returns a logger scoped to one process instance.
func WithInstance(processManagerName, processUUID string) zerolog.Logger {
	return WithComponent("instance").
		With().
		Str("process_manager", processManagerName).
		Str("process_uuid", processUUID).
		Logger()
}

// WithField returns a copy of the global logger with a single extra
// string field attached, for one-off call sites that don't warrant
// their own WithX helper.
func WithField(key, value string) zerolog.Logger {
	return Logger.With().Str(key, value).Logger()
}
