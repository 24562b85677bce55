package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field, scoped off
// the global Logger — the root of every component's logger in
// cmd/foreman and internal/*.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithInstanceID composes an instance_id field onto an existing scoped
// logger (typically one built with WithComponent), rather than always
// deriving a fresh child off the global Logger — so a call like
// log.WithInstanceID(c.logger, inst.ID) keeps the component field the
// caller already carries.
func WithInstanceID(base zerolog.Logger, instanceID string) zerolog.Logger {
	return base.With().Str("instance_id", instanceID).Logger()
}

// WithWorkspaceID composes a workspace_id field onto an existing scoped
// logger.
func WithWorkspaceID(base zerolog.Logger, workspaceID string) zerolog.Logger {
	return base.With().Str("workspace_id", workspaceID).Logger()
}

// WithCorrelationID composes a correlation_id field onto an existing
// scoped logger, for tagging one Action's whole request/reply path.
func WithCorrelationID(base zerolog.Logger, correlationID string) zerolog.Logger {
	return base.With().Str("correlation_id", correlationID).Logger()
}
