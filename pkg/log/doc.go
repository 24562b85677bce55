/*
Package log provides structured logging for Foreman using zerolog.

It wraps the zerolog library to give every component a child logger
carrying its own component/instance/workspace/correlation fields, a
single global level, and a choice of JSON or console output. Call Init
once at startup to build the package-level Logger, derive each
component's base logger with WithComponent, then compose further
identity fields onto that base with WithInstanceID, WithWorkspaceID, or
WithCorrelationID as a call site needs them.

Example:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("controller")
	log.WithInstanceID(logger, "i-001").Info().Msg("launched")
*/
package log
