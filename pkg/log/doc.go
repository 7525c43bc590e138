/*
Package log provides structured logging for tether using zerolog.

A single global Logger is configured once with Init from the log section of
the server or runner configuration. Components derive child loggers that
carry the fields operators filter on:

	┌────────────────── LOGGING ──────────────────┐
	│  log.Init(Config{Level, JSONOutput})        │
	│                 │                           │
	│  WithComponent("runner")                    │
	│      └─ WithRunner(logger, identity)        │
	│            tenant_id, runner_id             │
	│           └─ WithResource(logger, kind, id) │
	│                 kind, resource_id           │
	│  WithRequestID(logger, id)   (API handlers) │
	└─────────────────────────────────────────────┘

# Usage

	import "github.com/cuemby/tether/pkg/log"

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	logger := log.WithComponent("guard")
	logger.Info().Str("runner", identity.String()).Msg("runner connected")

Reconciliation loops log one line per outcome at debug level and failures at
warn or error, so a production runner at info level only reports passes,
connection changes and problems.

JSON output is meant for production log shipping, console output for local
development.
*/
package log
