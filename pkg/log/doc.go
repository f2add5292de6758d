/*
Package log provides structured logging for fnsched using zerolog.

It wraps zerolog to give every tier (local/domain/global) and every
component (resourceview, observer, scheduling, affinity, instancectrl,
underlayer, localsvc, globalcoord) a consistent JSON or console logger,
with child loggers carrying the request/instance ids that flow through a
scheduling attempt.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	schedLog := log.WithComponent("scheduling").With().
		Str("request_id", reqID).Logger()
	schedLog.Info().Msg("prefilter selected candidates")

WithTier and WithRequestID build on the same pattern for tier-scoped and
request-scoped child loggers respectively.

# Levels

Debug is for development only. Info is the default production level.
Warn marks conditions worth watching (a heartbeat miss, a retry).
Error marks an operation that failed. Fatal exits the process and should
only be used for unrecoverable startup failures.
*/
package log
