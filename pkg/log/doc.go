/*
Package log provides structured logging for the farm using zerolog.

It wraps zerolog behind a small surface: a global Logger initialized
once via Init, child-logger helpers that attach context fields, and an
optional bounded in-memory ring that mirrors every line for UI layers.

# Usage

Initializing:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
		Ring:       log.NewRing(500),
	})

Component loggers:

	dispatchLog := log.WithComponent("dispatch")
	dispatchLog.Info().Str("job_id", jobID).Msg("job submitted")

Every long-running component creates one child logger at construction
and never touches the global Logger afterwards.

# Components

Component field values used across the codebase: farm, db, peer,
dispatch, render, http, report, job, udp, submit.

# Log Ring

The ring is an io.Writer wired through zerolog.MultiLevelWriter; the
most recent N lines are retrievable with Lines for display without
re-reading any file. Writes never block and never fail.
*/
package log
