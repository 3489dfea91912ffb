/*
Package log provides structured logging for the sidecar using zerolog.

A single process logger is configured once at startup with Init. Every
component derives its own child logger with WithComponent and receives it
through its constructor config, so tests can pass zerolog.Nop() instead.

# Output

	JSON (default):
	{"level":"info","component":"tailer","path":"/var/log/app/app.log","offset":0,"time":"2024-10-13T10:30:00Z","message":"Watching file"}

	Console (SIDECAR_LOG_JSON=false):
	2024-10-13T10:30:00Z INF Watching file component=tailer offset=0 path=/var/log/app/app.log

# Levels

	debug  every batch sent to Loki
	info   start and stop, files added and removed
	warn   configuration fallbacks, dropped lines, read failures
	error  failed pushes, watcher failures

# Usage

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	logger := log.WithComponent("dispatcher")
	logger.Error().Err(err).Int("records", n).Msg("Failed to send logs to Loki, batch dropped")

Init replaces Logger and is not safe to call concurrently with logging. The
logger itself is safe for concurrent use.
*/
package log
