/*
Package log provides structured logging for tenantd using zerolog.

A single global Logger is configured once by Init, from the CLI flags or the
configuration file. Packages derive child loggers carrying the fields they
care about instead of formatting identifiers into messages.

# Usage

Initialize at startup:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

Component loggers:

	logger := log.WithComponent("monitor")
	logger.Info().Str("node", node.Name).Float64("cpu", usage.CPUPercent).Msg("Node scanned")

Attempt loggers carry the attempt ID and subdomain on every line, so a single
provisioning run can be followed across steps:

	logger := log.WithAttempt("orchestrator", attempt.ID, attempt.Subdomain)
	logger.Warn().Err(err).Int("try", n).Msg("Database provisioning failed transiently, retrying")

Fields:
  - component: package emitting the line (orchestrator, monitor, agent, ...)
  - node_id: node the line refers to
  - subdomain: tenant the line refers to
  - attempt_id: provisioning attempt

# Output

Console output is the default and is meant for operators running one-shot
commands. JSON output (--log-json or log.json: true) is meant for the
long-running serve and agent processes shipped to a log pipeline.

Secrets are never logged: API tokens, database passwords and SSH keys stay in
pkg/config and are passed to clients as values.
*/
package log
