/*
Package health provides the liveness checks the resource monitor runs against
tenant nodes.

Two checkers implement Checker:

  - HTTPChecker calls the node agent's /health, which fails when the
    agent cannot reach the node's PostgreSQL (WithAPIKey adds X-API-Key).
  - TCPChecker dials a port; monitor.SSHProbe uses the node's SSH port.

A single failed check does not take a node out of placement. Status folds
results into a thresholded verdict: a node becomes unhealthy after
Config.Retries consecutive failures and healthy again after
Config.Recoveries consecutive successes. Tracker keeps one Status per node
and reports verdict changes so the monitor only writes a status transition
when one actually happens.

	tracker := health.NewTracker(health.DefaultConfig())

	result := health.NewHTTPChecker("http://" + node.AgentAddress() + "/health").Check(ctx)
	if healthy, changed := tracker.Observe(node.ID, result); changed && !healthy {
		// mark the node offline
	}
*/
package health
