/*
Package monitor keeps node usage and availability current.

Every Interval the monitor probes each registered node, at most Concurrency
at a time (golang.org/x/sync/errgroup). A probe first checks reachability
and then collects a resource sample:

  - AgentProbe calls the tenantd agent: GET /health, then GET /v1/stats.
  - SSHProbe dials the node's SSH port and runs one fixed command that reads
    /proc/stat, /proc/meminfo and df output (golang.org/x/crypto/ssh).

A sample updates only the usage fields of the node (CPU, RAM, storage,
scan time); the tenant count belongs to slot reservations and is never
written here. Each sample is also kept as a ResourceMetric and samples
older than MetricRetention are pruned after every scan.

Reachability goes through a health.Tracker. After Health.Retries
consecutive failures an online or full node is set offline with a
compare-and-set on its status, and a node.unhealthy event is published.
After Health.Recoveries successes an offline node is set online again.
Nodes in maintenance are never moved.

Concurrent scans of the same node, or of the whole pool, are collapsed
with golang.org/x/sync/singleflight so a CLI-triggered scan and the
periodic loop do not probe a node twice.
*/
package monitor
