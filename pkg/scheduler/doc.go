/*
Package scheduler places tenants on nodes.

Placement is split in two parts that must always run together:

	┌──────────────────────────────────────────────────────────┐
	│ SelectNode(plan, snapshot)            pure, no I/O        │
	│   1. keep online, non-database nodes with a free slot     │
	│   2. keep nodes whose free RAM and storage fit the plan   │
	│   3. rank: priority desc, CPU% asc, name asc              │
	│   4. none left → *faults.NoCapacityError                  │
	└────────────────────────┬─────────────────────────────────┘
	                         ▼
	┌──────────────────────────────────────────────────────────┐
	│ Store.ReserveSlot(node)               conditional write   │
	│   increment tenant_count iff online and below max_slots   │
	│   lost race → drop node from snapshot, select again       │
	└──────────────────────────────────────────────────────────┘

Scheduler.Reserve runs both. Because the reservation is a single conditional
mutation in the store, two concurrent requests that select the same marginal
node cannot both get its last slot: one of them sees
errdefs.ErrResourceExhausted and moves on to the next candidate.

# Ranking

Priority is operator assigned; higher wins. Among equal priorities the node
with the lowest CPU utilization wins, and the node name breaks remaining
ties so the decision does not depend on the order nodes were listed in.

Resource fit is a filter, not a ranking signal: a node that cannot hold the
plan's RAM or storage is never chosen regardless of its priority.

# Pinned Placement

Operators may pin a tenant to a node (tenantd tenant provision --node). The
pinned node goes through the same filters; if it is not eligible the request
fails with NoCapacityError rather than silently landing elsewhere.

# Metrics

	tenantd_placement_latency_seconds   time spent in Reserve
	tenantd_placement_conflicts_total   reservations lost to a concurrent request
	tenantd_no_capacity_total{plan}     requests rejected for lack of capacity
*/
package scheduler
