/*
Package reconciler repairs tenants left behind by partial failures.

Provisioning never rolls back a live database because DNS failed, and an
attempt that dies with the process leaves its deployment in provisioning.
The reconciler runs on a fixed interval and converges both cases:

	active_no_dns  --RetryBinding ok-->  active
	provisioning   --older than StaleAfter-->  failed

DNS retries go through the orchestrator, so a retried binding emits the
same events and writes the same fields as the original attempt. A failing
retry is logged and tried again next cycle.

Stale deployments are marked failed with FailureStep "abandoned". Their
slot and database name are kept: nothing is known about how far the
attempt got, and an operator delete drops the database and releases the
slot. Unfinished attempts of the tenant are closed as failed.

The loop is level triggered. Each cycle reads the store from scratch, so
missed cycles or restarts need no bookkeeping.

	rec := reconciler.NewReconciler(store, orch, broker, reconciler.DefaultConfig())
	rec.Start()
	defer rec.Stop()

Cycles are observed by tenantd_reconciliation_duration_seconds and
tenantd_reconciliation_cycles_total.
*/
package reconciler
