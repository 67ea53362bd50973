/*
Package storage persists the control plane's state: the node registry,
tenant deployments, provisioning attempts, subscriptions and resource metric
history.

Two implementations of Store are provided:

  - BoltStore: embedded bbolt file (<dataDir>/tenantd.db). Values are JSON in
    one bucket per entity. Default for a single control-plane process.
  - PostgresStore: gorm on PostgreSQL, for installations that keep the
    registry next to the rest of the platform's relational data.

# Buckets / tables

	bolt bucket     postgres table          key
	nodes           nodes                   node ID
	node_names      (unique index on name)  node name -> ID
	deployments     tenant_deployments      subdomain
	attempts        provisioning_attempts   attempt ID
	subscriptions   subscriptions           subscription ID
	metrics         resource_metrics        node ID + timestamp

# Concurrency

The one conditional primitive the placement path depends on is ReserveSlot:
"increment tenant_count if the node is online and below max_slots". In bolt it
runs inside a single db.Update transaction, which bolt serializes. In
PostgreSQL it is one UPDATE statement:

	UPDATE nodes SET tenant_count = tenant_count + 1
	WHERE id = ? AND status = 'online' AND tenant_count < max_slots

A zero row count means the slot was lost and the caller gets an error that
satisfies errdefs.IsResourceExhausted.

Writes to a node are split by owner. ReserveSlot and ReleaseSlot change only
the tenant count (and flip online/full to match it). UpdateNodeUsage changes
only CPU, RAM, storage and scan time. UpdateNode changes only registry fields.
None of them rewrite a field owned by another writer.

ReserveSubdomain is a put-if-absent on the deployment row and is the first
irreversible step of provisioning. A row left in rolled_back may be claimed
again; any other row makes the claim fail with errdefs.ErrAlreadyExists.

# Errors

Missing rows wrap errdefs.ErrNotFound, duplicates errdefs.ErrAlreadyExists,
full nodes errdefs.ErrResourceExhausted and deleting a node that still holds
tenants errdefs.ErrFailedPrecondition. Delete operations are idempotent.
*/
package storage
