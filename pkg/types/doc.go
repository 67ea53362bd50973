/*
Package types defines the core data structures used throughout tenantd.

These types describe the placement domain: the pool of nodes tenants are
placed on, the plan tiers that size each tenant, the durable deployment record
binding a subdomain to a node, and the attempt log kept while a deployment is
being provisioned. Every other package consumes them; none of them perform I/O.

# Core Types

Node pool:
  - Node: a host running PostgreSQL and Odoo, with static Capacity and live Usage
  - NodeRole: tenant (placement target) or database (infrastructure only)
  - NodeStatus: online, offline, maintenance, full

Sizing:
  - PlanTier: basic, pro, enterprise
  - PlanProfile: CPU cores, RAM, storage, exclusivity requested by a plan

Tenants:
  - Deployment: subdomain, node, database name, routing, lifecycle status
  - DeploymentStatus: provisioning, active, active_no_dns, failed, rolled_back, deleting
  - Subscription: the billing-side record flipped to provisioned on success

Bookkeeping:
  - Attempt / AttemptStep: append-only log of one provisioning run
  - ResourceMetric: historical usage sample written by the monitor

# Ownership of Node fields

Node.Usage.TenantCount is written only by slot reservation and release in the
store. The remaining Usage fields and Node.Status are written by the resource
monitor. Storage implementations expose targeted updates for each owner so
neither can overwrite the other's fields.

# Plan Profiles

	plan        cores  RAM (MB)  disk (GB)  exclusive
	basic       1      2048      20         no
	pro         2      4096      50         yes
	enterprise  4      8192      100        yes

Serialization:
  - BoltDB stores these types as JSON
  - The PostgreSQL store maps them to gorm models in pkg/storage

# See Also

  - pkg/storage for persistence
  - pkg/scheduler for placement over Node snapshots
  - pkg/orchestrator for the Deployment and Attempt lifecycle
*/
package types
