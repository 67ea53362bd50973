/*
Package metrics exposes Prometheus metrics and health endpoints for tenantd.

Metrics are package-level collectors registered in init and served by
Handler on /metrics. Components update them directly:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProvisionStepDuration, "duplicate")

	metrics.ProvisionAttemptsTotal.WithLabelValues("active").Inc()

# Metric Families

Node pool (refreshed by Collector from the store):

	tenantd_nodes_total{role,status}
	tenantd_node_tenants{node}
	tenantd_node_free_slots{node}
	tenantd_node_cpu_percent{node}
	tenantd_deployments_total{status}

Placement and provisioning:

	tenantd_placement_latency_seconds
	tenantd_placement_conflicts_total
	tenantd_no_capacity_total{plan}
	tenantd_provision_attempts_total{outcome}
	tenantd_provision_duration_seconds
	tenantd_provision_step_duration_seconds{step}
	tenantd_database_retries_total
	tenantd_dns_operations_total{operation,result}

Background loops:

	tenantd_monitor_scans_total{result}
	tenantd_monitor_scan_duration_seconds
	tenantd_reconciliation_duration_seconds
	tenantd_reconciliation_cycles_total

Node agent:

	tenantd_agent_requests_total{route,status}
	tenantd_agent_request_duration_seconds{route}

# Health

Components report their state with RegisterComponent / UpdateComponent.
HealthHandler (/health) is unhealthy when any component is. ReadyHandler
(/ready) requires every component named by SetCriticalComponents to be
registered and healthy. LivenessHandler (/live) answers as long as the
process runs.

Example alert:

	- alert: TenantdNoCapacity
	  expr: increase(tenantd_no_capacity_total[15m]) > 0
	  annotations:
	    summary: "Tenants rejected for lack of node capacity"
*/
package metrics
