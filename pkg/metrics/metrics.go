package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node pool metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantd_nodes_total",
			Help: "Total number of nodes by role and status",
		},
		[]string{"role", "status"},
	)

	NodeTenants = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantd_node_tenants",
			Help: "Tenants placed on each node",
		},
		[]string{"node"},
	)

	NodeFreeSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantd_node_free_slots",
			Help: "Free tenant slots on each node",
		},
		[]string{"node"},
	)

	NodeCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantd_node_cpu_percent",
			Help: "Last scanned CPU utilization of each node",
		},
		[]string{"node"},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantd_deployments_total",
			Help: "Total number of tenant deployments by status",
		},
		[]string{"status"},
	)

	// Placement metrics
	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenantd_placement_latency_seconds",
			Help:    "Time taken to select and reserve a node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tenantd_placement_conflicts_total",
			Help: "Slot reservations lost to a concurrent request",
		},
	)

	NoCapacityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantd_no_capacity_total",
			Help: "Provisioning requests rejected because no node could take the plan",
		},
		[]string{"plan"},
	)

	// Provisioning metrics
	ProvisionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantd_provision_attempts_total",
			Help: "Provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenantd_provision_duration_seconds",
			Help:    "End to end provisioning duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
	)

	ProvisionStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantd_provision_step_duration_seconds",
			Help:    "Duration of each provisioning step in seconds",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 600},
		},
		[]string{"step"},
	)

	DatabaseRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tenantd_database_retries_total",
			Help: "Transient database provisioning failures that were retried",
		},
	)

	DNSOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantd_dns_operations_total",
			Help: "DNS provider operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// Monitor metrics
	MonitorScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantd_monitor_scans_total",
			Help: "Node resource scans by result",
		},
		[]string{"result"},
	)

	MonitorScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenantd_monitor_scan_duration_seconds",
			Help:    "Duration of a full node pool scan in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenantd_reconciliation_duration_seconds",
			Help:    "Duration of a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tenantd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	// Agent API metrics
	AgentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantd_agent_requests_total",
			Help: "Total number of agent API requests by route and status",
		},
		[]string{"route", "status"},
	)

	AgentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantd_agent_request_duration_seconds",
			Help:    "Agent API request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600},
		},
		[]string{"route"},
	)

	// Control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantd_api_requests_total",
			Help: "Total number of control API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantd_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600},
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeTenants)
	prometheus.MustRegister(NodeFreeSlots)
	prometheus.MustRegister(NodeCPUPercent)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(PlacementLatency)
	prometheus.MustRegister(PlacementConflictsTotal)
	prometheus.MustRegister(NoCapacityTotal)
	prometheus.MustRegister(ProvisionAttemptsTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(ProvisionStepDuration)
	prometheus.MustRegister(DatabaseRetriesTotal)
	prometheus.MustRegister(DNSOperationsTotal)
	prometheus.MustRegister(MonitorScansTotal)
	prometheus.MustRegister(MonitorScanDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(AgentRequestsTotal)
	prometheus.MustRegister(AgentRequestDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
