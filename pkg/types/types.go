package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Node represents one provisioning target: a host running PostgreSQL and the
// Odoo application runtime, fronted by a Cloudflare tunnel
type Node struct {
	ID        string
	Name      string
	Address   string // Host IP or DNS name
	AgentPort int    // tenantd agent HTTP port
	AppPort   int    // Odoo HTTP port, used for direct addresses
	DBPort    int
	SSHPort   int
	SSHUser   string
	Region    string
	Role      NodeRole
	Capacity  NodeCapacity
	Usage     NodeUsage
	Status    NodeStatus
	Priority  int    // Higher is preferred during placement
	TunnelID  string // Empty means the configured default tunnel
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodeRole defines what a node may be used for
type NodeRole string

const (
	NodeRoleTenant   NodeRole = "tenant"
	NodeRoleDatabase NodeRole = "database" // infrastructure only, never placed on
)

// NodeStatus represents the operational state of a node
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusMaintenance NodeStatus = "maintenance"
	NodeStatusFull        NodeStatus = "full"
)

// NodeCapacity is the static capacity of a node
type NodeCapacity struct {
	CPUCores  int
	RAMMB     int64
	StorageGB int64
	MaxSlots  int
}

// NodeUsage is the live usage of a node. TenantCount is owned by slot
// reservations; the remaining fields are owned by the resource monitor.
type NodeUsage struct {
	CPUPercent    float64
	RAMUsedMB     int64
	StorageUsedGB int64
	TenantCount   int
	ScannedAt     time.Time
}

// DirectAddress returns host:port of the node's application runtime
func (n *Node) DirectAddress() string {
	port := portOr(n.AppPort, 8069)
	return net.JoinHostPort(n.Address, strconv.Itoa(port))
}

// AgentAddress returns host:port of the node agent
func (n *Node) AgentAddress() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(portOr(n.AgentPort, 8070)))
}

// SSHAddress returns host:port of the node's SSH daemon
func (n *Node) SSHAddress() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(portOr(n.SSHPort, 22)))
}

func portOr(port, def int) int {
	if port == 0 {
		return def
	}
	return port
}

// ParseNodeStatus converts a string into a NodeStatus
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch st := NodeStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case NodeStatusOnline, NodeStatusOffline, NodeStatusMaintenance, NodeStatusFull:
		return st, nil
	default:
		return "", fmt.Errorf("unknown node status %q", s)
	}
}

// PlanTier is an enumerated resource profile
type PlanTier string

const (
	PlanBasic      PlanTier = "basic"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// PlanProfile is the fixed resource request derived from a plan tier
type PlanProfile struct {
	CPUCores  int
	RAMMB     int64
	StorageGB int64
	Exclusive bool
}

var planProfiles = map[PlanTier]PlanProfile{
	PlanBasic:      {CPUCores: 1, RAMMB: 2048, StorageGB: 20, Exclusive: false},
	PlanPro:        {CPUCores: 2, RAMMB: 4096, StorageGB: 50, Exclusive: true},
	PlanEnterprise: {CPUCores: 4, RAMMB: 8192, StorageGB: 100, Exclusive: true},
}

// Profile returns the resource profile of the plan
func (p PlanTier) Profile() (PlanProfile, bool) {
	prof, ok := planProfiles[p]
	return prof, ok
}

// ParsePlanTier normalizes and validates a plan name
func ParsePlanTier(s string) (PlanTier, bool) {
	p := PlanTier(strings.ToLower(strings.TrimSpace(s)))
	_, ok := planProfiles[p]
	return p, ok
}

// PlanTiers returns all known plan tiers in ascending size
func PlanTiers() []PlanTier {
	return []PlanTier{PlanBasic, PlanPro, PlanEnterprise}
}

// Deployment binds a tenant subdomain to its physical placement and routing
type Deployment struct {
	Subdomain      string // Key, immutable once claimed
	SubscriptionID string
	NodeID         string
	DatabaseName   string
	Plan           PlanTier
	Domain         string
	URL            string
	DirectAddress  string
	TunnelID       string
	DNSRecordID    string
	TunnelActive   bool
	SlotHeld       bool // This deployment owns one unit of its node's TenantCount
	Status         DeploymentStatus
	FailureStep    string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeploymentStatus is the lifecycle state of a deployment
type DeploymentStatus string

const (
	DeploymentProvisioning DeploymentStatus = "provisioning"
	DeploymentActive       DeploymentStatus = "active"
	DeploymentActiveNoDNS  DeploymentStatus = "active_no_dns"
	DeploymentFailed       DeploymentStatus = "failed"
	DeploymentRolledBack   DeploymentStatus = "rolled_back"
	DeploymentDeleting     DeploymentStatus = "deleting"
)

// Hostname returns the public FQDN of the deployment
func (d *Deployment) Hostname() string {
	return d.Subdomain + "." + d.Domain
}

// Attempt records one provisioning run as an append-only list of steps
type Attempt struct {
	ID         string
	Subdomain  string
	Plan       PlanTier
	NodeID     string
	State      AttemptState
	Steps      []AttemptStep
	StartedAt  time.Time
	FinishedAt time.Time
}

// AttemptState is a state of the provisioning state machine
type AttemptState string

const (
	AttemptReceived            AttemptState = "received"
	AttemptValidated           AttemptState = "validated"
	AttemptNodeReserved        AttemptState = "node_reserved"
	AttemptDatabaseReady       AttemptState = "database_ready"
	AttemptDNSBound            AttemptState = "dns_bound"
	AttemptDeploymentPersisted AttemptState = "deployment_persisted"
	AttemptFailed              AttemptState = "failed"
)

// AttemptStep is one entry in an attempt's log
type AttemptStep struct {
	Step    string
	Outcome string // "ok", "failed", "skipped", "retry"
	Error   string
	At      time.Time
}

// Record appends a step to the attempt log
func (a *Attempt) Record(step, outcome string, err error) {
	s := AttemptStep{Step: step, Outcome: outcome, At: time.Now()}
	if err != nil {
		s.Error = err.Error()
	}
	a.Steps = append(a.Steps, s)
}

// Subscription is the billing-side record a deployment is provisioned for
type Subscription struct {
	ID                string
	CustomerEmail     string
	CompanyName       string
	Plan              PlanTier
	Status            string
	TenantProvisioned bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ResourceMetric is a historical usage sample for a node
type ResourceMetric struct {
	NodeID        string
	CPUPercent    float64
	RAMUsedMB     int64
	StorageUsedGB int64
	TenantCount   int
	RecordedAt    time.Time
}
