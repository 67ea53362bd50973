package storage

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/types"
)

// Store defines the interface for the control plane's persistent state.
//
// Node usage has two writers. ReserveSlot and ReleaseSlot own
// Usage.TenantCount; UpdateNodeUsage owns the remaining Usage fields.
// Neither rewrites the other's fields, so a monitor refresh cannot undo a
// concurrent reservation.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeByName(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	// UpdateNode writes the registry-owned fields of a node (identity,
	// capacity, priority, role, tunnel). Usage and status are left untouched.
	UpdateNode(node *types.Node) error
	// DeleteNode refuses to delete a node that still holds tenants.
	DeleteNode(id string) error

	// ReserveSlot increments the tenant count of an online node if it is
	// below MaxSlots, in a single conditional mutation. It fails with
	// errdefs.ErrResourceExhausted when the node cannot take another tenant.
	ReserveSlot(nodeID string) (*types.Node, error)
	// ReleaseSlot decrements the tenant count, never below zero.
	ReleaseSlot(nodeID string) (*types.Node, error)
	// UpdateNodeUsage writes CPU, RAM, storage and scan time only.
	UpdateNodeUsage(nodeID string, usage types.NodeUsage) error
	// SetNodeStatus moves a node to status. When from is non-empty the change
	// is applied only if the current status is one of from. Setting online on
	// a node at capacity stores full instead.
	SetNodeStatus(nodeID string, status types.NodeStatus, from ...types.NodeStatus) (bool, error)

	// Deployments
	// ReserveSubdomain inserts d if no deployment holds its subdomain, or
	// replaces a rolled_back one. Any other existing row fails with
	// errdefs.ErrAlreadyExists.
	ReserveSubdomain(d *types.Deployment) error
	GetDeployment(subdomain string) (*types.Deployment, error)
	ListDeployments() ([]*types.Deployment, error)
	ListDeploymentsByNode(nodeID string) ([]*types.Deployment, error)
	ListDeploymentsByStatus(statuses ...types.DeploymentStatus) ([]*types.Deployment, error)
	UpdateDeployment(d *types.Deployment) error
	DeleteDeployment(subdomain string) error

	// Attempts
	SaveAttempt(a *types.Attempt) error
	GetAttempt(id string) (*types.Attempt, error)
	ListAttempts(subdomain string) ([]*types.Attempt, error)

	// Subscriptions
	SaveSubscription(s *types.Subscription) error
	GetSubscription(id string) (*types.Subscription, error)
	MarkSubscriptionProvisioned(id string) error
	DeleteSubscription(id string) error

	// Resource metrics
	RecordMetric(m *types.ResourceMetric) error
	ListMetrics(nodeID string, since time.Time) ([]*types.ResourceMetric, error)
	PruneMetrics(before time.Time) (int, error)

	// Utility
	Close() error
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s not found: %s: %w", kind, key, errdefs.ErrNotFound)
}

func alreadyExists(kind, key string) error {
	return fmt.Errorf("%s already exists: %s: %w", kind, key, errdefs.ErrAlreadyExists)
}

func noSlot(node *types.Node) error {
	return fmt.Errorf("node %s cannot take a tenant (status %s, %d/%d slots): %w",
		node.Name, node.Status, node.Usage.TenantCount, node.Capacity.MaxSlots, errdefs.ErrResourceExhausted)
}

func statusIn(status types.NodeStatus, from []types.NodeStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, f := range from {
		if f == status {
			return true
		}
	}
	return false
}

// effectiveStatus stores full instead of online for a node at capacity, and
// online instead of full once a slot frees up
func effectiveStatus(status types.NodeStatus, count, maxSlots int) types.NodeStatus {
	switch {
	case status == types.NodeStatusOnline && count >= maxSlots:
		return types.NodeStatusFull
	case status == types.NodeStatusFull && count < maxSlots:
		return types.NodeStatusOnline
	default:
		return status
	}
}

func deploymentStatusIn(status types.DeploymentStatus, statuses []types.DeploymentStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
