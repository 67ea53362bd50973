package api

import (
	"context"

	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/monitor"
	"github.com/cuemby/tenantd/pkg/orchestrator"
	"github.com/cuemby/tenantd/pkg/registry"
	"github.com/cuemby/tenantd/pkg/types"
)

// APIKeyHeader carries server.api_key
const APIKeyHeader = "X-API-Key"

// ControlPlane is the set of operator operations. *Service runs them
// against a local store, *Client sends them to a running serve.
type ControlPlane interface {
	RegisterNode(ctx context.Context, node *types.Node) (*types.Node, error)
	ApplyNodes(ctx context.Context, manifest []byte) ([]registry.ApplyResult, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)
	SetNodeStatus(ctx context.Context, ref string, status types.NodeStatus) (*types.Node, error)
	RemoveNode(ctx context.Context, ref string) error
	// Scan samples every node, or only ref when it is not empty
	Scan(ctx context.Context, ref string) (*monitor.Report, error)

	Provision(ctx context.Context, req ProvisionRequest) (*orchestrator.Result, error)
	DeleteTenant(ctx context.Context, subdomain string) error
	RetryDNS(ctx context.Context, subdomain string) (*types.Deployment, error)
	ListTenants(ctx context.Context, status string) ([]*types.Deployment, error)
	GetTenant(ctx context.Context, subdomain string) (*TenantDetail, error)

	Close() error
}

// ProvisionRequest is orchestrator.Request with the node given by ID or name
type ProvisionRequest struct {
	Subdomain      string `json:"subdomain" binding:"required"`
	Plan           string `json:"plan"`
	Domain         string `json:"domain,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	CompanyName    string `json:"company_name,omitempty"`
	Node           string `json:"node,omitempty"`
}

// ProvisionResponse carries the attempt whether or not it succeeded
type ProvisionResponse struct {
	Deployment *types.Deployment `json:"deployment,omitempty"`
	Attempt    *types.Attempt    `json:"attempt,omitempty"`
	Error      string            `json:"error,omitempty"`
	Kind       faults.Kind       `json:"kind,omitempty"`
	// Cause is the DNS error of a partial provision
	Cause     string      `json:"cause,omitempty"`
	CauseKind faults.Kind `json:"cause_kind,omitempty"`
}

// TenantDetail is a deployment with its provisioning attempts
type TenantDetail struct {
	Deployment *types.Deployment `json:"deployment"`
	Attempts   []*types.Attempt  `json:"attempts"`
}

type NodeStatusRequest struct {
	Status types.NodeStatus `json:"status" binding:"required"`
}

type ApplyResponse struct {
	Results []registry.ApplyResult `json:"results"`
	Error   string                 `json:"error,omitempty"`
	Kind    faults.Kind            `json:"kind,omitempty"`
}

type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  faults.Kind `json:"kind,omitempty"`
}

type NodeList struct {
	Nodes []*types.Node `json:"nodes"`
}

type TenantList struct {
	Tenants []*types.Deployment `json:"tenants"`
}
