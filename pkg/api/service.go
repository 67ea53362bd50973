package api

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/monitor"
	"github.com/cuemby/tenantd/pkg/orchestrator"
	"github.com/cuemby/tenantd/pkg/registry"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/types"
)

// Service runs control-plane operations in process against a store
type Service struct {
	store    storage.Store
	registry *registry.Registry

	orch    *orchestrator.Orchestrator
	orchErr error
	monitor *monitor.Monitor
	monErr  error
}

var _ ControlPlane = (*Service)(nil)

// NewService serves node operations from reg. Tenant operations and scans
// need WithOrchestrator and WithMonitor.
func NewService(store storage.Store, reg *registry.Registry) *Service {
	return &Service{store: store, registry: reg}
}

// WithOrchestrator enables tenant operations. err, when set, is returned
// by every tenant operation instead.
func (s *Service) WithOrchestrator(o *orchestrator.Orchestrator, err error) *Service {
	s.orch, s.orchErr = o, err
	return s
}

// WithMonitor enables scans. err, when set, is returned by Scan instead.
func (s *Service) WithMonitor(m *monitor.Monitor, err error) *Service {
	s.monitor, s.monErr = m, err
	return s
}

func (s *Service) orchestrator() (*orchestrator.Orchestrator, error) {
	switch {
	case s.orchErr != nil:
		return nil, s.orchErr
	case s.orch == nil:
		return nil, fmt.Errorf("tenant operations are not configured: %w", errdefs.ErrFailedPrecondition)
	}
	return s.orch, nil
}

func (s *Service) RegisterNode(ctx context.Context, node *types.Node) (*types.Node, error) {
	return s.registry.Register(node)
}

func (s *Service) ApplyNodes(ctx context.Context, manifest []byte) ([]registry.ApplyResult, error) {
	return s.registry.Apply(manifest)
}

func (s *Service) ListNodes(ctx context.Context) ([]*types.Node, error) {
	return s.registry.List()
}

func (s *Service) SetNodeStatus(ctx context.Context, ref string, status types.NodeStatus) (*types.Node, error) {
	return s.registry.SetStatus(ref, status)
}

func (s *Service) RemoveNode(ctx context.Context, ref string) error {
	return s.registry.Deregister(ref)
}

func (s *Service) Scan(ctx context.Context, ref string) (*monitor.Report, error) {
	if s.monErr != nil {
		return nil, s.monErr
	}
	if s.monitor == nil {
		return nil, fmt.Errorf("resource monitor is not configured: %w", errdefs.ErrFailedPrecondition)
	}
	if ref == "" {
		return s.monitor.ScanAll(ctx)
	}

	node, err := s.registry.Get(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.monitor.ScanNode(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	return &monitor.Report{Nodes: []monitor.NodeReport{*r}}, nil
}

func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (*orchestrator.Result, error) {
	o, err := s.orchestrator()
	if err != nil {
		return nil, err
	}

	var nodeID string
	if req.Node != "" {
		node, err := s.registry.Get(req.Node)
		if err != nil {
			return nil, err
		}
		nodeID = node.ID
	}

	return o.Provision(ctx, orchestrator.Request{
		Subdomain:      req.Subdomain,
		Plan:           req.Plan,
		Domain:         req.Domain,
		SubscriptionID: req.SubscriptionID,
		CompanyName:    req.CompanyName,
		NodeID:         nodeID,
	})
}

func (s *Service) DeleteTenant(ctx context.Context, subdomain string) error {
	o, err := s.orchestrator()
	if err != nil {
		return err
	}
	return o.Delete(ctx, subdomain)
}

func (s *Service) RetryDNS(ctx context.Context, subdomain string) (*types.Deployment, error) {
	o, err := s.orchestrator()
	if err != nil {
		return nil, err
	}
	return o.RetryBinding(ctx, subdomain)
}

func (s *Service) ListTenants(ctx context.Context, status string) ([]*types.Deployment, error) {
	if status != "" {
		return s.store.ListDeploymentsByStatus(types.DeploymentStatus(status))
	}
	return s.store.ListDeployments()
}

func (s *Service) GetTenant(ctx context.Context, subdomain string) (*TenantDetail, error) {
	subdomain = orchestrator.NormalizeSubdomain(subdomain)
	d, err := s.store.GetDeployment(subdomain)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttempts(subdomain)
	if err != nil {
		return nil, err
	}
	return &TenantDetail{Deployment: d, Attempts: attempts}, nil
}

// Close is a no-op; the store belongs to the caller
func (s *Service) Close() error {
	return nil
}
