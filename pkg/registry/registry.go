package registry

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/events"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultAgentPort = 8070
	DefaultAppPort   = 8069
	DefaultDBPort    = 5432
	DefaultSSHPort   = 22
	DefaultSSHUser   = "root"
)

var nodeNameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Registry manages the set of provisioning targets
type Registry struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a registry. broker may be nil.
func New(store storage.Store, broker *events.Broker) *Registry {
	return &Registry{
		store:  store,
		broker: broker,
		logger: log.WithComponent("registry"),
	}
}

// Register validates a new node, fills in defaults and stores it. The node
// starts online with no usage; the monitor fills usage on its next scan.
func (r *Registry) Register(node *types.Node) (*types.Node, error) {
	n := *node
	applyDefaults(&n)
	if err := Validate(&n); err != nil {
		return nil, err
	}

	switch n.Status {
	case "":
		n.Status = types.NodeStatusOnline
	case types.NodeStatusOnline, types.NodeStatusOffline, types.NodeStatusMaintenance:
	default:
		return nil, &faults.ValidationError{Field: "status", Value: string(n.Status), Reason: "must be online, offline or maintenance"}
	}
	n.ID = uuid.New().String()
	n.Usage = types.NodeUsage{}
	now := time.Now()
	n.CreatedAt, n.UpdatedAt = now, now

	if err := r.store.CreateNode(&n); err != nil {
		if errdefs.IsAlreadyExists(err) {
			return nil, &faults.AlreadyExistsError{Resource: "node", Name: n.Name, Local: true}
		}
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	r.logger.Info().
		Str("node_id", n.ID).
		Str("node", n.Name).
		Str("address", n.Address).
		Int("max_slots", n.Capacity.MaxSlots).
		Msg("Node registered")
	r.broker.Emit(events.EventNodeRegistered, n.Name, fmt.Sprintf("node %s registered at %s", n.Name, n.Address),
		map[string]string{"node_id": n.ID, "role": string(n.Role)})
	return &n, nil
}

// Update rewrites the registry-owned fields of an existing node. Usage and
// status are never taken from the argument.
func (r *Registry) Update(node *types.Node) (*types.Node, error) {
	current, err := r.Get(node.ID)
	if err != nil {
		return nil, err
	}

	n := *node
	n.ID = current.ID
	applyDefaults(&n)
	if err := Validate(&n); err != nil {
		return nil, err
	}
	if n.Capacity.MaxSlots < current.Usage.TenantCount {
		return nil, &faults.ValidationError{
			Field:  "max_slots",
			Value:  fmt.Sprint(n.Capacity.MaxSlots),
			Reason: fmt.Sprintf("node already holds %d tenants", current.Usage.TenantCount),
		}
	}

	if err := r.store.UpdateNode(&n); err != nil {
		if errdefs.IsAlreadyExists(err) {
			return nil, &faults.AlreadyExistsError{Resource: "node", Name: n.Name, Local: true}
		}
		return nil, fmt.Errorf("failed to update node: %w", err)
	}
	r.logger.Info().Str("node_id", n.ID).Str("node", n.Name).Msg("Node updated")
	return r.store.GetNode(n.ID)
}

// Get looks a node up by ID or by name
func (r *Registry) Get(ref string) (*types.Node, error) {
	if ref == "" {
		return nil, &faults.ValidationError{Field: "node", Reason: "required"}
	}
	node, err := r.store.GetNode(ref)
	if err == nil {
		return node, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	return r.store.GetNodeByName(ref)
}

// List returns all nodes
func (r *Registry) List() ([]*types.Node, error) {
	return r.store.ListNodes()
}

// Deregister removes a node. It is refused while the node holds tenants or
// deployments still reference it.
func (r *Registry) Deregister(ref string) error {
	node, err := r.Get(ref)
	if err != nil {
		return err
	}

	deployments, err := r.store.ListDeploymentsByNode(node.ID)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}
	var live []string
	for _, d := range deployments {
		if d.Status != types.DeploymentRolledBack {
			live = append(live, d.Subdomain)
		}
	}
	if len(live) > 0 {
		return fmt.Errorf("node %s still hosts %s: %w", node.Name, strings.Join(live, ", "), errdefs.ErrFailedPrecondition)
	}

	if err := r.store.DeleteNode(node.ID); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", node.Name, err)
	}

	r.logger.Info().Str("node_id", node.ID).Str("node", node.Name).Msg("Node removed")
	r.broker.Emit(events.EventNodeRemoved, node.Name, fmt.Sprintf("node %s removed", node.Name),
		map[string]string{"node_id": node.ID})
	return nil
}

// SetStatus changes a node's operational state. Full is derived from the
// slot counter and cannot be set directly; asking for online on a node with
// no free slots leaves it full.
func (r *Registry) SetStatus(ref string, status types.NodeStatus) (*types.Node, error) {
	if status == types.NodeStatusFull {
		return nil, &faults.ValidationError{Field: "status", Value: string(status), Reason: "full is set automatically when all slots are used"}
	}
	if _, err := types.ParseNodeStatus(string(status)); err != nil {
		return nil, &faults.ValidationError{Field: "status", Value: string(status), Reason: "must be online, offline or maintenance"}
	}

	node, err := r.Get(ref)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.SetNodeStatus(node.ID, status); err != nil {
		return nil, fmt.Errorf("failed to set status of node %s: %w", node.Name, err)
	}
	updated, err := r.store.GetNode(node.ID)
	if err != nil {
		return nil, err
	}

	if updated.Status != node.Status {
		r.logger.Info().
			Str("node_id", node.ID).
			Str("from", string(node.Status)).
			Str("to", string(updated.Status)).
			Msg("Node status changed")
		r.broker.Emit(events.EventNodeStatusChanged, node.Name, fmt.Sprintf("%s -> %s", node.Status, updated.Status),
			map[string]string{"node_id": node.ID, "from": string(node.Status), "to": string(updated.Status)})
	}
	return updated, nil
}

func applyDefaults(n *types.Node) {
	n.Name = strings.ToLower(strings.TrimSpace(n.Name))
	n.Address = strings.TrimSpace(n.Address)
	if n.Role == "" {
		n.Role = types.NodeRoleTenant
	}
	if n.AgentPort == 0 {
		n.AgentPort = DefaultAgentPort
	}
	if n.AppPort == 0 {
		n.AppPort = DefaultAppPort
	}
	if n.DBPort == 0 {
		n.DBPort = DefaultDBPort
	}
	if n.SSHPort == 0 {
		n.SSHPort = DefaultSSHPort
	}
	if n.SSHUser == "" {
		n.SSHUser = DefaultSSHUser
	}
}

// Validate checks the registry-owned fields of a node
func Validate(n *types.Node) error {
	switch {
	case n.Name == "":
		return &faults.ValidationError{Field: "name", Reason: "required"}
	case len(n.Name) > 63 || !nodeNameRE.MatchString(n.Name):
		return &faults.ValidationError{Field: "name", Value: n.Name, Reason: "must be a DNS label (lowercase letters, digits, hyphens)"}
	}
	if err := validateAddress(n.Address); err != nil {
		return err
	}

	ports := []struct {
		field string
		port  int
	}{
		{"agent_port", n.AgentPort},
		{"app_port", n.AppPort},
		{"db_port", n.DBPort},
		{"ssh_port", n.SSHPort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return &faults.ValidationError{Field: p.field, Value: fmt.Sprint(p.port), Reason: "out of range"}
		}
	}

	switch n.Role {
	case types.NodeRoleTenant, types.NodeRoleDatabase:
	default:
		return &faults.ValidationError{Field: "role", Value: string(n.Role), Reason: "must be tenant or database"}
	}

	c := n.Capacity
	switch {
	case c.CPUCores <= 0:
		return &faults.ValidationError{Field: "cpu_cores", Value: fmt.Sprint(c.CPUCores), Reason: "must be positive"}
	case c.RAMMB <= 0:
		return &faults.ValidationError{Field: "ram_mb", Value: fmt.Sprint(c.RAMMB), Reason: "must be positive"}
	case c.StorageGB <= 0:
		return &faults.ValidationError{Field: "storage_gb", Value: fmt.Sprint(c.StorageGB), Reason: "must be positive"}
	case c.MaxSlots <= 0 && n.Role == types.NodeRoleTenant:
		return &faults.ValidationError{Field: "max_slots", Value: fmt.Sprint(c.MaxSlots), Reason: "must be positive"}
	case c.MaxSlots < 0:
		return &faults.ValidationError{Field: "max_slots", Value: fmt.Sprint(c.MaxSlots), Reason: "must not be negative"}
	}
	return nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return &faults.ValidationError{Field: "address", Reason: "required"}
	}
	if net.ParseIP(addr) != nil {
		return nil
	}
	for _, label := range strings.Split(addr, ".") {
		if label == "" || len(label) > 63 || !nodeNameRE.MatchString(strings.ToLower(label)) {
			return &faults.ValidationError{Field: "address", Value: addr, Reason: "must be an IP address or hostname without port"}
		}
	}
	return nil
}
