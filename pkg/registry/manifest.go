package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	ManifestAPIVersion = "tenantd/v1"
	ManifestKindNode   = "Node"
)

// Resource is one document of a node manifest:
//
//	apiVersion: tenantd/v1
//	kind: Node
//	metadata:
//	  name: node-1
//	spec:
//	  address: 10.0.0.11
//	  capacity: {cpuCores: 8, ramMB: 32768, storageGB: 500, maxSlots: 20}
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       NodeSpec         `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

// NodeSpec holds the registry-owned fields of a node
type NodeSpec struct {
	Address   string       `yaml:"address"`
	AgentPort int          `yaml:"agentPort,omitempty"`
	AppPort   int          `yaml:"appPort,omitempty"`
	DBPort    int          `yaml:"dbPort,omitempty"`
	SSHPort   int          `yaml:"sshPort,omitempty"`
	SSHUser   string       `yaml:"sshUser,omitempty"`
	Region    string       `yaml:"region,omitempty"`
	Role      string       `yaml:"role,omitempty"`
	Priority  int          `yaml:"priority,omitempty"`
	TunnelID  string       `yaml:"tunnelID,omitempty"`
	Status    string       `yaml:"status,omitempty"`
	Capacity  CapacitySpec `yaml:"capacity"`
}

type CapacitySpec struct {
	CPUCores  int   `yaml:"cpuCores"`
	RAMMB     int64 `yaml:"ramMB"`
	StorageGB int64 `yaml:"storageGB"`
	MaxSlots  int   `yaml:"maxSlots"`
}

// Node converts the resource into a node
func (r *Resource) Node() *types.Node {
	return &types.Node{
		Name:      r.Metadata.Name,
		Address:   r.Spec.Address,
		AgentPort: r.Spec.AgentPort,
		AppPort:   r.Spec.AppPort,
		DBPort:    r.Spec.DBPort,
		SSHPort:   r.Spec.SSHPort,
		SSHUser:   r.Spec.SSHUser,
		Region:    r.Spec.Region,
		Role:      types.NodeRole(r.Spec.Role),
		Priority:  r.Spec.Priority,
		TunnelID:  r.Spec.TunnelID,
		Status:    types.NodeStatus(r.Spec.Status),
		Capacity: types.NodeCapacity{
			CPUCores:  r.Spec.Capacity.CPUCores,
			RAMMB:     r.Spec.Capacity.RAMMB,
			StorageGB: r.Spec.Capacity.StorageGB,
			MaxSlots:  r.Spec.Capacity.MaxSlots,
		},
	}
}

// ParseManifest decodes one or more YAML documents separated by ---
func ParseManifest(data []byte) ([]Resource, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var resources []Resource
	for i := 0; ; i++ {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse document %d: %w", i+1, err)
		}
		if res.Kind == "" && res.Metadata.Name == "" {
			// empty document
			continue
		}
		if res.APIVersion != "" && res.APIVersion != ManifestAPIVersion {
			return nil, fmt.Errorf("document %d: unsupported apiVersion %q", i+1, res.APIVersion)
		}
		if res.Kind != ManifestKindNode {
			return nil, fmt.Errorf("document %d: unsupported resource kind: %s", i+1, res.Kind)
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// ApplyAction says what Apply did with one resource
type ApplyAction string

const (
	ApplyCreated   ApplyAction = "created"
	ApplyUpdated   ApplyAction = "updated"
	ApplyUnchanged ApplyAction = "unchanged"
)

type ApplyResult struct {
	Name   string
	NodeID string
	Action ApplyAction
}

// Apply registers the nodes of a manifest that do not exist yet and updates
// the ones that do. It stops at the first failing resource; results for the
// resources applied before it are returned alongside the error.
func (r *Registry) Apply(data []byte) ([]ApplyResult, error) {
	resources, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	results := make([]ApplyResult, 0, len(resources))
	for _, res := range resources {
		result, err := r.applyOne(&res)
		if err != nil {
			return results, fmt.Errorf("node %s: %w", res.Metadata.Name, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (r *Registry) applyOne(res *Resource) (ApplyResult, error) {
	desired := res.Node()
	applyDefaults(desired)

	current, err := r.store.GetNodeByName(desired.Name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return ApplyResult{}, err
		}
		node, err := r.Register(desired)
		if err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{Name: node.Name, NodeID: node.ID, Action: ApplyCreated}, nil
	}

	result := ApplyResult{Name: current.Name, NodeID: current.ID, Action: ApplyUnchanged}
	desired.ID = current.ID
	if !sameSpec(current, desired) {
		if _, err := r.Update(desired); err != nil {
			return result, err
		}
		result.Action = ApplyUpdated
	}
	if wantsStatus(current.Status, desired.Status) {
		if _, err := r.SetStatus(current.ID, desired.Status); err != nil {
			return result, err
		}
		result.Action = ApplyUpdated
	}
	return result, nil
}

func sameSpec(a, b *types.Node) bool {
	return a.Name == b.Name &&
		a.Address == b.Address &&
		a.AgentPort == b.AgentPort &&
		a.AppPort == b.AppPort &&
		a.DBPort == b.DBPort &&
		a.SSHPort == b.SSHPort &&
		a.SSHUser == b.SSHUser &&
		a.Region == b.Region &&
		a.Role == b.Role &&
		a.Priority == b.Priority &&
		a.TunnelID == b.TunnelID &&
		a.Capacity == b.Capacity
}

// wantsStatus reports whether the manifest asks for a different status. An
// online request is already met by a full node.
func wantsStatus(current, desired types.NodeStatus) bool {
	if desired == "" || desired == current {
		return false
	}
	return !(desired == types.NodeStatusOnline && current == types.NodeStatusFull)
}
