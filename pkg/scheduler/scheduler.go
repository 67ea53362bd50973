package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/capacity"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/metrics"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/rs/zerolog"
)

// NodeStore is the part of the registry the scheduler needs
type NodeStore interface {
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ReserveSlot(nodeID string) (*types.Node, error)
	ReleaseSlot(nodeID string) (*types.Node, error)
}

// Scheduler places tenants on nodes and reserves their slot
type Scheduler struct {
	store  NodeStore
	logger zerolog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(store NodeStore) *Scheduler {
	return &Scheduler{
		store:  store,
		logger: log.WithComponent("scheduler"),
	}
}

// SelectNode picks the best node for plan from a snapshot of candidates.
// It has no side effects; callers must reserve the slot afterwards.
func SelectNode(plan types.PlanTier, candidates []*types.Node) (*types.Node, error) {
	prof, ok := plan.Profile()
	if !ok {
		return nil, &faults.ValidationError{Field: "plan", Value: string(plan), Reason: "unknown plan tier"}
	}

	eligible := filterEligible(candidates, prof)
	if len(eligible) == 0 {
		return nil, &faults.NoCapacityError{Plan: plan, Considered: len(candidates)}
	}

	rankNodes(eligible)
	return eligible[0], nil
}

// filterEligible keeps online tenant nodes with a free slot whose free RAM
// and storage cover the profile
func filterEligible(nodes []*types.Node, prof types.PlanProfile) []*types.Node {
	var eligible []*types.Node
	for _, node := range nodes {
		if ok, _ := capacity.Eligible(node); !ok {
			continue
		}
		if ok, _ := capacity.Fits(node, prof); !ok {
			continue
		}
		eligible = append(eligible, node)
	}
	return eligible
}

// rankNodes orders by priority desc, CPU utilization asc, then name so the
// result does not depend on input order
func rankNodes(nodes []*types.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Usage.CPUPercent != b.Usage.CPUPercent {
			return a.Usage.CPUPercent < b.Usage.CPUPercent
		}
		return a.Name < b.Name
	})
}

// Explain returns, per node, why it would or would not receive plan. Used by
// the CLI to show placement decisions.
func Explain(plan types.PlanTier, nodes []*types.Node) map[string]string {
	prof, _ := plan.Profile()
	out := make(map[string]string, len(nodes))
	for _, node := range nodes {
		if ok, reason := capacity.Eligible(node); !ok {
			out[node.Name] = reason
			continue
		}
		if ok, reason := capacity.Fits(node, prof); !ok {
			out[node.Name] = reason
			continue
		}
		out[node.Name] = "eligible"
	}
	return out
}

// Reserve selects a node for plan and increments its tenant count with the
// store's conditional mutation. When another request takes the node's last
// slot between selection and reservation, that node is dropped and selection
// runs again on the remaining candidates. A non-empty pinnedNodeID restricts
// placement to that node; the usual filters still apply.
func (s *Scheduler) Reserve(ctx context.Context, plan types.PlanTier, pinnedNodeID string) (*types.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementLatency)

	candidates, err := s.candidates(pinnedNodeID)
	if err != nil {
		return nil, err
	}
	considered := len(candidates)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node, err := SelectNode(plan, candidates)
		if err != nil {
			var nc *faults.NoCapacityError
			if errors.As(err, &nc) {
				nc.Considered = considered
				metrics.NoCapacityTotal.WithLabelValues(string(plan)).Inc()
			}
			return nil, err
		}

		reserved, err := s.store.ReserveSlot(node.ID)
		if err == nil {
			s.logger.Debug().
				Str("node", reserved.Name).
				Str("plan", string(plan)).
				Int("tenants", reserved.Usage.TenantCount).
				Int("max_slots", reserved.Capacity.MaxSlots).
				Msg("Reserved tenant slot")
			return reserved, nil
		}
		if !errdefs.IsResourceExhausted(err) {
			return nil, fmt.Errorf("failed to reserve slot on node %s: %w", node.Name, err)
		}

		// Lost the race for this node
		metrics.PlacementConflictsTotal.Inc()
		s.logger.Debug().Str("node", node.Name).Msg("Slot taken concurrently, reselecting")
		candidates = without(candidates, node.ID)
	}
}

// Release returns a slot reserved on nodeID
func (s *Scheduler) Release(nodeID string) error {
	node, err := s.store.ReleaseSlot(nodeID)
	if err != nil {
		return fmt.Errorf("failed to release slot on node %s: %w", nodeID, err)
	}
	s.logger.Debug().
		Str("node", node.Name).
		Int("tenants", node.Usage.TenantCount).
		Msg("Released tenant slot")
	return nil
}

func (s *Scheduler) candidates(pinnedNodeID string) ([]*types.Node, error) {
	if pinnedNodeID == "" {
		nodes, err := s.store.ListNodes()
		if err != nil {
			return nil, fmt.Errorf("failed to list nodes: %w", err)
		}
		return nodes, nil
	}

	node, err := s.store.GetNode(pinnedNodeID)
	if errdefs.IsNotFound(err) {
		return nil, &faults.ValidationError{Field: "node", Value: pinnedNodeID, Reason: "no such node"}
	}
	if err != nil {
		return nil, err
	}
	return []*types.Node{node}, nil
}

func without(nodes []*types.Node, id string) []*types.Node {
	out := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}
