package capacity

import (
	"fmt"
	"sort"

	"github.com/cuemby/tenantd/pkg/types"
)

// FreeRAMMB returns the node's unused RAM
func FreeRAMMB(n *types.Node) int64 {
	return max(n.Capacity.RAMMB-n.Usage.RAMUsedMB, 0)
}

// FreeStorageGB returns the node's unused storage
func FreeStorageGB(n *types.Node) int64 {
	return max(n.Capacity.StorageGB-n.Usage.StorageUsedGB, 0)
}

// FreeCPUCores returns the cores left idle at the node's current utilization
func FreeCPUCores(n *types.Node) float64 {
	idle := (100 - n.Usage.CPUPercent) / 100
	return max(float64(n.Capacity.CPUCores)*idle, 0)
}

// AvailableSlots returns how many more tenants the node's counter allows
func AvailableSlots(n *types.Node) int {
	return max(n.Capacity.MaxSlots-n.Usage.TenantCount, 0)
}

// Eligible reports whether a node may receive a tenant at all, ignoring
// resource fit. The reason is empty when eligible.
func Eligible(n *types.Node) (bool, string) {
	switch {
	case n.Status != types.NodeStatusOnline:
		return false, fmt.Sprintf("status is %s", n.Status)
	case n.Role == types.NodeRoleDatabase:
		return false, "database-only node"
	case AvailableSlots(n) == 0:
		return false, fmt.Sprintf("all %d slots used", n.Capacity.MaxSlots)
	default:
		return true, ""
	}
}

// Fits reports whether the node's free RAM and storage cover the profile.
// CPU load only ranks candidates.
func Fits(n *types.Node, prof types.PlanProfile) (bool, string) {
	if free := FreeRAMMB(n); free < prof.RAMMB {
		return false, fmt.Sprintf("free RAM %dMB < %dMB", free, prof.RAMMB)
	}
	if free := FreeStorageGB(n); free < prof.StorageGB {
		return false, fmt.Sprintf("free storage %dGB < %dGB", free, prof.StorageGB)
	}
	return true, ""
}

// Headroom returns how many more tenants of the profile the node could take
// given its slots, RAM and storage
func Headroom(n *types.Node, prof types.PlanProfile) int {
	if ok, _ := Eligible(n); !ok {
		return 0
	}
	h := AvailableSlots(n)
	if prof.RAMMB > 0 {
		h = min(h, int(FreeRAMMB(n)/prof.RAMMB))
	}
	if prof.StorageGB > 0 {
		h = min(h, int(FreeStorageGB(n)/prof.StorageGB))
	}
	return h
}

// NodeSummary is the capacity view of one node
type NodeSummary struct {
	Name          string
	Status        types.NodeStatus
	Role          types.NodeRole
	Tenants       int
	MaxSlots      int
	FreeRAMMB     int64
	FreeStorageGB int64
	CPUPercent    float64
	Headroom      map[types.PlanTier]int
}

// Summary aggregates capacity across the node pool
type Summary struct {
	Nodes         []NodeSummary
	ByStatus      map[types.NodeStatus]int
	TotalSlots    int
	UsedSlots     int
	FreeRAMMB     int64
	FreeStorageGB int64
	Headroom      map[types.PlanTier]int
}

// Summarize builds a cluster capacity summary. Database-only nodes are listed
// but do not contribute slots or headroom.
func Summarize(nodes []*types.Node) Summary {
	s := Summary{
		ByStatus: make(map[types.NodeStatus]int),
		Headroom: make(map[types.PlanTier]int),
	}

	for _, n := range nodes {
		s.ByStatus[n.Status]++
		ns := NodeSummary{
			Name:          n.Name,
			Status:        n.Status,
			Role:          n.Role,
			Tenants:       n.Usage.TenantCount,
			MaxSlots:      n.Capacity.MaxSlots,
			FreeRAMMB:     FreeRAMMB(n),
			FreeStorageGB: FreeStorageGB(n),
			CPUPercent:    n.Usage.CPUPercent,
			Headroom:      make(map[types.PlanTier]int),
		}

		if n.Role != types.NodeRoleDatabase {
			s.TotalSlots += n.Capacity.MaxSlots
			s.UsedSlots += n.Usage.TenantCount
			if n.Status == types.NodeStatusOnline {
				s.FreeRAMMB += ns.FreeRAMMB
				s.FreeStorageGB += ns.FreeStorageGB
			}
			for _, plan := range types.PlanTiers() {
				prof, _ := plan.Profile()
				h := Headroom(n, prof)
				ns.Headroom[plan] = h
				s.Headroom[plan] += h
			}
		}
		s.Nodes = append(s.Nodes, ns)
	}

	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].Name < s.Nodes[j].Name })
	return s
}
