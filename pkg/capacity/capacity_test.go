package capacity

import (
	"testing"

	"github.com/cuemby/tenantd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func node(name string, ramMB, usedMB int64, slots, tenants int) *types.Node {
	return &types.Node{
		Name:     name,
		Status:   types.NodeStatusOnline,
		Role:     types.NodeRoleTenant,
		Capacity: types.NodeCapacity{CPUCores: 4, RAMMB: ramMB, StorageGB: 200, MaxSlots: slots},
		Usage:    types.NodeUsage{RAMUsedMB: usedMB, StorageUsedGB: 50, TenantCount: tenants, CPUPercent: 25},
	}
}

func TestFreeResources(t *testing.T) {
	n := node("a", 8192, 2048, 10, 3)
	assert.Equal(t, int64(6144), FreeRAMMB(n))
	assert.Equal(t, int64(150), FreeStorageGB(n))
	assert.Equal(t, 7, AvailableSlots(n))
	assert.InDelta(t, 3.0, FreeCPUCores(n), 0.001)

	// Over-reported usage never yields negative capacity
	n.Usage.RAMUsedMB = 9000
	n.Usage.TenantCount = 12
	assert.Equal(t, int64(0), FreeRAMMB(n))
	assert.Equal(t, 0, AvailableSlots(n))
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(n *types.Node)
		want   bool
	}{
		{"online with slots", func(n *types.Node) {}, true},
		{"offline", func(n *types.Node) { n.Status = types.NodeStatusOffline }, false},
		{"maintenance", func(n *types.Node) { n.Status = types.NodeStatusMaintenance }, false},
		{"full", func(n *types.Node) { n.Status = types.NodeStatusFull }, false},
		{"database role", func(n *types.Node) { n.Role = types.NodeRoleDatabase }, false},
		{"no slots left", func(n *types.Node) { n.Usage.TenantCount = n.Capacity.MaxSlots }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := node("a", 8192, 0, 5, 0)
			tt.mutate(n)
			ok, reason := Eligible(n)
			assert.Equal(t, tt.want, ok)
			if !ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestFits(t *testing.T) {
	basic, _ := types.PlanBasic.Profile()
	ent, _ := types.PlanEnterprise.Profile()

	ok, _ := Fits(node("a", 4096, 0, 10, 0), basic)
	assert.True(t, ok)

	ok, reason := Fits(node("a", 4096, 3000, 10, 0), basic)
	assert.False(t, ok)
	assert.Contains(t, reason, "RAM")

	// 4 cores at 25% leave 3 idle; enterprise still fits on RAM and storage
	ok, reason = Fits(node("a", 65536, 0, 10, 0), ent)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = Fits(node("a", 65536, 0, 10, 0), types.PlanProfile{RAMMB: 1024, StorageGB: 160})
	assert.False(t, ok)
	assert.Contains(t, reason, "storage")
}

func TestHeadroom(t *testing.T) {
	basic, _ := types.PlanBasic.Profile()

	// RAM limits to 3, slots to 5
	assert.Equal(t, 3, Headroom(node("a", 6144, 0, 5, 0), basic))
	// Slots limit to 1
	assert.Equal(t, 1, Headroom(node("a", 65536, 0, 5, 4), basic))

	off := node("a", 65536, 0, 5, 0)
	off.Status = types.NodeStatusOffline
	assert.Equal(t, 0, Headroom(off, basic))
}

func TestSummarize(t *testing.T) {
	db := node("db", 65536, 0, 0, 0)
	db.Role = types.NodeRoleDatabase
	off := node("c", 65536, 0, 10, 2)
	off.Status = types.NodeStatusOffline

	s := Summarize([]*types.Node{node("b", 8192, 0, 10, 4), db, off})

	assert.Len(t, s.Nodes, 3)
	assert.Equal(t, "b", s.Nodes[0].Name)
	assert.Equal(t, 20, s.TotalSlots)
	assert.Equal(t, 6, s.UsedSlots)
	assert.Equal(t, 2, s.ByStatus[types.NodeStatusOnline])
	assert.Equal(t, 1, s.ByStatus[types.NodeStatusOffline])
	assert.Equal(t, int64(8192), s.FreeRAMMB)
	assert.Equal(t, 4, s.Headroom[types.PlanBasic])
}
