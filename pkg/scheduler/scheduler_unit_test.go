package scheduler

import (
	"errors"
	"testing"

	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeNode(name string, priority int, freeRAMMB int64) *types.Node {
	return &types.Node{
		ID:       name,
		Name:     name,
		Role:     types.NodeRoleTenant,
		Status:   types.NodeStatusOnline,
		Priority: priority,
		Capacity: types.NodeCapacity{CPUCores: 8, RAMMB: freeRAMMB, StorageGB: 500, MaxSlots: 50},
	}
}

// TestFilterEligible tests the node filtering logic
func TestFilterEligible(t *testing.T) {
	basic, _ := types.PlanBasic.Profile()

	offline := makeNode("offline", 10, 65536)
	offline.Status = types.NodeStatusOffline
	dbOnly := makeNode("db", 10, 65536)
	dbOnly.Role = types.NodeRoleDatabase
	full := makeNode("full", 10, 65536)
	full.Usage.TenantCount = 50
	noDisk := makeNode("nodisk", 10, 65536)
	noDisk.Usage.StorageUsedGB = 490

	tests := []struct {
		name     string
		nodes    []*types.Node
		expected int
	}{
		{
			name:     "all eligible",
			nodes:    []*types.Node{makeNode("a", 1, 8192), makeNode("b", 1, 8192)},
			expected: 2,
		},
		{
			name:     "filter out offline",
			nodes:    []*types.Node{offline, makeNode("a", 1, 8192)},
			expected: 1,
		},
		{
			name:     "filter out database-only",
			nodes:    []*types.Node{dbOnly},
			expected: 0,
		},
		{
			name:     "filter out nodes without slots",
			nodes:    []*types.Node{full},
			expected: 0,
		},
		{
			name:     "filter out insufficient RAM",
			nodes:    []*types.Node{makeNode("small", 99, 1024)},
			expected: 0,
		},
		{
			name:     "filter out insufficient storage",
			nodes:    []*types.Node{noDisk},
			expected: 0,
		},
		{
			name:     "nil node list",
			nodes:    nil,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := filterEligible(tt.nodes, basic)
			assert.Len(t, result, tt.expected)
		})
	}
}

func TestSelectNodePrefersPriority(t *testing.T) {
	// Node A: priority 10, 4GB free. Node B: priority 5, 64GB free.
	nodeA := makeNode("node-a", 10, 4096)
	nodeB := makeNode("node-b", 5, 65536)

	for _, order := range [][]*types.Node{{nodeA, nodeB}, {nodeB, nodeA}} {
		got, err := SelectNode(types.PlanBasic, order)
		require.NoError(t, err)
		assert.Equal(t, "node-a", got.Name)
	}
}

func TestSelectNodeCPUTieBreak(t *testing.T) {
	busy := makeNode("busy", 10, 65536)
	busy.Usage.CPUPercent = 80
	idle := makeNode("idle", 10, 65536)
	idle.Usage.CPUPercent = 10

	got, err := SelectNode(types.PlanBasic, []*types.Node{busy, idle})
	require.NoError(t, err)
	assert.Equal(t, "idle", got.Name)
}

func TestSelectNodeBusyCPUDoesNotExcludeNode(t *testing.T) {
	busy := makeNode("a", 10, 65536)
	busy.Capacity.CPUCores = 4
	busy.Usage.CPUPercent = 60
	idle := makeNode("b", 5, 65536)

	for _, plan := range []types.PlanTier{types.PlanPro, types.PlanEnterprise} {
		got, err := SelectNode(plan, []*types.Node{busy, idle})
		require.NoError(t, err)
		assert.Equal(t, "a", got.Name, plan)

		got, err = SelectNode(plan, []*types.Node{busy})
		require.NoError(t, err)
		assert.Equal(t, "a", got.Name, plan)
	}
}

func TestSelectNodeNameTieBreak(t *testing.T) {
	got, err := SelectNode(types.PlanBasic, []*types.Node{makeNode("zeta", 1, 8192), makeNode("alpha", 1, 8192)})
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
}

func TestSelectNodeNeverPicksNodeWithoutRAM(t *testing.T) {
	// Highest priority but too little RAM for the plan
	tight := makeNode("tight", 100, 4096)
	tight.Usage.RAMUsedMB = 3000
	roomy := makeNode("roomy", 1, 65536)

	got, err := SelectNode(types.PlanBasic, []*types.Node{tight, roomy})
	require.NoError(t, err)
	assert.Equal(t, "roomy", got.Name)

	_, err = SelectNode(types.PlanBasic, []*types.Node{tight})
	var nc *faults.NoCapacityError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, types.PlanBasic, nc.Plan)
	assert.Equal(t, 1, nc.Considered)
}

func TestSelectNodeUnknownPlan(t *testing.T) {
	_, err := SelectNode(types.PlanTier("gold"), []*types.Node{makeNode("a", 1, 65536)})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestSelectNodeDoesNotMutateCandidates(t *testing.T) {
	nodes := []*types.Node{makeNode("b", 1, 8192), makeNode("a", 5, 8192)}
	_, err := SelectNode(types.PlanBasic, nodes)
	require.NoError(t, err)
	assert.Equal(t, "b", nodes[0].Name)
	assert.Equal(t, 0, nodes[0].Usage.TenantCount)
}

func TestExplain(t *testing.T) {
	off := makeNode("off", 1, 65536)
	off.Status = types.NodeStatusOffline
	reasons := Explain(types.PlanBasic, []*types.Node{off, makeNode("small", 1, 1024), makeNode("ok", 1, 65536)})

	assert.Equal(t, "eligible", reasons["ok"])
	assert.Contains(t, reasons["off"], "offline")
	assert.Contains(t, reasons["small"], "RAM")
}
