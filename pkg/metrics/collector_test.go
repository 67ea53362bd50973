package metrics

import (
	"testing"

	"github.com/cuemby/tenantd/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	nodes       []*types.Node
	deployments []*types.Deployment
}

func (f *fakeSource) ListNodes() ([]*types.Node, error)             { return f.nodes, nil }
func (f *fakeSource) ListDeployments() ([]*types.Deployment, error) { return f.deployments, nil }

func TestCollectorSamplesStore(t *testing.T) {
	src := &fakeSource{
		nodes: []*types.Node{
			{Name: "node-a", Role: types.NodeRoleTenant, Status: types.NodeStatusOnline,
				Capacity: types.NodeCapacity{MaxSlots: 10}, Usage: types.NodeUsage{TenantCount: 4, CPUPercent: 30}},
			{Name: "node-b", Role: types.NodeRoleTenant, Status: types.NodeStatusOffline,
				Capacity: types.NodeCapacity{MaxSlots: 5}},
		},
		deployments: []*types.Deployment{
			{Subdomain: "a", Status: types.DeploymentActive},
			{Subdomain: "b", Status: types.DeploymentActive},
			{Subdomain: "c", Status: types.DeploymentActiveNoDNS},
		},
	}

	NewCollector(src, 0).Collect()

	assert.Equal(t, 4.0, testutil.ToFloat64(NodeTenants.WithLabelValues("node-a")))
	assert.Equal(t, 6.0, testutil.ToFloat64(NodeFreeSlots.WithLabelValues("node-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NodesTotal.WithLabelValues("tenant", "offline")))
	assert.Equal(t, 2.0, testutil.ToFloat64(DeploymentsTotal.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DeploymentsTotal.WithLabelValues("active_no_dns")))
}
