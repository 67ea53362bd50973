package registry

import (
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/events"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Store, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return New(store, broker), store, broker
}

func validNode(name string) *types.Node {
	return &types.Node{
		Name:     name,
		Address:  "10.0.0.11",
		Capacity: types.NodeCapacity{CPUCores: 8, RAMMB: 32768, StorageGB: 500, MaxSlots: 20},
	}
}

func nextEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestRegisterDefaults(t *testing.T) {
	r, store, broker := newTestRegistry(t)
	sub := broker.Subscribe()

	node, err := r.Register(validNode(" Node-1 "))
	require.NoError(t, err)

	assert.NotEmpty(t, node.ID)
	assert.Equal(t, "node-1", node.Name)
	assert.Equal(t, types.NodeRoleTenant, node.Role)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
	assert.Equal(t, DefaultAgentPort, node.AgentPort)
	assert.Equal(t, DefaultAppPort, node.AppPort)
	assert.Equal(t, DefaultDBPort, node.DBPort)
	assert.Equal(t, DefaultSSHPort, node.SSHPort)
	assert.Equal(t, DefaultSSHUser, node.SSHUser)
	assert.False(t, node.CreatedAt.IsZero())

	stored, err := store.GetNodeByName("node-1")
	require.NoError(t, err)
	assert.Equal(t, node.ID, stored.ID)

	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventNodeRegistered, ev.Type)
	assert.Equal(t, "node-1", ev.Subject)
	assert.Equal(t, node.ID, ev.Metadata["node_id"])
}

func TestRegisterIgnoresUsage(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	n := validNode("node-1")
	n.ID = "chosen-by-caller"
	n.Usage = types.NodeUsage{TenantCount: 5, CPUPercent: 90}

	node, err := r.Register(n)
	require.NoError(t, err)
	assert.NotEqual(t, "chosen-by-caller", node.ID)
	assert.Zero(t, node.Usage.TenantCount)
	assert.Zero(t, node.Usage.CPUPercent)
}

func TestRegisterDuplicateName(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Register(validNode("node-1"))
	require.NoError(t, err)

	_, err = r.Register(validNode("node-1"))
	var exists *faults.AlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "node", exists.Resource)
	assert.Equal(t, faults.KindAlreadyExists, faults.KindOf(err))
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(n *types.Node)
		field  string
	}{
		{"missing name", func(n *types.Node) { n.Name = "" }, "name"},
		{"bad name", func(n *types.Node) { n.Name = "node_1" }, "name"},
		{"leading hyphen", func(n *types.Node) { n.Name = "-node" }, "name"},
		{"missing address", func(n *types.Node) { n.Address = "" }, "address"},
		{"address with port", func(n *types.Node) { n.Address = "10.0.0.1:22" }, "address"},
		{"address with scheme", func(n *types.Node) { n.Address = "http://node" }, "address"},
		{"port out of range", func(n *types.Node) { n.SSHPort = 70000 }, "ssh_port"},
		{"unknown role", func(n *types.Node) { n.Role = "worker" }, "role"},
		{"no cores", func(n *types.Node) { n.Capacity.CPUCores = 0 }, "cpu_cores"},
		{"no ram", func(n *types.Node) { n.Capacity.RAMMB = 0 }, "ram_mb"},
		{"no storage", func(n *types.Node) { n.Capacity.StorageGB = -1 }, "storage_gb"},
		{"no slots", func(n *types.Node) { n.Capacity.MaxSlots = 0 }, "max_slots"},
		{"full status", func(n *types.Node) { n.Status = types.NodeStatusFull }, "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRegistry(t)
			n := validNode("node-1")
			tt.modify(n)

			_, err := r.Register(n)
			var verr *faults.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.True(t, errdefs.IsInvalidArgument(err))
		})
	}
}

func TestRegisterAcceptsHostnamesAndDatabaseNodes(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	n := validNode("db-1")
	n.Address = "db-1.internal.example.com"
	n.Role = types.NodeRoleDatabase
	n.Capacity.MaxSlots = 0
	node, err := r.Register(n)
	require.NoError(t, err)
	assert.Equal(t, types.NodeRoleDatabase, node.Role)

	v6 := validNode("node-v6")
	v6.Address = "fd00::11"
	_, err = r.Register(v6)
	require.NoError(t, err)
}

func TestGetByIDOrName(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	node, err := r.Register(validNode("node-1"))
	require.NoError(t, err)

	byID, err := r.Get(node.ID)
	require.NoError(t, err)
	byName, err := r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, byID.ID, byName.ID)

	_, err = r.Get("missing")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = r.Get("")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestUpdateKeepsUsageAndStatus(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	node, err := r.Register(validNode("node-1"))
	require.NoError(t, err)
	_, err = store.ReserveSlot(node.ID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateNodeUsage(node.ID, types.NodeUsage{CPUPercent: 40}))

	change := *node
	change.Priority = 7
	change.Capacity.MaxSlots = 30
	change.Status = types.NodeStatusMaintenance
	change.Usage = types.NodeUsage{}

	updated, err := r.Update(&change)
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Priority)
	assert.Equal(t, 30, updated.Capacity.MaxSlots)
	assert.Equal(t, types.NodeStatusOnline, updated.Status)
	assert.Equal(t, 1, updated.Usage.TenantCount)
	assert.Equal(t, 40.0, updated.Usage.CPUPercent)
}

func TestUpdateRefusesShrinkingBelowTenants(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	node, err := r.Register(validNode("node-1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = store.ReserveSlot(node.ID)
		require.NoError(t, err)
	}

	change := *node
	change.Capacity.MaxSlots = 2
	_, err = r.Update(&change)
	var verr *faults.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "max_slots", verr.Field)

	change.Capacity.MaxSlots = 3
	updated, err := r.Update(&change)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusFull, updated.Status)
}

func TestUpdateRename(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a, err := r.Register(validNode("node-a"))
	require.NoError(t, err)
	_, err = r.Register(validNode("node-b"))
	require.NoError(t, err)

	change := *a
	change.Name = "node-b"
	_, err = r.Update(&change)
	assert.True(t, errdefs.IsAlreadyExists(err))

	change.Name = "node-c"
	_, err = r.Update(&change)
	require.NoError(t, err)
	_, err = r.Get("node-c")
	require.NoError(t, err)
	_, err = r.Get("node-a")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeregister(t *testing.T) {
	r, _, broker := newTestRegistry(t)
	node, err := r.Register(validNode("node-1"))
	require.NoError(t, err)
	sub := broker.Subscribe()

	require.NoError(t, r.Deregister("node-1"))

	_, err = r.Get(node.ID)
	assert.True(t, errdefs.IsNotFound(err))

	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventNodeRemoved, ev.Type)
	assert.Equal(t, node.ID, ev.Metadata["node_id"])

	assert.True(t, errdefs.IsNotFound(r.Deregister("node-1")))
}

func TestDeregisterRefusedWhileHostingTenants(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	node, err := r.Register(validNode("node-1"))
	require.NoError(t, err)

	require.NoError(t, store.ReserveSubdomain(&types.Deployment{
		Subdomain: "acme",
		NodeID:    node.ID,
		Status:    types.DeploymentActive,
	}))
	err = r.Deregister(node.ID)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Contains(t, err.Error(), "acme")

	// a rolled back deployment no longer ties the node down
	d, err := store.GetDeployment("acme")
	require.NoError(t, err)
	d.Status = types.DeploymentRolledBack
	require.NoError(t, store.UpdateDeployment(d))
	require.NoError(t, r.Deregister(node.ID))
}

func TestDeregisterRefusedWithHeldSlot(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	node, err := r.Register(validNode("node-1"))
	require.NoError(t, err)
	_, err = store.ReserveSlot(node.ID)
	require.NoError(t, err)

	assert.True(t, errdefs.IsFailedPrecondition(r.Deregister(node.ID)))
}

func TestSetStatus(t *testing.T) {
	r, _, broker := newTestRegistry(t)
	node, err := r.Register(validNode("node-1"))
	require.NoError(t, err)
	sub := broker.Subscribe()

	updated, err := r.SetStatus("node-1", types.NodeStatusMaintenance)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusMaintenance, updated.Status)

	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventNodeStatusChanged, ev.Type)
	assert.Equal(t, "online", ev.Metadata["from"])
	assert.Equal(t, "maintenance", ev.Metadata["to"])

	// same status again is a no-op without an event
	_, err = r.SetStatus(node.ID, types.NodeStatusMaintenance)
	require.NoError(t, err)
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetStatusOnlineOnSaturatedNodeStaysFull(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	n := validNode("node-1")
	n.Capacity.MaxSlots = 1
	node, err := r.Register(n)
	require.NoError(t, err)
	_, err = store.ReserveSlot(node.ID)
	require.NoError(t, err)

	_, err = r.SetStatus(node.ID, types.NodeStatusMaintenance)
	require.NoError(t, err)
	updated, err := r.SetStatus(node.ID, types.NodeStatusOnline)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusFull, updated.Status)
}

func TestSetStatusRejectsInvalid(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Register(validNode("node-1"))
	require.NoError(t, err)

	for _, status := range []types.NodeStatus{types.NodeStatusFull, "draining", ""} {
		_, err := r.SetStatus("node-1", status)
		assert.True(t, errdefs.IsInvalidArgument(err), "status %q", status)
	}

	_, err = r.SetStatus("missing", types.NodeStatusOffline)
	assert.True(t, errdefs.IsNotFound(err))
}
