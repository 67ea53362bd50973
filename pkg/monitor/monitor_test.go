package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/tenantd/pkg/events"
	"github.com/cuemby/tenantd/pkg/health"
	"github.com/cuemby/tenantd/pkg/hoststat"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	healthy bool
	message string
}

func (c staticChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: c.healthy, Message: c.message, CheckedAt: time.Now()}
}

func (c staticChecker) Type() health.CheckType { return health.CheckTypeTCP }

// fakeProbe answers per node name
type fakeProbe struct {
	mu      sync.Mutex
	down    map[string]bool
	stats   map[string]hoststat.Stats
	collect atomic.Int32
	// block, when set, holds Collect until closed
	block chan struct{}
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{down: map[string]bool{}, stats: map[string]hoststat.Stats{}}
}

func (p *fakeProbe) setDown(name string, down bool) {
	p.mu.Lock()
	p.down[name] = down
	p.mu.Unlock()
}

func (p *fakeProbe) Checker(node *types.Node) health.Checker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[node.Name] {
		return staticChecker{message: "connection refused"}
	}
	return staticChecker{healthy: true}
}

func (p *fakeProbe) Collect(ctx context.Context, node *types.Node) (hoststat.Stats, error) {
	p.collect.Add(1)
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[node.Name]
	if !ok {
		return hoststat.Stats{}, errors.New("no stats")
	}
	return s, nil
}

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addNode(t *testing.T, s storage.Store, name string, status types.NodeStatus) *types.Node {
	t.Helper()
	n := &types.Node{
		ID:       uuid.NewString(),
		Name:     name,
		Address:  "10.0.0.1",
		Role:     types.NodeRoleTenant,
		Status:   status,
		Capacity: types.NodeCapacity{CPUCores: 8, RAMMB: 32768, StorageGB: 500, MaxSlots: 10},
	}
	require.NoError(t, s.CreateNode(n))
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Health = health.Config{Retries: 3, Recoveries: 1}
	return cfg
}

func TestScanUpdatesUsageWithoutTouchingTenantCount(t *testing.T) {
	store := newTestStore(t)
	node := addNode(t, store, "node-a", types.NodeStatusOnline)
	_, err := store.ReserveSlot(node.ID)
	require.NoError(t, err)

	probe := newFakeProbe()
	probe.stats["node-a"] = hoststat.Stats{CPUPercent: 42.5, RAMUsedMB: 4096, DiskUsedGB: 120, CollectedAt: time.Now()}
	m := New(store, probe, nil, testConfig())

	report, err := m.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Nodes, 1)
	assert.True(t, report.Nodes[0].Healthy)
	assert.Zero(t, report.Failed())

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, 42.5, got.Usage.CPUPercent)
	assert.Equal(t, int64(4096), got.Usage.RAMUsedMB)
	assert.Equal(t, int64(120), got.Usage.StorageUsedGB)
	assert.Equal(t, 1, got.Usage.TenantCount)
	assert.False(t, got.Usage.ScannedAt.IsZero())

	samples, err := store.ListMetrics(node.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 1, samples[0].TenantCount)
}

func TestNodeGoesOfflineAfterConsecutiveFailures(t *testing.T) {
	store := newTestStore(t)
	node := addNode(t, store, "node-a", types.NodeStatusOnline)
	probe := newFakeProbe()
	probe.setDown("node-a", true)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	m := New(store, probe, broker, testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.ScanAll(ctx)
		require.NoError(t, err)
		got, _ := store.GetNode(node.ID)
		assert.Equal(t, types.NodeStatusOnline, got.Status, "scan %d", i+1)
	}

	report, err := m.ScanAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, report.Nodes[0].Status)
	assert.Equal(t, "connection refused", report.Nodes[0].Error)

	got, _ := store.GetNode(node.ID)
	assert.Equal(t, types.NodeStatusOffline, got.Status)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventNodeUnhealthy, ev.Type)
		assert.Equal(t, "node-a", ev.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("no node.unhealthy event")
	}

	// one success brings it back
	probe.setDown("node-a", false)
	probe.stats["node-a"] = hoststat.Stats{CPUPercent: 10}
	_, err = m.ScanAll(ctx)
	require.NoError(t, err)
	got, _ = store.GetNode(node.ID)
	assert.Equal(t, types.NodeStatusOnline, got.Status)
}

func TestOfflineNodeRecoversAfterRestart(t *testing.T) {
	store := newTestStore(t)
	node := addNode(t, store, "node-a", types.NodeStatusOffline)
	probe := newFakeProbe()
	probe.stats["node-a"] = hoststat.Stats{}

	_, err := New(store, probe, nil, testConfig()).ScanAll(context.Background())
	require.NoError(t, err)

	got, _ := store.GetNode(node.ID)
	assert.Equal(t, types.NodeStatusOnline, got.Status)
}

func TestMaintenanceNodeIsLeftAlone(t *testing.T) {
	store := newTestStore(t)
	node := addNode(t, store, "node-a", types.NodeStatusMaintenance)
	probe := newFakeProbe()
	probe.setDown("node-a", true)
	m := New(store, probe, nil, testConfig())

	for i := 0; i < 5; i++ {
		_, err := m.ScanAll(context.Background())
		require.NoError(t, err)
	}
	got, _ := store.GetNode(node.ID)
	assert.Equal(t, types.NodeStatusMaintenance, got.Status)
}

func TestCollectFailureCountsAsUnhealthy(t *testing.T) {
	store := newTestStore(t)
	addNode(t, store, "node-a", types.NodeStatusOnline)
	m := New(store, newFakeProbe(), nil, testConfig())

	report, err := m.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "no stats", report.Nodes[0].Error)
	assert.Nil(t, report.Nodes[0].Stats)
	assert.Equal(t, 1, report.Failed())

	st, ok := m.Health(report.Nodes[0].NodeID)
	require.True(t, ok)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestConcurrentScansShareOneProbe(t *testing.T) {
	store := newTestStore(t)
	addNode(t, store, "node-a", types.NodeStatusOnline)
	probe := newFakeProbe()
	probe.stats["node-a"] = hoststat.Stats{}
	probe.block = make(chan struct{})
	m := New(store, probe, nil, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ScanAll(context.Background())
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return probe.collect.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(probe.block)
	wg.Wait()

	assert.Equal(t, int32(1), probe.collect.Load())
}

func TestScanPrunesOldMetrics(t *testing.T) {
	store := newTestStore(t)
	node := addNode(t, store, "node-a", types.NodeStatusOnline)
	require.NoError(t, store.RecordMetric(&types.ResourceMetric{NodeID: node.ID, RecordedAt: time.Now().Add(-30 * 24 * time.Hour)}))

	probe := newFakeProbe()
	probe.stats["node-a"] = hoststat.Stats{CollectedAt: time.Now()}
	report, err := New(store, probe, nil, testConfig()).ScanAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)

	samples, err := store.ListMetrics(node.ID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestScanNodeAndForgetRemoved(t *testing.T) {
	store := newTestStore(t)
	node := addNode(t, store, "node-a", types.NodeStatusOnline)
	probe := newFakeProbe()
	probe.stats["node-a"] = hoststat.Stats{CPUPercent: 5}
	m := New(store, probe, nil, testConfig())

	r, err := m.ScanNode(context.Background(), node.ID)
	require.NoError(t, err)
	assert.True(t, r.Healthy)
	_, ok := m.Health(node.ID)
	assert.True(t, ok)

	require.NoError(t, store.DeleteNode(node.ID))
	_, err = m.ScanAll(context.Background())
	require.NoError(t, err)
	_, ok = m.Health(node.ID)
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	store := newTestStore(t)
	addNode(t, store, "node-a", types.NodeStatusOnline)
	probe := newFakeProbe()
	probe.stats["node-a"] = hoststat.Stats{}

	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	m := New(store, probe, nil, cfg)
	m.Start()
	require.Eventually(t, func() bool { return probe.collect.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}
