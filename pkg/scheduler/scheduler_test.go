package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, nodes ...*types.Node) *storage.BoltStore {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for _, n := range nodes {
		require.NoError(t, store.CreateNode(n))
	}
	return store
}

func TestReserveIncrementsChosenNode(t *testing.T) {
	nodeA := makeNode("node-a", 10, 65536)
	nodeB := makeNode("node-b", 5, 65536)
	store := newStore(t, nodeA, nodeB)
	sched := NewScheduler(store)

	node, err := sched.Reserve(context.Background(), types.PlanBasic, "")
	require.NoError(t, err)
	assert.Equal(t, "node-a", node.Name)
	assert.Equal(t, 1, node.Usage.TenantCount)

	require.NoError(t, sched.Release(node.ID))
	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Usage.TenantCount)
}

func TestReservePinnedNode(t *testing.T) {
	nodeA := makeNode("node-a", 10, 65536)
	nodeB := makeNode("node-b", 5, 65536)
	store := newStore(t, nodeA, nodeB)
	sched := NewScheduler(store)

	node, err := sched.Reserve(context.Background(), types.PlanBasic, nodeB.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-b", node.Name)

	_, err = sched.Reserve(context.Background(), types.PlanBasic, "missing")
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestReservePinnedNodeStillFiltered(t *testing.T) {
	off := makeNode("off", 10, 65536)
	off.Status = types.NodeStatusMaintenance
	store := newStore(t, off)

	_, err := NewScheduler(store).Reserve(context.Background(), types.PlanBasic, off.ID)
	var nc *faults.NoCapacityError
	assert.True(t, errors.As(err, &nc))
}

func TestReserveSpillsOverWhenNodeFills(t *testing.T) {
	small := makeNode("small", 10, 65536)
	small.Capacity.MaxSlots = 2
	big := makeNode("big", 1, 65536)
	store := newStore(t, small, big)
	sched := NewScheduler(store)

	var names []string
	for i := 0; i < 4; i++ {
		node, err := sched.Reserve(context.Background(), types.PlanBasic, "")
		require.NoError(t, err)
		names = append(names, node.Name)
	}
	assert.Equal(t, []string{"small", "small", "big", "big"}, names)
}

// Concurrent requests across the pool: total reservations never exceed the
// sum of slots and each node stays within its limit
func TestConcurrentReserveRespectsSlots(t *testing.T) {
	nodeA := makeNode("node-a", 10, 1<<20)
	nodeA.Capacity.MaxSlots = 3
	nodeB := makeNode("node-b", 5, 1<<20)
	nodeB.Capacity.MaxSlots = 2
	store := newStore(t, nodeA, nodeB)
	sched := NewScheduler(store)

	const requests = 20
	var (
		mu         sync.Mutex
		ok         int
		noCapacity int
		wg         sync.WaitGroup
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sched.Reserve(context.Background(), types.PlanBasic, "")
			mu.Lock()
			defer mu.Unlock()
			var nc *faults.NoCapacityError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &nc):
				noCapacity++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, requests-5, noCapacity)

	a, _ := store.GetNode(nodeA.ID)
	b, _ := store.GetNode(nodeB.ID)
	assert.Equal(t, 3, a.Usage.TenantCount)
	assert.Equal(t, 2, b.Usage.TenantCount)
}

// racingStore loses the first reservation on a given node
type racingStore struct {
	NodeStore
	loseOn string
	lost   bool
}

func (r *racingStore) ReserveSlot(id string) (*types.Node, error) {
	if id == r.loseOn && !r.lost {
		r.lost = true
		return nil, errdefs.ErrResourceExhausted
	}
	return r.NodeStore.ReserveSlot(id)
}

func TestReserveReselectsAfterLostRace(t *testing.T) {
	nodeA := makeNode("node-a", 10, 65536)
	nodeB := makeNode("node-b", 5, 65536)
	store := newStore(t, nodeA, nodeB)

	sched := NewScheduler(&racingStore{NodeStore: store, loseOn: nodeA.ID})
	node, err := sched.Reserve(context.Background(), types.PlanBasic, "")
	require.NoError(t, err)
	assert.Equal(t, "node-b", node.Name)
}

func TestReserveHonoursCancellation(t *testing.T) {
	store := newStore(t, makeNode("node-a", 10, 65536))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScheduler(store).Reserve(ctx, types.PlanBasic, "")
	assert.ErrorIs(t, err, context.Canceled)
}
