package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/events"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/provisioner"
	"github.com/cuemby/tenantd/pkg/provisioner/provisionertest"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/tunnel"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDNS is an in-memory tunnel.Provider
type fakeDNS struct {
	mu        sync.Mutex
	records   map[string]*tunnel.Record
	createErr error
	creates   int
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{records: make(map[string]*tunnel.Record)}
}

func (f *fakeDNS) FindRecord(_ context.Context, zoneID, name string) (*tunnel.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[name], nil
}

func (f *fakeDNS) CreateCNAME(_ context.Context, zoneID, name, target string) (*tunnel.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	rec := &tunnel.Record{ID: uuid.NewString(), Type: "CNAME", Name: name, Content: target, Proxied: true, TTL: 1}
	f.records[name] = rec
	return rec, nil
}

func (f *fakeDNS) DeleteRecord(_ context.Context, zoneID, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, rec := range f.records {
		if rec.ID == recordID {
			delete(f.records, name)
			return nil
		}
	}
	return errdefs.ErrNotFound
}

func (f *fakeDNS) setCreateErr(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

func (f *fakeDNS) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[name]
	return ok
}

type fixture struct {
	store  *storage.BoltStore
	engine *provisionertest.Engine
	dns    *fakeDNS
	broker *events.Broker
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:  store,
		engine: provisionertest.NewEngine("postgres", "template_tenant"),
		dns:    newFakeDNS(),
		broker: events.NewBroker(),
	}
	f.broker.Start()
	t.Cleanup(f.broker.Stop)

	binder := tunnel.NewBinder(f.dns, nil, tunnel.Config{
		Zones:           map[string]string{"sajet.us": "zone-sajet"},
		DefaultTunnelID: "tun-default",
	})
	prov := provisioner.New(f.engine.Dialer(), provisioner.Config{})
	f.orch = New(store, prov, binder, f.broker, Config{
		BaseDomain:     "sajet.us",
		ReservedNames:  []string{"billing"},
		ProtectedNames: []string{"platform"},
		MaxRetries:     3,
		RetryBackoff:   time.Millisecond,
	})
	return f
}

func (f *fixture) addNode(t *testing.T, name string, priority, maxSlots int) *types.Node {
	t.Helper()
	node := &types.Node{
		ID:       uuid.NewString(),
		Name:     name,
		Address:  "10.0.0.10",
		Role:     types.NodeRoleTenant,
		Status:   types.NodeStatusOnline,
		Priority: priority,
		Capacity: types.NodeCapacity{CPUCores: 8, RAMMB: 32768, StorageGB: 500, MaxSlots: maxSlots},
	}
	require.NoError(t, f.store.CreateNode(node))
	return node
}

func (f *fixture) tenants(t *testing.T, nodeID string) int {
	t.Helper()
	node, err := f.store.GetNode(nodeID)
	require.NoError(t, err)
	return node.Usage.TenantCount
}

func (f *fixture) deployment(t *testing.T, subdomain string) *types.Deployment {
	t.Helper()
	d, err := f.store.GetDeployment(subdomain)
	require.NoError(t, err)
	return d
}

func TestProvisionActive(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "node-a", 10, 50)
	require.NoError(t, f.store.SaveSubscription(&types.Subscription{ID: "sub-1", Plan: types.PlanBasic}))
	sub := f.broker.Subscribe()

	res, err := f.orch.Provision(context.Background(), Request{
		Subdomain:      "  Acme-Corp ",
		Plan:           "basic",
		SubscriptionID: "sub-1",
		CompanyName:    "Acme Corp",
	})
	require.NoError(t, err)

	d := f.deployment(t, "acme-corp")
	assert.Equal(t, types.DeploymentActive, d.Status)
	assert.Equal(t, "https://acme-corp.sajet.us", d.URL)
	assert.Equal(t, node.ID, d.NodeID)
	assert.Equal(t, "acme_corp", d.DatabaseName)
	assert.Equal(t, "10.0.0.10:8069", d.DirectAddress)
	assert.Equal(t, "tun-default", d.TunnelID)
	assert.True(t, d.TunnelActive)
	assert.True(t, d.SlotHeld)
	assert.NotEmpty(t, d.DNSRecordID)
	assert.Equal(t, d.Subdomain, res.Deployment.Subdomain)

	assert.True(t, f.engine.Has("acme_corp"))
	assert.NotEmpty(t, f.engine.Executed("acme_corp"))
	assert.True(t, f.dns.has("acme-corp.sajet.us"))
	assert.Equal(t, 1, f.tenants(t, node.ID))

	subscription, err := f.store.GetSubscription("sub-1")
	require.NoError(t, err)
	assert.True(t, subscription.TenantProvisioned)

	attempts, err := f.store.ListAttempts("acme-corp")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, types.AttemptDeploymentPersisted, attempts[0].State)
	assert.Equal(t, res.Attempt.ID, attempts[0].ID)
	assert.False(t, attempts[0].FinishedAt.IsZero())

	var steps []string
	for _, s := range attempts[0].Steps {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, []string{eventValidate, eventReserve, eventProvision, eventBind, eventPersist}, steps)

	seen := map[events.EventType]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[events.EventDeploymentActive] {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatal("no deployment.active event")
		}
	}
	assert.True(t, seen[events.EventDeploymentProvisioning])
}

func TestProvisionReservedNameHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-a", 10, 50)

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "admin", Plan: "basic"})

	var verr *faults.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reserved name", verr.Reason)
	assert.Zero(t, f.engine.ExistsCalls)
	assert.Zero(t, f.engine.DuplicateCalls)

	_, err = f.store.GetDeployment("admin")
	assert.True(t, errdefs.IsNotFound(err))
	attempts, err := f.store.ListAttempts("admin")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestProvisionValidation(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-a", 10, 50)

	tests := []struct {
		name string
		req  Request
		kind faults.Kind
	}{
		{"too short", Request{Subdomain: "ab", Plan: "basic"}, faults.KindValidation},
		{"too long", Request{Subdomain: "a234567890123456789012345678901", Plan: "basic"}, faults.KindValidation},
		{"bad characters", Request{Subdomain: "acme_corp", Plan: "basic"}, faults.KindValidation},
		{"leading hyphen", Request{Subdomain: "-acme", Plan: "basic"}, faults.KindValidation},
		{"trailing hyphen", Request{Subdomain: "acme-", Plan: "basic"}, faults.KindValidation},
		{"configured reserved", Request{Subdomain: "billing", Plan: "basic"}, faults.KindValidation},
		{"configured protected", Request{Subdomain: "platform", Plan: "basic"}, faults.KindValidation},
		{"protected database", Request{Subdomain: "postgres", Plan: "basic"}, faults.KindValidation},
		{"template database", Request{Subdomain: "template-tenant", Plan: "basic"}, faults.KindValidation},
		{"unknown plan", Request{Subdomain: "acme", Plan: "gold"}, faults.KindValidation},
		{"unsupported domain", Request{Subdomain: "acme", Plan: "basic", Domain: "example.com"}, faults.KindUnsupportedDomain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Provision(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, faults.KindOf(err))
		})
	}

	assert.Zero(t, f.engine.ExistsCalls)
	assert.Zero(t, f.dns.creates)
	deployments, err := f.store.ListDeployments()
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestProvisionAlreadyAssigned(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-a", 10, 50)

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})
	require.NoError(t, err)

	_, err = f.orch.Provision(context.Background(), Request{Subdomain: "ACME", Plan: "pro"})
	var verr *faults.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "already assigned", verr.Reason)
	assert.Equal(t, 1, f.engine.DuplicateCalls)
}

func TestProvisionNoCapacityRollsBack(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})

	var nc *faults.NoCapacityError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, types.DeploymentRolledBack, f.deployment(t, "acme").Status)
	assert.Zero(t, f.engine.ExistsCalls)

	// a rolled back subdomain can be claimed again
	node := f.addNode(t, "node-a", 10, 50)
	_, err = f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentActive, f.deployment(t, "acme").Status)
	assert.Equal(t, 1, f.tenants(t, node.ID))
}

func TestProvisionPinnedNode(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-a", 10, 50)
	low := f.addNode(t, "node-b", 1, 50)

	res, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic", NodeID: low.ID})
	require.NoError(t, err)
	assert.Equal(t, low.ID, res.Deployment.NodeID)

	_, err = f.orch.Provision(context.Background(), Request{Subdomain: "other", Plan: "basic", NodeID: "missing"})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Equal(t, types.DeploymentRolledBack, f.deployment(t, "other").Status)
}

func TestProvisionDNSFailureThenRetryBinding(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "node-a", 10, 50)
	require.NoError(t, f.store.SaveSubscription(&types.Subscription{ID: "sub-1"}))
	f.dns.setCreateErr(fmt.Errorf("cloudflare: %w: %w", errdefs.ErrUnavailable, context.DeadlineExceeded))

	res, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic", SubscriptionID: "sub-1"})

	var partial *faults.PartialProvisionError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "10.0.0.10:8069", partial.DirectAddress)
	require.NotNil(t, res.Deployment)

	d := f.deployment(t, "acme")
	assert.Equal(t, types.DeploymentActiveNoDNS, d.Status)
	assert.Equal(t, "http://10.0.0.10:8069", d.URL)
	assert.False(t, d.TunnelActive)
	assert.Equal(t, eventBind, d.FailureStep)
	assert.True(t, f.engine.Has("acme"))
	assert.Equal(t, 1, f.tenants(t, node.ID))

	subscription, err := f.store.GetSubscription("sub-1")
	require.NoError(t, err)
	assert.True(t, subscription.TenantProvisioned)

	attempts, err := f.store.ListAttempts("acme")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, types.AttemptDeploymentPersisted, attempts[0].State)

	// still failing: status unchanged
	_, err = f.orch.RetryBinding(context.Background(), "acme")
	require.Error(t, err)
	assert.Equal(t, types.DeploymentActiveNoDNS, f.deployment(t, "acme").Status)

	f.dns.setCreateErr(nil)
	d, err = f.orch.RetryBinding(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentActive, d.Status)
	assert.Equal(t, "https://acme.sajet.us", d.URL)
	assert.Empty(t, d.FailureStep)
	assert.True(t, f.dns.has("acme.sajet.us"))

	// already active is a no-op
	d, err = f.orch.RetryBinding(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentActive, d.Status)
	assert.Equal(t, 1, f.engine.DuplicateCalls)
}

func TestRetryBindingRejectsOtherStates(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.RetryBinding(context.Background(), "nobody")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})
	require.Error(t, err)

	_, err = f.orch.RetryBinding(context.Background(), "acme")
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestConcurrentRequestsForSameSubdomain(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "node-a", 10, 50)

	const n = 2
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.Provision(context.Background(), Request{Subdomain: "fresh", Plan: "basic"})
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch kind := faults.KindOf(err); kind {
		case "":
			ok++
		case faults.KindAlreadyExists, faults.KindValidation:
			rejected++
		default:
			t.Errorf("unexpected error kind %s: %v", kind, err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, f.engine.DuplicateCalls)
	assert.Equal(t, 1, f.tenants(t, node.ID))
	assert.Equal(t, types.DeploymentActive, f.deployment(t, "fresh").Status)
}

func TestProvisionRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-a", 10, 50)
	f.engine.DuplicateErr = provisionertest.Fail(fmt.Errorf("connection reset: %w", errdefs.ErrUnavailable), 1)

	res, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.engine.DuplicateCalls)

	var retries int
	for _, s := range res.Attempt.Steps {
		if s.Outcome == "retry" {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}

func TestProvisionTransientExhaustedRollsBack(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "node-a", 10, 50)
	f.engine.DuplicateErr = provisionertest.Always(fmt.Errorf("connection reset: %w", errdefs.ErrUnavailable))

	res, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})

	assert.True(t, faults.IsTransient(err), err)
	assert.Equal(t, 4, f.engine.DuplicateCalls)
	assert.Equal(t, types.AttemptFailed, res.Attempt.State)

	d := f.deployment(t, "acme")
	assert.Equal(t, types.DeploymentRolledBack, d.Status)
	assert.False(t, d.SlotHeld)
	assert.Equal(t, 0, f.tenants(t, node.ID))
	assert.False(t, f.engine.Has("acme"))
}

func TestProvisionUnknownOutcomeResumes(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-a", 10, 50)
	// the copy lands but the client times out, and the re-check fails too
	f.engine.DuplicateErr = provisionertest.Fail(context.DeadlineExceeded, 1)
	f.engine.DuplicateLands = true
	f.engine.ExistsErr = provisionertest.Fail(fmt.Errorf("reset: %w", errdefs.ErrUnavailable), 3)

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.engine.DuplicateCalls)
	assert.True(t, f.engine.Has("acme"))
	assert.Equal(t, types.DeploymentActive, f.deployment(t, "acme").Status)
}

func TestProvisionExistingDatabaseKeepsSlot(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "node-a", 10, 50)
	f.engine = provisionertest.NewEngine("template_tenant", "acme")
	f.orch.provisioner = provisioner.New(f.engine.Dialer(), provisioner.Config{})

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})

	var exists *faults.AlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.False(t, exists.Local)
	assert.Equal(t, 1, f.tenants(t, node.ID))

	d := f.deployment(t, "acme")
	assert.Equal(t, types.DeploymentFailed, d.Status)
	assert.True(t, d.SlotHeld)
	assert.Empty(t, d.DatabaseName)

	// deleting the tenant frees the slot but leaves the foreign database
	require.NoError(t, f.orch.Delete(context.Background(), "acme"))
	assert.True(t, f.engine.Has("acme"))
	assert.Zero(t, f.engine.DropCalls)
	assert.Equal(t, 0, f.tenants(t, node.ID))
}

func TestProvisionConfigureFailureKeepsDatabase(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "node-a", 10, 50)
	f.engine.ConfigureErr = provisionertest.Always(fmt.Errorf("permission denied: %w", errdefs.ErrPermissionDenied))

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})
	require.Error(t, err)
	assert.True(t, errdefs.IsPermissionDenied(err))

	d := f.deployment(t, "acme")
	assert.Equal(t, types.DeploymentFailed, d.Status)
	assert.Equal(t, eventProvision, d.FailureStep)
	assert.True(t, d.SlotHeld)
	assert.True(t, f.engine.Has("acme"))
	assert.Equal(t, 1, f.tenants(t, node.ID))
}

func TestProvisionMissingTemplateRollsBack(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "node-a", 10, 50)
	f.engine = provisionertest.NewEngine()
	f.orch.provisioner = provisioner.New(f.engine.Dialer(), provisioner.Config{})

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})

	var tnf *faults.TemplateNotFoundError
	require.ErrorAs(t, err, &tnf)
	assert.Equal(t, types.DeploymentRolledBack, f.deployment(t, "acme").Status)
	assert.Equal(t, 0, f.tenants(t, node.ID))
}

func TestProvisionSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-a", 10, 50)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.Provision(ctx, Request{Subdomain: "acme", Plan: "basic"})
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentActive, f.deployment(t, "acme").Status)
}

func TestProvisionDeleteRoundTrip(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "node-a", 10, 50)
	require.NoError(t, f.store.SaveSubscription(&types.Subscription{ID: "sub-1"}))
	before := f.tenants(t, node.ID)

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic", SubscriptionID: "sub-1"})
	require.NoError(t, err)

	require.NoError(t, f.orch.Delete(context.Background(), "acme"))

	assert.False(t, f.engine.Has("acme"))
	assert.False(t, f.dns.has("acme.sajet.us"))
	assert.Equal(t, before, f.tenants(t, node.ID))

	_, err = f.store.GetDeployment("acme")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = f.store.GetSubscription("sub-1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteDropFailureIsRepeatable(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "node-a", 10, 50)

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})
	require.NoError(t, err)

	f.engine.DropErr = fmt.Errorf("connection refused: %w", errdefs.ErrUnavailable)
	err = f.orch.Delete(context.Background(), "acme")
	require.Error(t, err)

	d := f.deployment(t, "acme")
	assert.Equal(t, types.DeploymentDeleting, d.Status)
	assert.True(t, d.SlotHeld)
	assert.Equal(t, 1, f.tenants(t, node.ID))

	f.engine.DropErr = nil
	require.NoError(t, f.orch.Delete(context.Background(), "acme"))
	assert.False(t, f.engine.Has("acme"))
	assert.Equal(t, 0, f.tenants(t, node.ID))
}

func TestDeleteContinuesWhenUnbindFails(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "node-a", 10, 50)

	_, err := f.orch.Provision(context.Background(), Request{Subdomain: "acme", Plan: "basic"})
	require.NoError(t, err)

	// records vanish behind our back; unbind sees nothing to remove
	f.dns.mu.Lock()
	f.dns.records = map[string]*tunnel.Record{}
	f.dns.mu.Unlock()

	require.NoError(t, f.orch.Delete(context.Background(), "acme"))
	assert.False(t, f.engine.Has("acme"))
}

func TestDeleteProtectedAndMissing(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"postgres", "template-tenant", "platform"} {
		err := f.orch.Delete(context.Background(), name)
		var verr *faults.ValidationError
		assert.ErrorAs(t, err, &verr, name)
	}
	assert.Zero(t, f.engine.DropCalls)

	err := f.orch.Delete(context.Background(), "nobody")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAttemptStateMachine(t *testing.T) {
	var saved []types.AttemptState
	a := newAttempt("acme", types.PlanBasic, func(at *types.Attempt) error {
		saved = append(saved, at.State)
		return nil
	}, newFixture(t).orch.logger)
	ctx := context.Background()

	a.advance(ctx, eventValidate)
	a.advance(ctx, eventReserve)
	a.advance(ctx, eventProvision)
	// degraded path straight to persisted
	a.advance(ctx, eventPersist, errors.New("dns timeout"))

	assert.Equal(t, types.AttemptDeploymentPersisted, a.State)
	assert.Equal(t, []types.AttemptState{
		types.AttemptValidated,
		types.AttemptNodeReserved,
		types.AttemptDatabaseReady,
		types.AttemptDeploymentPersisted,
	}, saved)
	assert.Equal(t, "degraded", a.Steps[len(a.Steps)-1].Outcome)
	assert.False(t, a.FinishedAt.IsZero())

	// terminal: failing is no longer possible
	a.fail(ctx, errors.New("late"))
	assert.Equal(t, types.AttemptDeploymentPersisted, a.State)
}

func TestAttemptFailRecordsRunningStep(t *testing.T) {
	a := newAttempt("acme", types.PlanBasic, nil, newFixture(t).orch.logger)
	ctx := context.Background()

	a.advance(ctx, eventValidate)
	a.fail(ctx, errors.New("no nodes"))

	assert.Equal(t, types.AttemptFailed, a.State)
	last := a.Steps[len(a.Steps)-1]
	assert.Equal(t, eventReserve, last.Step)
	assert.Equal(t, "failed", last.Outcome)
	assert.Equal(t, "no nodes", last.Error)
}
