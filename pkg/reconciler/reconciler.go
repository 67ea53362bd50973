package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/tenantd/pkg/events"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/metrics"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/rs/zerolog"
)

// DNSRetrier completes the DNS binding of a tenant that went live without it
type DNSRetrier interface {
	RetryBinding(ctx context.Context, subdomain string) (*types.Deployment, error)
}

// Config controls the reconciliation loop
type Config struct {
	Interval time.Duration
	// StaleAfter is how long a deployment may stay in provisioning before
	// it is considered abandoned. Must exceed the provisioning timeout.
	StaleAfter time.Duration
	// RetryTimeout bounds a single DNS retry
	RetryTimeout time.Duration
}

// DefaultConfig returns the default reconciliation settings
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		StaleAfter:   30 * time.Minute,
		RetryTimeout: 30 * time.Second,
	}
}

// Summary is the outcome of one cycle
type Summary struct {
	DNSRetried  int
	DNSBound    int
	StaleFailed int
	Errors      []string
}

// Reconciler repairs deployments left behind by partial failures: tenants
// running without DNS and attempts that never finished
type Reconciler struct {
	store   storage.Store
	retrier DNSRetrier
	broker  *events.Broker
	cfg     Config
	mu      sync.Mutex
	logger  zerolog.Logger

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReconciler creates a new reconciler. broker may be nil.
func NewReconciler(store storage.Store, retrier DNSRetrier, broker *events.Broker, cfg Config) *Reconciler {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = d.RetryTimeout
	}
	return &Reconciler{
		store:   store,
		retrier: retrier,
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	metrics.RegisterComponent("reconciler", true, "running")
	go r.run()
}

// Stop stops the reconciler and waits for a running cycle to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.done
	}
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			summary := r.Reconcile(context.Background())
			if len(summary.Errors) > 0 {
				metrics.UpdateComponent("reconciler", false, summary.Errors[0])
			} else {
				metrics.UpdateComponent("reconciler", true, "running")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one reconciliation cycle
func (r *Reconciler) Reconcile(ctx context.Context) Summary {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	var summary Summary
	if err := r.reconcileStale(&summary); err != nil {
		r.logger.Error().Err(err).Msg("Failed to reconcile stale deployments")
		summary.Errors = append(summary.Errors, err.Error())
	}
	if err := r.reconcileDNS(ctx, &summary); err != nil {
		r.logger.Error().Err(err).Msg("Failed to reconcile DNS bindings")
		summary.Errors = append(summary.Errors, err.Error())
	}

	if summary.DNSRetried > 0 || summary.StaleFailed > 0 {
		r.logger.Info().
			Int("dns_retried", summary.DNSRetried).
			Int("dns_bound", summary.DNSBound).
			Int("stale_failed", summary.StaleFailed).
			Msg("Reconciliation cycle complete")
	}
	return summary
}

// reconcileDNS retries the binding of every tenant that is live without DNS
func (r *Reconciler) reconcileDNS(ctx context.Context, summary *Summary) error {
	deployments, err := r.store.ListDeploymentsByStatus(types.DeploymentActiveNoDNS)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	for _, d := range deployments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		summary.DNSRetried++

		rctx, cancel := context.WithTimeout(ctx, r.cfg.RetryTimeout)
		updated, err := r.retrier.RetryBinding(rctx, d.Subdomain)
		cancel()
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("subdomain", d.Subdomain).
				Str("kind", string(faults.KindOf(err))).
				Msg("DNS binding still failing")
			continue
		}
		if updated.Status == types.DeploymentActive {
			summary.DNSBound++
		}
	}
	return nil
}

// reconcileStale fails deployments whose attempt died mid-flight. The slot
// and database name are kept so an operator delete can clean up.
func (r *Reconciler) reconcileStale(summary *Summary) error {
	deployments, err := r.store.ListDeploymentsByStatus(types.DeploymentProvisioning)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	cutoff := time.Now().Add(-r.cfg.StaleAfter)
	for _, d := range deployments {
		if d.UpdatedAt.After(cutoff) {
			continue
		}

		age := time.Since(d.UpdatedAt).Round(time.Second)
		d.Status = types.DeploymentFailed
		if d.FailureStep == "" {
			d.FailureStep = "abandoned"
		}
		d.FailureReason = fmt.Sprintf("no progress for %s; verify the database on the node before deleting", age)
		if err := r.store.UpdateDeployment(d); err != nil {
			r.logger.Error().Err(err).Str("subdomain", d.Subdomain).Msg("Failed to mark stale deployment failed")
			continue
		}
		r.failAttempts(d.Subdomain)

		summary.StaleFailed++
		r.logger.Warn().
			Str("subdomain", d.Subdomain).
			Str("node_id", d.NodeID).
			Dur("age", age).
			Msg("Stale provisioning marked failed")
		r.broker.Emit(events.EventDeploymentFailed, d.Subdomain, d.FailureReason,
			map[string]string{"status": string(d.Status), "node_id": d.NodeID, "plan": string(d.Plan)})
	}
	return nil
}

func (r *Reconciler) failAttempts(subdomain string) {
	attempts, err := r.store.ListAttempts(subdomain)
	if err != nil {
		r.logger.Warn().Err(err).Str("subdomain", subdomain).Msg("Failed to list attempts")
		return
	}
	for _, a := range attempts {
		if !a.FinishedAt.IsZero() {
			continue
		}
		a.Record("reconcile", "failed", fmt.Errorf("attempt abandoned in state %s", a.State))
		a.State = types.AttemptFailed
		a.FinishedAt = time.Now()
		if err := r.store.SaveAttempt(a); err != nil {
			r.logger.Warn().Err(err).Str("attempt_id", a.ID).Msg("Failed to close attempt")
		}
	}
}
