package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/events"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/metrics"
	"github.com/cuemby/tenantd/pkg/provisioner"
	"github.com/cuemby/tenantd/pkg/scheduler"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/tunnel"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Binder routes tenant hostnames. *tunnel.Binder implements it.
type Binder interface {
	Supports(domain string) bool
	DefaultTunnel() string
	Bind(ctx context.Context, subdomain, domain, tunnelID string) (*tunnel.BindResult, error)
	Unbind(ctx context.Context, subdomain, domain string) (bool, error)
}

// Config holds naming rules and attempt bounds
type Config struct {
	// BaseDomain is used when a request names no domain
	BaseDomain     string
	ReservedNames  []string
	ProtectedNames []string
	// ProvisionTimeout bounds a whole attempt, independent of the caller
	ProvisionTimeout time.Duration
	// MaxRetries is the number of retries of a transient database failure
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns the default attempt bounds
func DefaultConfig() Config {
	return Config{
		ProvisionTimeout: 15 * time.Minute,
		MaxRetries:       3,
		RetryBackoff:     2 * time.Second,
	}
}

// Request asks for a new tenant
type Request struct {
	Subdomain      string
	Plan           string
	Domain         string
	SubscriptionID string
	CompanyName    string
	// NodeID pins placement to one node
	NodeID string
}

// Result is the outcome of a provisioning attempt
type Result struct {
	Deployment *types.Deployment
	Attempt    *types.Attempt
}

// Orchestrator runs provisioning and deletion of tenants
type Orchestrator struct {
	store       storage.Store
	scheduler   *scheduler.Scheduler
	provisioner *provisioner.Provisioner
	binder      Binder
	broker      *events.Broker
	cfg         Config
	logger      zerolog.Logger
}

// New creates an orchestrator. broker may be nil.
func New(store storage.Store, prov *provisioner.Provisioner, binder Binder, broker *events.Broker, cfg Config) *Orchestrator {
	d := DefaultConfig()
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = d.ProvisionTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = d.RetryBackoff
	}
	return &Orchestrator{
		store:       store,
		scheduler:   scheduler.NewScheduler(store),
		provisioner: prov,
		binder:      binder,
		broker:      broker,
		cfg:         cfg,
		logger:      log.WithComponent("orchestrator"),
	}
}

// detach returns a context that survives the caller going away, bounded by
// the attempt timeout
func (o *Orchestrator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ProvisionTimeout)
}

type validated struct {
	subdomain string
	plan      types.PlanTier
	domain    string
}

// validate normalizes req and checks it without side effects
func (o *Orchestrator) validate(req Request) (validated, error) {
	v := validated{subdomain: NormalizeSubdomain(req.Subdomain)}

	if err := ValidateSubdomain(v.subdomain, o.cfg.ReservedNames...); err != nil {
		return v, err
	}
	if o.isProtected(v.subdomain) {
		return v, &faults.ValidationError{Field: "subdomain", Value: v.subdomain, Reason: "protected name"}
	}

	plan, ok := types.ParsePlanTier(req.Plan)
	if !ok {
		return v, &faults.ValidationError{Field: "plan", Value: req.Plan, Reason: "unknown plan tier"}
	}
	v.plan = plan

	v.domain = tunnel.NormalizeDomain(req.Domain)
	if v.domain == "" {
		v.domain = tunnel.NormalizeDomain(o.cfg.BaseDomain)
	}
	if v.domain == "" {
		return v, &faults.ValidationError{Field: "domain", Reason: "required"}
	}
	if !o.binder.Supports(v.domain) {
		return v, &faults.UnsupportedDomainError{Domain: v.domain}
	}

	existing, err := o.store.GetDeployment(v.subdomain)
	switch {
	case errdefs.IsNotFound(err):
	case err != nil:
		return v, fmt.Errorf("failed to look up subdomain: %w", err)
	case existing.Status != types.DeploymentRolledBack:
		return v, &faults.ValidationError{Field: "subdomain", Value: v.subdomain, Reason: "already assigned"}
	}
	return v, nil
}

func (o *Orchestrator) isProtected(subdomain string) bool {
	return containsFold(o.cfg.ProtectedNames, subdomain) ||
		(o.provisioner != nil && o.provisioner.IsProtected(DatabaseName(subdomain)))
}

// Provision creates a tenant: it claims the subdomain, reserves a slot on a
// node, creates the database and binds DNS. The work continues when ctx is
// cancelled.
//
// A DNS failure leaves a usable tenant in active_no_dns and returns the
// result together with a *faults.PartialProvisionError.
func (o *Orchestrator) Provision(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := o.detach(ctx)
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProvisionDuration)

	a := newAttempt(NormalizeSubdomain(req.Subdomain), types.PlanTier(req.Plan), nil, o.logger)
	logger := log.WithAttempt("orchestrator", a.ID, a.Subdomain)
	a.logger = logger
	res := &Result{Attempt: a.Attempt}

	// received -> validated
	v, err := o.validate(req)
	if err != nil {
		a.fail(ctx, err)
		o.outcome("invalid")
		logger.Info().Err(err).Msg("Request rejected")
		return res, err
	}
	a.Plan = v.plan
	a.save = o.store.SaveAttempt
	a.advance(ctx, eventValidate)

	d := &types.Deployment{
		Subdomain:      v.subdomain,
		SubscriptionID: req.SubscriptionID,
		DatabaseName:   DatabaseName(v.subdomain),
		Plan:           v.plan,
		Domain:         v.domain,
		Status:         types.DeploymentProvisioning,
	}
	if err := o.store.ReserveSubdomain(d); err != nil {
		if errdefs.IsAlreadyExists(err) {
			err = &faults.AlreadyExistsError{Resource: "subdomain", Name: v.subdomain, Local: true}
		}
		a.fail(ctx, err)
		o.outcome("conflict")
		return res, err
	}
	res.Deployment = d
	o.emit(events.EventDeploymentProvisioning, d, "provisioning started")

	// validated -> node_reserved
	node, err := o.scheduler.Reserve(ctx, v.plan, req.NodeID)
	if err != nil {
		o.rollBack(d, eventReserve, err)
		a.fail(ctx, err)
		o.outcome(string(faults.KindOf(err)))
		return res, err
	}
	a.NodeID = node.ID
	d.NodeID = node.ID
	d.SlotHeld = true
	d.DirectAddress = node.DirectAddress()
	d.TunnelID = node.TunnelID
	if d.TunnelID == "" {
		d.TunnelID = o.binder.DefaultTunnel()
	}
	o.save(d)
	a.advance(ctx, eventReserve)
	logger = logger.With().Str("node_id", node.ID).Logger()

	// node_reserved -> database_ready
	if err := o.provisionDatabase(ctx, a, node, d, req.CompanyName); err != nil {
		o.failDatabase(d, err)
		a.fail(ctx, err)
		logger.Error().Err(err).Str("status", string(d.Status)).Msg("Database provisioning failed")
		return res, err
	}
	a.advance(ctx, eventProvision)

	// database_ready -> dns_bound
	bound, bindErr := o.binder.Bind(ctx, d.Subdomain, d.Domain, d.TunnelID)
	if bindErr != nil {
		d.Status = types.DeploymentActiveNoDNS
		d.TunnelActive = false
		d.URL = "http://" + d.DirectAddress
		d.FailureStep = eventBind
		d.FailureReason = bindErr.Error()
		if err := o.persist(ctx, a, d, bindErr); err != nil {
			return res, err
		}
		o.emit(events.EventDeploymentNoDNS, d, bindErr.Error())
		o.outcome(string(types.DeploymentActiveNoDNS))
		logger.Warn().Err(bindErr).Str("direct_address", d.DirectAddress).Msg("Tenant provisioned without DNS")
		return res, &faults.PartialProvisionError{Subdomain: d.Subdomain, DirectAddress: d.DirectAddress, Err: bindErr}
	}
	o.applyBinding(d, bound)
	a.advance(ctx, eventBind)
	o.emit(events.EventDNSBound, d, bound.Hostname)

	// dns_bound -> deployment_persisted
	if err := o.persist(ctx, a, d, nil); err != nil {
		return res, err
	}
	o.emit(events.EventDeploymentActive, d, d.URL)
	o.outcome(string(types.DeploymentActive))
	logger.Info().Str("url", d.URL).Msg("Tenant provisioned")
	return res, nil
}

// provisionDatabase runs the provisioner, retrying transient failures with
// exponential backoff. After a failure that may have created the database,
// the next try resumes at configuration.
func (o *Orchestrator) provisionDatabase(ctx context.Context, a *attempt, node *types.Node, d *types.Deployment, company string) error {
	req := provisioner.Request{
		DatabaseName: d.DatabaseName,
		Subdomain:    d.Subdomain,
		CompanyName:  company,
		BaseURL:      "https://" + d.Hostname(),
		MailDomain:   d.Hostname(),
	}

	backoff := wait.Backoff{
		Duration: o.cfg.RetryBackoff,
		Factor:   2,
		Steps:    o.cfg.MaxRetries + 1,
	}

	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		res, err := o.provisioner.Provision(ctx, node, req)
		if res.DatabaseCreated {
			req.Resume = true
		}
		lastErr = err
		if err == nil {
			return true, nil
		}
		if !faults.IsTransient(err) {
			return false, err
		}
		metrics.DatabaseRetriesTotal.Inc()
		a.note(eventProvision, "retry", err)
		return false, nil
	})
	if err != nil && lastErr != nil {
		err = lastErr
	}
	if err != nil && req.Resume {
		// remembered for the failure policy
		return &databaseMayExistError{err}
	}
	return err
}

// databaseMayExistError marks a failure after which the tenant database may
// exist on the node
type databaseMayExistError struct{ error }

func (e *databaseMayExistError) Unwrap() error { return e.error }

// failDatabase applies the failure policy of the database step. A name
// collision keeps the slot for an operator to look at. A failure that may
// have left a database behind keeps the slot and the database. Anything else
// gives the slot back.
func (o *Orchestrator) failDatabase(d *types.Deployment, err error) {
	var exists *faults.AlreadyExistsError
	var mayExist *databaseMayExistError

	switch {
	case errors.As(err, &exists):
		// the database belongs to someone else
		d.DatabaseName = ""
		o.markFailed(d, eventProvision, err)
		o.outcome("already_exists")
	case errors.As(err, &mayExist):
		o.markFailed(d, eventProvision, err)
		o.outcome(string(types.DeploymentFailed))
	default:
		o.rollBack(d, eventProvision, err)
		o.outcome(string(types.DeploymentRolledBack))
	}
}

func (o *Orchestrator) markFailed(d *types.Deployment, step string, err error) {
	d.Status = types.DeploymentFailed
	d.FailureStep = step
	d.FailureReason = err.Error()
	o.save(d)
	o.emit(events.EventDeploymentFailed, d, err.Error())
}

// rollBack releases the slot if one is held and frees the subdomain
func (o *Orchestrator) rollBack(d *types.Deployment, step string, err error) {
	if d.SlotHeld {
		if rerr := o.scheduler.Release(d.NodeID); rerr != nil {
			o.logger.Error().Err(rerr).Str("subdomain", d.Subdomain).Msg("Failed to release slot during rollback")
		} else {
			d.SlotHeld = false
		}
	}
	d.DatabaseName = ""
	d.Status = types.DeploymentRolledBack
	d.FailureStep = step
	d.FailureReason = err.Error()
	o.save(d)
	o.emit(events.EventDeploymentRolledBack, d, err.Error())
}

func (o *Orchestrator) applyBinding(d *types.Deployment, bound *tunnel.BindResult) {
	d.DNSRecordID = bound.RecordID
	d.TunnelActive = true
	d.URL = "https://" + bound.Hostname
}

// persist writes the final deployment and marks the subscription
// provisioned. cause is the DNS error on the degraded path.
func (o *Orchestrator) persist(ctx context.Context, a *attempt, d *types.Deployment, cause error) error {
	if cause == nil {
		d.Status = types.DeploymentActive
		d.FailureStep = ""
		d.FailureReason = ""
	}
	if err := o.store.UpdateDeployment(d); err != nil {
		err = fmt.Errorf("failed to persist deployment %s: %w", d.Subdomain, err)
		a.fail(ctx, err)
		o.outcome("persist_failed")
		return err
	}
	if cause != nil {
		a.advance(ctx, eventPersist, cause)
	} else {
		a.advance(ctx, eventPersist)
	}
	o.markSubscription(d)
	return nil
}

func (o *Orchestrator) markSubscription(d *types.Deployment) {
	if d.SubscriptionID == "" {
		return
	}
	if err := o.store.MarkSubscriptionProvisioned(d.SubscriptionID); err != nil {
		o.logger.Warn().Err(err).
			Str("subdomain", d.Subdomain).
			Str("subscription", d.SubscriptionID).
			Msg("Failed to mark subscription provisioned")
	}
}

// RetryBinding runs only the DNS step of an active_no_dns tenant. An active
// tenant is returned unchanged.
func (o *Orchestrator) RetryBinding(ctx context.Context, subdomain string) (*types.Deployment, error) {
	ctx, cancel := o.detach(ctx)
	defer cancel()

	d, err := o.store.GetDeployment(NormalizeSubdomain(subdomain))
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case types.DeploymentActive:
		return d, nil
	case types.DeploymentActiveNoDNS:
	default:
		return d, fmt.Errorf("tenant %s is %s: %w", d.Subdomain, d.Status, errdefs.ErrFailedPrecondition)
	}

	bound, err := o.binder.Bind(ctx, d.Subdomain, d.Domain, d.TunnelID)
	if err != nil {
		d.FailureReason = err.Error()
		o.save(d)
		return d, err
	}

	o.applyBinding(d, bound)
	d.Status = types.DeploymentActive
	d.FailureStep = ""
	d.FailureReason = ""
	if err := o.store.UpdateDeployment(d); err != nil {
		return d, fmt.Errorf("failed to persist deployment %s: %w", d.Subdomain, err)
	}

	o.emit(events.EventDNSBound, d, bound.Hostname)
	o.emit(events.EventDeploymentActive, d, d.URL)
	o.logger.Info().Str("subdomain", d.Subdomain).Str("url", d.URL).Msg("DNS binding completed")
	return d, nil
}

// Delete removes a tenant: DNS (best effort), then the database, then the
// node slot and finally the local rows. A failed drop leaves the tenant in
// deleting so the call can be repeated.
func (o *Orchestrator) Delete(ctx context.Context, subdomain string) error {
	ctx, cancel := o.detach(ctx)
	defer cancel()

	subdomain = NormalizeSubdomain(subdomain)
	if o.isProtected(subdomain) {
		return &faults.ValidationError{Field: "subdomain", Value: subdomain, Reason: "protected name"}
	}

	d, err := o.store.GetDeployment(subdomain)
	if err != nil {
		return err
	}
	if d.Status == types.DeploymentProvisioning {
		return fmt.Errorf("tenant %s is still provisioning: %w", subdomain, errdefs.ErrFailedPrecondition)
	}

	logger := log.WithSubdomain(subdomain)
	d.Status = types.DeploymentDeleting
	if err := o.store.UpdateDeployment(d); err != nil {
		return fmt.Errorf("failed to mark %s deleting: %w", subdomain, err)
	}

	if d.Domain != "" && o.binder.Supports(d.Domain) {
		if _, err := o.binder.Unbind(ctx, d.Subdomain, d.Domain); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove DNS record, continuing")
		}
	}

	var node *types.Node
	if d.NodeID != "" {
		node, err = o.store.GetNode(d.NodeID)
		if err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to load node %s: %w", d.NodeID, err)
		}
	}

	if d.DatabaseName != "" {
		if node == nil {
			return fmt.Errorf("database %s has no node to drop it on: %w", d.DatabaseName, errdefs.ErrFailedPrecondition)
		}
		if err := o.provisioner.Drop(ctx, node, d.DatabaseName); err != nil {
			d.FailureStep = "drop_database"
			d.FailureReason = err.Error()
			o.save(d)
			return err
		}
		d.DatabaseName = ""
	}

	if d.SlotHeld && node != nil {
		if err := o.scheduler.Release(d.NodeID); err != nil {
			o.save(d)
			return err
		}
		d.SlotHeld = false
	}
	o.save(d)

	if err := o.store.DeleteDeployment(subdomain); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete deployment %s: %w", subdomain, err)
	}
	if d.SubscriptionID != "" {
		if err := o.store.DeleteSubscription(d.SubscriptionID); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Str("subscription", d.SubscriptionID).Msg("Failed to delete subscription")
		}
	}

	o.emit(events.EventDeploymentDeleted, d, "tenant deleted")
	logger.Info().Msg("Tenant deleted")
	return nil
}

// save writes d, logging a failure. Used on paths that are already
// reporting another error.
func (o *Orchestrator) save(d *types.Deployment) {
	if err := o.store.UpdateDeployment(d); err != nil {
		o.logger.Error().Err(err).Str("subdomain", d.Subdomain).Msg("Failed to update deployment")
	}
}

func (o *Orchestrator) emit(t events.EventType, d *types.Deployment, msg string) {
	o.broker.Emit(t, d.Subdomain, msg, map[string]string{
		"status":  string(d.Status),
		"node_id": d.NodeID,
		"plan":    string(d.Plan),
	})
}

func (o *Orchestrator) outcome(label string) {
	metrics.ProvisionAttemptsTotal.WithLabelValues(label).Inc()
}
