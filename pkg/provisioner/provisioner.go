package provisioner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/metrics"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/rs/zerolog"
)

// State is a step of one Provision call
type State string

const (
	StateCheckingExistence   State = "checking_existence"
	StateCheckingTemplate    State = "checking_template"
	StateTerminatingTemplate State = "terminating_template_connections"
	StateDuplicating         State = "duplicating"
	StateConfiguring         State = "configuring"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// Config holds the provisioner's fixed parameters
type Config struct {
	TemplateDatabase string
	Owner            string
	// Protected names can never be created over or dropped
	Protected        []string
	AdminTimeout     time.Duration
	DuplicateTimeout time.Duration
}

// DefaultConfig returns the timeouts used when none are configured
func DefaultConfig() Config {
	return Config{
		TemplateDatabase: "template_tenant",
		Owner:            "odoo",
		Protected:        []string{"postgres", "template0", "template1"},
		AdminTimeout:     30 * time.Second,
		DuplicateTimeout: 10 * time.Minute,
	}
}

// Request describes the database to create
type Request struct {
	DatabaseName string
	Subdomain    string
	CompanyName  string
	BaseURL      string
	MailDomain   string

	// Resume is set after a duplication whose outcome was unknown. An
	// existing database is then taken as ours and only configured.
	Resume bool
}

// Result reports how far Provision got. It is returned on failure too.
type Result struct {
	DatabaseName    string
	State           State
	// DatabaseCreated is true whenever the database may exist on the node
	DatabaseCreated bool
	Resumed         bool
	Terminated      int
}

// Provisioner duplicates the template database into tenant databases
type Provisioner struct {
	dialer Dialer
	cfg    Config
	logger zerolog.Logger
}

// New creates a provisioner
func New(dialer Dialer, cfg Config) *Provisioner {
	d := DefaultConfig()
	if cfg.TemplateDatabase == "" {
		cfg.TemplateDatabase = d.TemplateDatabase
	}
	if cfg.Owner == "" {
		cfg.Owner = d.Owner
	}
	if cfg.AdminTimeout <= 0 {
		cfg.AdminTimeout = d.AdminTimeout
	}
	if cfg.DuplicateTimeout <= 0 {
		cfg.DuplicateTimeout = d.DuplicateTimeout
	}
	if cfg.Protected == nil {
		cfg.Protected = d.Protected
	}
	return &Provisioner{
		dialer: dialer,
		cfg:    cfg,
		logger: log.WithComponent("provisioner"),
	}
}

// Template returns the template database name
func (p *Provisioner) Template() string {
	return p.cfg.TemplateDatabase
}

// IsProtected reports whether name may never be created or dropped
func (p *Provisioner) IsProtected(name string) bool {
	name = strings.ToLower(name)
	if name == strings.ToLower(p.cfg.TemplateDatabase) {
		return true
	}
	return slices.ContainsFunc(p.cfg.Protected, func(s string) bool {
		return strings.ToLower(s) == name
	})
}

// Provision creates req.DatabaseName on node from the template and
// configures it. The returned Result is never nil.
func (p *Provisioner) Provision(ctx context.Context, node *types.Node, req Request) (*Result, error) {
	res := &Result{DatabaseName: req.DatabaseName, State: StateCheckingExistence}
	logger := p.logger.With().
		Str("node_id", node.ID).
		Str("database", req.DatabaseName).
		Logger()

	if p.IsProtected(req.DatabaseName) {
		res.State = StateFailed
		return res, &faults.ValidationError{Field: "database", Value: req.DatabaseName, Reason: "name is protected"}
	}

	eng, err := p.dialer.Dial(ctx, node)
	if err != nil {
		res.State = StateFailed
		return res, p.classify("connect", node, err)
	}
	defer eng.Close()

	// checking_existence
	exists, err := p.exists(ctx, eng, req.DatabaseName)
	if err != nil {
		res.State = StateFailed
		return res, p.classify("check database", node, err)
	}
	if exists {
		if !req.Resume {
			res.State = StateFailed
			return res, &faults.AlreadyExistsError{Resource: "database", Name: req.DatabaseName, NodeID: node.ID}
		}
		logger.Info().Msg("Database present after unknown outcome, resuming at configuration")
		res.DatabaseCreated = true
		res.Resumed = true
		return p.configure(ctx, eng, node, req, res, logger)
	}

	// checking_template
	res.State = StateCheckingTemplate
	templateOK, err := p.exists(ctx, eng, p.cfg.TemplateDatabase)
	if err != nil {
		res.State = StateFailed
		return res, p.classify("check template", node, err)
	}
	if !templateOK {
		res.State = StateFailed
		return res, &faults.TemplateNotFoundError{Template: p.cfg.TemplateDatabase, NodeID: node.ID}
	}

	// terminating_template_connections; a busy template makes duplication
	// fail, but a failure to terminate is not fatal by itself
	res.State = StateTerminatingTemplate
	if n, err := p.terminate(ctx, eng, p.cfg.TemplateDatabase); err != nil {
		logger.Warn().Err(err).Msg("Failed to terminate template connections")
	} else {
		res.Terminated = n
	}

	// duplicating
	res.State = StateDuplicating
	if err := p.duplicate(ctx, eng, req.DatabaseName); err != nil {
		if errdefs.IsAlreadyExists(err) {
			res.State = StateFailed
			return res, &faults.AlreadyExistsError{Resource: "database", Name: req.DatabaseName, NodeID: node.ID}
		}
		if !isTransient(err) {
			res.State = StateFailed
			return res, fmt.Errorf("failed to duplicate %s into %s: %w", p.cfg.TemplateDatabase, req.DatabaseName, err)
		}

		// the server may have finished the copy after we stopped waiting
		logger.Warn().Err(err).Msg("Duplication failed transiently, re-checking existence")
		present, checkErr := p.exists(ctx, eng, req.DatabaseName)
		switch {
		case checkErr != nil:
			res.State = StateFailed
			res.DatabaseCreated = true
			return res, &faults.TransientError{Op: "duplicate", NodeID: node.ID, OutcomeUnknown: true, Err: err}
		case !present:
			res.State = StateFailed
			return res, &faults.TransientError{Op: "duplicate", NodeID: node.ID, Err: err}
		}
		logger.Info().Msg("Database exists despite duplication error, continuing")
	}
	res.DatabaseCreated = true

	return p.configure(ctx, eng, node, req, res, logger)
}

func (p *Provisioner) configure(ctx context.Context, eng Engine, node *types.Node, req Request, res *Result, logger zerolog.Logger) (*Result, error) {
	res.State = StateConfiguring

	timer := metrics.NewTimer()
	actx, cancel := context.WithTimeout(ctx, p.cfg.AdminTimeout)
	defer cancel()
	err := eng.RunAdminSQL(actx, req.DatabaseName, ConfigureStatements(req))
	timer.ObserveDurationVec(metrics.ProvisionStepDuration, "configure")
	if err != nil {
		res.State = StateFailed
		return res, p.classify("configure", node, err)
	}

	res.State = StateDone
	logger.Info().Bool("resumed", res.Resumed).Msg("Database provisioned")
	return res, nil
}

// Drop terminates sessions on name and drops it. Protected names are
// refused; a database that does not exist counts as dropped.
func (p *Provisioner) Drop(ctx context.Context, node *types.Node, name string) error {
	if p.IsProtected(name) {
		return &faults.ValidationError{Field: "database", Value: name, Reason: "name is protected"}
	}

	eng, err := p.dialer.Dial(ctx, node)
	if err != nil {
		return p.classify("connect", node, err)
	}
	defer eng.Close()

	if _, err := p.terminate(ctx, eng, name); err != nil && !errdefs.IsNotFound(err) {
		p.logger.Warn().Err(err).Str("database", name).Msg("Failed to terminate connections before drop")
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.AdminTimeout)
	defer cancel()
	if err := eng.DropDatabase(actx, name); err != nil && !errdefs.IsNotFound(err) {
		return p.classify("drop database", node, err)
	}

	p.logger.Info().Str("node_id", node.ID).Str("database", name).Msg("Database dropped")
	return nil
}

// ListDatabases returns the databases on node
func (p *Provisioner) ListDatabases(ctx context.Context, node *types.Node) ([]string, error) {
	eng, err := p.dialer.Dial(ctx, node)
	if err != nil {
		return nil, p.classify("connect", node, err)
	}
	defer eng.Close()

	actx, cancel := context.WithTimeout(ctx, p.cfg.AdminTimeout)
	defer cancel()
	dbs, err := eng.ListDatabases(actx)
	if err != nil {
		return nil, p.classify("list databases", node, err)
	}
	return dbs, nil
}

func (p *Provisioner) exists(ctx context.Context, eng Engine, name string) (bool, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AdminTimeout)
	defer cancel()
	return eng.DatabaseExists(actx, name)
}

func (p *Provisioner) terminate(ctx context.Context, eng Engine, name string) (int, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AdminTimeout)
	defer cancel()
	return eng.TerminateConnections(actx, name)
}

func (p *Provisioner) duplicate(ctx context.Context, eng Engine, target string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProvisionStepDuration, "duplicate")

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DuplicateTimeout)
	defer cancel()
	return eng.DuplicateDatabase(dctx, p.cfg.TemplateDatabase, target, p.cfg.Owner)
}

func (p *Provisioner) classify(op string, node *types.Node, err error) error {
	if isTransient(err) {
		return &faults.TransientError{Op: op, NodeID: node.ID, Err: err}
	}
	return fmt.Errorf("failed to %s on node %s: %w", op, node.Name, err)
}

func isTransient(err error) bool {
	return errdefs.IsUnavailable(err) ||
		errdefs.IsDeadlineExceeded(err) ||
		errors.Is(err, context.DeadlineExceeded)
}
