package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/agent"
	"github.com/cuemby/tenantd/pkg/api"
	"github.com/cuemby/tenantd/pkg/config"
	"github.com/cuemby/tenantd/pkg/dbengine"
	"github.com/cuemby/tenantd/pkg/events"
	"github.com/cuemby/tenantd/pkg/health"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/monitor"
	"github.com/cuemby/tenantd/pkg/orchestrator"
	"github.com/cuemby/tenantd/pkg/provisioner"
	"github.com/cuemby/tenantd/pkg/registry"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/tunnel"
)

// openStore opens the configured control-plane store
func openStore(c *config.Config) (storage.Store, error) {
	switch c.Store.Backend {
	case "bolt":
		return storage.NewBoltStore(c.Store.DataDir)
	case "postgres":
		return storage.NewPostgresStore(c.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

func newProvisioner(c *config.Config) *provisioner.Provisioner {
	var dialer provisioner.Dialer
	switch c.Provisioner.Engine {
	case "postgres":
		dialer = dbengine.Dialer{
			User:           c.Provisioner.DBUser,
			Password:       c.Provisioner.DBPassword,
			SSLMode:        c.Provisioner.SSLMode,
			ConnectTimeout: c.Provisioner.AdminTimeout,
		}
	default:
		dialer = agent.Dialer{APIKey: c.Agent.APIKey}
	}

	return provisioner.New(dialer, provisioner.Config{
		TemplateDatabase: c.Provisioner.TemplateDatabase,
		Owner:            c.Provisioner.Owner,
		Protected:        c.Provisioner.ProtectedDatabases,
		AdminTimeout:     c.Provisioner.AdminTimeout,
		DuplicateTimeout: c.Provisioner.DuplicateTimeout,
	})
}

func newBinder(c *config.Config) *tunnel.Binder {
	cf := tunnel.NewCloudflareClient(
		c.Cloudflare.BaseURL,
		c.Cloudflare.APIToken,
		c.Cloudflare.RequestsPerSec,
		&http.Client{Timeout: c.Cloudflare.APITimeout},
	)
	resolver := tunnel.NewDNSResolver(c.DNS.LookupTimeout, c.DNS.Resolver)
	return tunnel.NewBinder(cf, resolver, tunnel.Config{
		Zones:           c.Cloudflare.ZoneMap(),
		DefaultTunnelID: c.Cloudflare.DefaultTunnelID,
		APITimeout:      c.Cloudflare.APITimeout,
		LookupTimeout:   c.DNS.LookupTimeout,
	})
}

func newOrchestrator(c *config.Config, store storage.Store, broker *events.Broker) *orchestrator.Orchestrator {
	return orchestrator.New(store, newProvisioner(c), newBinder(c), broker, orchestrator.Config{
		BaseDomain:       c.Orchestrator.BaseDomain,
		ReservedNames:    c.Orchestrator.ReservedNames,
		ProtectedNames:   c.Orchestrator.ProtectedNames,
		ProvisionTimeout: c.Orchestrator.ProvisionTimeout,
		MaxRetries:       c.Provisioner.MaxRetries,
		RetryBackoff:     c.Provisioner.RetryBackoff,
	})
}

// localOrchestrator builds the orchestrator for tenant commands run in
// process
func localOrchestrator(c *config.Config, store storage.Store) (*orchestrator.Orchestrator, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return newOrchestrator(c, store, nil), nil
}

func newProbe(c *config.Config) (monitor.Probe, error) {
	switch c.Monitor.Probe {
	case "ssh":
		return monitor.NewSSHProbe(c.Monitor.SSHKeyPath, c.Monitor.SSHKnownHosts, registry.DefaultSSHUser, c.Monitor.ProbeTimeout)
	default:
		return monitor.NewAgentProbe(c.Agent.APIKey, c.Monitor.ProbeTimeout), nil
	}
}

func newMonitor(c *config.Config, store storage.Store, broker *events.Broker) (*monitor.Monitor, error) {
	probe, err := newProbe(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s probe: %w", c.Monitor.Probe, err)
	}
	return monitor.New(store, probe, broker, monitor.Config{
		Interval:     c.Monitor.Interval,
		Concurrency:  c.Monitor.Concurrency,
		ProbeTimeout: c.Monitor.ProbeTimeout,
		Health: health.Config{
			Timeout:    c.Monitor.ProbeTimeout,
			Retries:    c.Monitor.FailureRetries,
			Recoveries: c.Monitor.Recoveries,
		},
		MetricRetention: c.Monitor.MetricRetention,
	}), nil
}

// withStore opens the store for the duration of fn
func withStore(fn func(store storage.Store) error) error {
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// pingTimeout bounds the check for a running serve
const pingTimeout = 2 * time.Second

// requireServer is set by --server: never fall back to the local store
var requireServer bool

// withControlPlane runs fn against the serve answering at server.url. When
// nothing answers there it runs fn in process against the store, which
// fails with storage.LockedError if another process holds a bolt store.
func withControlPlane(ctx context.Context, fn func(cp api.ControlPlane) error) error {
	url := cfg.Server.ControlURL()
	client := api.NewClient(url, cfg.Server.APIKey, nil)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := client.Ping(pingCtx)
	cancel()

	switch {
	case err == nil:
		logger := log.WithComponent("cli")
		logger.Debug().Str("url", url).Msg("Using running control plane")
		return fn(client)
	case requireServer:
		return fmt.Errorf("control plane at %s: %w", url, err)
	case errdefs.IsUnavailable(err), errdefs.IsNotFound(err), errors.Is(err, context.DeadlineExceeded):
		logger := log.WithComponent("cli")
		logger.Debug().Err(err).Msg("No control plane running, using the store directly")
	default:
		return fmt.Errorf("control plane at %s: %w", url, err)
	}

	return withStore(func(store storage.Store) error {
		svc := api.NewService(store, registry.New(store, nil)).
			WithOrchestrator(localOrchestrator(cfg, store)).
			WithMonitor(newMonitor(cfg, store, nil))
		return fn(svc)
	})
}
