package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/tenantd/pkg/api"
	"github.com/cuemby/tenantd/pkg/events"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/metrics"
	"github.com/cuemby/tenantd/pkg/reconciler"
	"github.com/cuemby/tenantd/pkg/registry"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the resource monitor, the DNS retry reconciler and the metrics
collector, and serve /metrics, /health, /ready, /live and the /v1 control API.

serve holds the store. The node, scan and tenant commands find it at
server.url (default: server.listen on loopback) and run through it, so
they keep working, concurrently, while serve is running. Set
server.api_key to accept them from other hosts.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Metrics, health and control API listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	listen := cfg.Server.Listen
	if l, _ := cmd.Flags().GetString("listen"); l != "" {
		listen = l
	}

	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, cfg.Store.Backend)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go logEvents(sub)

	critical := []string{"store"}

	collector := metrics.NewCollector(store, cfg.Server.MetricsPeriod)
	collector.Start()
	defer collector.Stop()

	orch := newOrchestrator(cfg, store, broker)

	// the monitor also serves on-demand scans when its loop is disabled
	mon, monErr := newMonitor(cfg, store, broker)
	if cfg.Monitor.Enabled {
		if monErr != nil {
			return monErr
		}
		mon.Start()
		defer mon.Stop()
		critical = append(critical, "monitor")
		logger.Info().Str("probe", cfg.Monitor.Probe).Dur("interval", cfg.Monitor.Interval).Msg("Monitor started")
	}

	if cfg.Reconciler.Enabled {
		rec := reconciler.NewReconciler(store, orch, broker, reconciler.Config{
			Interval:   cfg.Reconciler.Interval,
			StaleAfter: cfg.Reconciler.StaleAfter,
		})
		rec.Start()
		defer rec.Stop()
		logger.Info().Dur("interval", cfg.Reconciler.Interval).Msg("Reconciler started")
	}
	metrics.SetCriticalComponents(critical...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	gin.SetMode(gin.ReleaseMode)
	svc := api.NewService(store, registry.New(store, broker)).
		WithOrchestrator(orch, nil).
		WithMonitor(mon, monErr)
	mux.Handle("/v1/", api.NewServer(svc, api.ServerConfig{APIKey: cfg.Server.APIKey}).Handler())
	if cfg.Server.APIKey == "" {
		logger.Info().Msg("Control API accepts loopback clients only; set server.api_key to open it")
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listen).Msg("Serving metrics, health and control API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("control plane server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// logEvents writes every event to the log until sub is unsubscribed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		e := logger.Info().
			Str("type", string(ev.Type)).
			Str("subject", ev.Subject)
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}
