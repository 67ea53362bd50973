package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/tenantd/pkg/agent"
	"github.com/cuemby/tenantd/pkg/dbengine"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node agent",
	Long: `Run the node-local database control plane.

The agent executes database operations against the PostgreSQL server on
this node and reports host usage to the resource monitor. Every request
under /v1 must carry the shared API key (agent.api_key).`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("listen", "", "Listen address (overrides agent.listen)")
	agentCmd.Flags().Duration("stats-window", time.Second, "CPU sampling window for /v1/stats")
}

func runAgent(cmd *cobra.Command, args []string) error {
	if l, _ := cmd.Flags().GetString("listen"); l != "" {
		cfg.Agent.Listen = l
	}
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	window, _ := cmd.Flags().GetDuration("stats-window")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	engine, err := dbengine.OpenDSN(connectCtx, cfg.Agent.PostgresDSN)
	cancel()
	if err != nil {
		return err
	}
	defer engine.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := agent.NewServer(engine, agent.ServerConfig{
		APIKey:    cfg.Agent.APIKey,
		Protected: cfg.Provisioner.ProtectedDatabases,
		Stats:     agent.LocalStats(cfg.Agent.DataPath, window),
	})
	return srv.ListenAndServe(ctx, cfg.Agent.Listen)
}
