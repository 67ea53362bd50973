package main

import (
	"fmt"
	"os"

	"github.com/cuemby/tenantd/pkg/config"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if kind := faults.KindOf(err); kind != faults.KindInternal {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", faults.Remediation(kind))
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tenantd",
	Short: "tenantd - tenant placement and provisioning for Odoo SaaS",
	Long: `tenantd places tenants on database nodes, duplicates a template
database for each one, and routes <subdomain>.<domain> through a
Cloudflare tunnel.

Run "tenantd serve" for the control plane loops, "tenantd agent" on every
node, and the node/tenant/domain commands for operator tasks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("log-level") {
			loaded.Log.Level, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("server") {
			loaded.Server.URL, _ = cmd.Flags().GetString("server")
			requireServer = true
		}
		if cmd.Flags().Changed("log-json") {
			loaded.Log.JSON, _ = cmd.Flags().GetBool("log-json")
		}
		log.Init(log.Config{
			Level:      log.ParseLevel(loaded.Log.Level),
			JSONOutput: loaded.Log.JSON,
			Output:     os.Stderr,
		})

		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"tenantd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Config file (default ./tenantd.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")
	rootCmd.PersistentFlags().String("server", "", "Control API of a running serve (default server.url, or server.listen on loopback)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(domainCmd)
}
