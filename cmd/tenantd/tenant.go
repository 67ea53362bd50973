package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/tenantd/pkg/api"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/spf13/cobra"
)

// Tenant commands
var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Provision and manage tenants",
}

var tenantProvisionCmd = &cobra.Command{
	Use:   "provision SUBDOMAIN",
	Short: "Provision a tenant",
	Long: `Place a tenant on a node, create its database from the template and
bind its hostname to the node's tunnel.

When the DNS binding fails the tenant stays reachable at the node's direct
address and the binding is retried by the reconciler or "tenant retry-dns".

Examples:
  tenantd tenant provision acme --plan pro
  tenantd tenant provision acme --plan basic --node node-2 --company "Acme Inc"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		plan, _ := flags.GetString("plan")
		domain, _ := flags.GetString("domain")
		subscription, _ := flags.GetString("subscription")
		company, _ := flags.GetString("company")
		node, _ := flags.GetString("node")

		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			res, err := cp.Provision(cmd.Context(), api.ProvisionRequest{
				Subdomain:      args[0],
				Plan:           plan,
				Domain:         domain,
				SubscriptionID: subscription,
				CompanyName:    company,
				Node:           node,
			})

			var partial *faults.PartialProvisionError
			if errors.As(err, &partial) {
				fmt.Printf("⚠ Tenant %s is live without DNS\n", partial.Subdomain)
				fmt.Printf("  URL:   http://%s\n", partial.DirectAddress)
				fmt.Printf("  Error: %v\n", partial.Err)
				fmt.Printf("  Run \"tenantd tenant retry-dns %s\" once the DNS provider is reachable\n", partial.Subdomain)
				return nil
			}
			if err != nil {
				if res != nil && res.Attempt != nil {
					fmt.Fprintf(os.Stderr, "Attempt %s failed at %s\n", res.Attempt.ID, lastStep(res.Attempt))
				}
				return err
			}

			d := res.Deployment
			fmt.Printf("✓ Tenant provisioned: %s\n", d.Subdomain)
			fmt.Printf("  URL:      %s\n", d.URL)
			fmt.Printf("  Node:     %s\n", d.NodeID)
			fmt.Printf("  Database: %s\n", d.DatabaseName)
			return nil
		})
	},
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete SUBDOMAIN",
	Short: "Delete a tenant",
	Long: `Remove a tenant's DNS record and database and free its slot.

Deleting a tenant that failed part way cleans up whatever it left behind.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			if err := cp.DeleteTenant(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Tenant deleted: %s\n", args[0])
			return nil
		})
	},
}

var tenantRetryDNSCmd = &cobra.Command{
	Use:   "retry-dns SUBDOMAIN",
	Short: "Retry the DNS binding of a tenant running without DNS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			d, err := cp.RetryDNS(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("✓ Tenant %s is %s at %s\n", d.Subdomain, d.Status, d.URL)
			return nil
		})
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			deployments, err := cp.ListTenants(cmd.Context(), status)
			if err != nil {
				return err
			}

			nodeNames := map[string]string{}
			if nodes, err := cp.ListNodes(cmd.Context()); err == nil {
				for _, n := range nodes {
					nodeNames[n.ID] = n.Name
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SUBDOMAIN\tPLAN\tSTATUS\tNODE\tDATABASE\tURL\tCREATED")
			for _, d := range deployments {
				node := nodeNames[d.NodeID]
				if node == "" {
					node = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					d.Subdomain, d.Plan, d.Status, node, orDash(d.DatabaseName), orDash(d.URL),
					d.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			w.Flush()
			return nil
		})
	},
}

var tenantShowCmd = &cobra.Command{
	Use:   "show SUBDOMAIN",
	Short: "Show a tenant and its provisioning attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			detail, err := cp.GetTenant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			d := detail.Deployment

			fmt.Printf("Subdomain:     %s\n", d.Subdomain)
			fmt.Printf("Status:        %s\n", d.Status)
			fmt.Printf("Plan:          %s\n", d.Plan)
			fmt.Printf("Domain:        %s\n", d.Domain)
			fmt.Printf("URL:           %s\n", orDash(d.URL))
			fmt.Printf("Direct:        %s\n", orDash(d.DirectAddress))
			fmt.Printf("Node:          %s\n", orDash(d.NodeID))
			fmt.Printf("Database:      %s\n", orDash(d.DatabaseName))
			fmt.Printf("Tunnel:        %s (active: %t)\n", orDash(d.TunnelID), d.TunnelActive)
			if d.SubscriptionID != "" {
				fmt.Printf("Subscription:  %s\n", d.SubscriptionID)
			}
			if d.FailureReason != "" {
				fmt.Printf("Failed at:     %s: %s\n", d.FailureStep, d.FailureReason)
			}
			fmt.Printf("Created:       %s\n", d.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Printf("Updated:       %s\n", d.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

			for _, a := range detail.Attempts {
				fmt.Printf("\nAttempt %s (%s)\n", a.ID, a.State)
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "  STEP\tOUTCOME\tAT\tERROR")
				for _, s := range a.Steps {
					fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", s.Step, s.Outcome, s.At.Local().Format("15:04:05.000"), s.Error)
				}
				w.Flush()
			}
			return nil
		})
	},
}

func init() {
	tenantCmd.AddCommand(tenantProvisionCmd)
	tenantCmd.AddCommand(tenantDeleteCmd)
	tenantCmd.AddCommand(tenantRetryDNSCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantShowCmd)

	f := tenantProvisionCmd.Flags()
	f.String("plan", string(types.PlanBasic), "Plan tier (basic, pro or enterprise)")
	f.String("domain", "", "DNS zone for the tenant hostname (default orchestrator.base_domain)")
	f.String("subscription", "", "Subscription to mark provisioned")
	f.String("company", "", "Company name written into the tenant database")
	f.String("node", "", "Place on this node instead of selecting one")

	tenantListCmd.Flags().String("status", "", "Only show tenants in this status")
}

func lastStep(a *types.Attempt) string {
	for i := len(a.Steps) - 1; i >= 0; i-- {
		if a.Steps[i].Outcome == "failed" {
			return a.Steps[i].Step
		}
	}
	return string(a.State)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
