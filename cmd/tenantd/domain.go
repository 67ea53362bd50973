package main

import (
	"fmt"

	"github.com/cuemby/tenantd/pkg/orchestrator"
	"github.com/cuemby/tenantd/pkg/tunnel"
	"github.com/spf13/cobra"
)

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Customer domain helpers",
}

var domainVerifyCmd = &cobra.Command{
	Use:   "verify EXTERNAL_DOMAIN SUBDOMAIN",
	Short: "Check that a customer domain points to a tenant",
	Long: `Look up the CNAME of a customer-owned domain and compare it with the
tenant's hostname.

Examples:
  tenantd domain verify erp.acme.com acme`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, _ := cmd.Flags().GetString("domain")
		if domain == "" {
			domain = cfg.Orchestrator.BaseDomain
		}

		binder := newBinder(cfg)
		if _, err := tunnel.ValidateExternalDomain(args[0], binder.Domains()); err != nil {
			return err
		}

		v := binder.Verify(cmd.Context(), args[0], orchestrator.NormalizeSubdomain(args[1]), domain)
		if v.Status == tunnel.VerificationVerified {
			fmt.Printf("✓ %s\n", v.Message)
			return nil
		}

		fmt.Printf("Domain:   %s\n", v.Domain)
		fmt.Printf("Status:   %s\n", v.Status)
		fmt.Printf("Expected: %s\n", v.Expected)
		if v.Found != "" {
			fmt.Printf("Found:    %s\n", v.Found)
		}
		fmt.Printf("\n%s\n", tunnel.Remediation(v))
		return fmt.Errorf("domain %s is not verified (%s)", v.Domain, v.Status)
	},
}

func init() {
	domainCmd.AddCommand(domainVerifyCmd)
	domainVerifyCmd.Flags().String("domain", "", "Zone of the tenant hostname (default orchestrator.base_domain)")
}
