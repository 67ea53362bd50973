package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/cuemby/tenantd/pkg/api"
	"github.com/cuemby/tenantd/pkg/capacity"
	"github.com/cuemby/tenantd/pkg/registry"
	"github.com/cuemby/tenantd/pkg/scheduler"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/spf13/cobra"
)

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage provisioning nodes",
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register a node",
	Long: `Register a node tenants can be placed on.

Examples:
  tenantd node register node-1 --address 10.0.0.11 \
    --cpu 8 --ram-mb 32768 --storage-gb 500 --max-slots 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		address, _ := flags.GetString("address")
		cpu, _ := flags.GetInt("cpu")
		ramMB, _ := flags.GetInt64("ram-mb")
		storageGB, _ := flags.GetInt64("storage-gb")
		maxSlots, _ := flags.GetInt("max-slots")
		priority, _ := flags.GetInt("priority")
		role, _ := flags.GetString("role")
		region, _ := flags.GetString("region")
		tunnelID, _ := flags.GetString("tunnel-id")
		agentPort, _ := flags.GetInt("agent-port")
		appPort, _ := flags.GetInt("app-port")
		dbPort, _ := flags.GetInt("db-port")
		sshPort, _ := flags.GetInt("ssh-port")
		sshUser, _ := flags.GetString("ssh-user")

		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			node, err := cp.RegisterNode(cmd.Context(), &types.Node{
				Name:      args[0],
				Address:   address,
				AgentPort: agentPort,
				AppPort:   appPort,
				DBPort:    dbPort,
				SSHPort:   sshPort,
				SSHUser:   sshUser,
				Region:    region,
				Role:      types.NodeRole(role),
				Priority:  priority,
				TunnelID:  tunnelID,
				Capacity: types.NodeCapacity{
					CPUCores:  cpu,
					RAMMB:     ramMB,
					StorageGB: storageGB,
					MaxSlots:  maxSlots,
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("✓ Node registered: %s (ID: %s)\n", node.Name, node.ID)
			return nil
		})
	},
}

var nodeApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Register or update nodes from a YAML manifest",
	Long: `Apply a node manifest. Nodes that do not exist are registered, the
others are updated in place.

Examples:
  tenantd node apply -f nodes.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read manifest: %w", err)
		}

		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			results, err := cp.ApplyNodes(cmd.Context(), data)
			for _, r := range results {
				fmt.Printf("✓ Node %s: %s (ID: %s)\n", r.Action, r.Name, r.NodeID)
			}
			return err
		})
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, _ := cmd.Flags().GetBool("summary")
		plan, _ := cmd.Flags().GetString("plan")

		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			nodes, err := cp.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

			if plan != "" {
				return printPlacement(nodes, plan)
			}
			printNodes(nodes)
			if summary {
				fmt.Println()
				printSummary(capacity.Summarize(nodes))
			}
			return nil
		})
	},
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status NODE online|offline|maintenance",
	Short: "Change a node's operational state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := types.ParseNodeStatus(args[1])
		if err != nil {
			return err
		}
		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			node, err := cp.SetNodeStatus(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Node %s is %s\n", node.Name, node.Status)
			return nil
		})
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:   "remove NODE",
	Short: "Deregister a node that holds no tenants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			if err := cp.RemoveNode(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Node removed: %s\n", args[0])
			return nil
		})
	},
}

func init() {
	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeApplyCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeStatusCmd)
	nodeCmd.AddCommand(nodeRemoveCmd)

	f := nodeRegisterCmd.Flags()
	f.String("address", "", "Node IP address or hostname (required)")
	f.Int("cpu", 0, "CPU cores")
	f.Int64("ram-mb", 0, "RAM in MB")
	f.Int64("storage-gb", 0, "Storage in GB")
	f.Int("max-slots", 0, "Maximum number of tenants")
	f.Int("priority", 0, "Placement priority, higher is preferred")
	f.String("role", string(types.NodeRoleTenant), "Node role (tenant or database)")
	f.String("region", "", "Region label")
	f.String("tunnel-id", "", "Cloudflare tunnel fronting the node (default tunnel when empty)")
	f.Int("agent-port", registry.DefaultAgentPort, "Node agent port")
	f.Int("app-port", registry.DefaultAppPort, "Odoo HTTP port")
	f.Int("db-port", registry.DefaultDBPort, "PostgreSQL port")
	f.Int("ssh-port", registry.DefaultSSHPort, "SSH port")
	f.String("ssh-user", registry.DefaultSSHUser, "SSH user for the ssh probe")
	_ = nodeRegisterCmd.MarkFlagRequired("address")

	nodeApplyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = nodeApplyCmd.MarkFlagRequired("file")

	nodeListCmd.Flags().Bool("summary", false, "Show cluster capacity totals")
	nodeListCmd.Flags().String("plan", "", "Explain placement of a plan on every node")
}

func printNodes(nodes []*types.Node) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tROLE\tSTATUS\tTENANTS\tCPU%\tFREE RAM\tFREE DISK\tPRIORITY\tSCANNED")
	for _, n := range nodes {
		scanned := "never"
		if !n.Usage.ScannedAt.IsZero() {
			scanned = n.Usage.ScannedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%.1f\t%dMB\t%dGB\t%d\t%s\n",
			n.Name, n.Address, n.Role, n.Status,
			n.Usage.TenantCount, n.Capacity.MaxSlots,
			n.Usage.CPUPercent, capacity.FreeRAMMB(n), capacity.FreeStorageGB(n),
			n.Priority, scanned)
	}
	w.Flush()
}

func printSummary(s capacity.Summary) {
	fmt.Printf("Slots:        %d/%d used\n", s.UsedSlots, s.TotalSlots)
	fmt.Printf("Free RAM:     %dMB\n", s.FreeRAMMB)
	fmt.Printf("Free storage: %dGB\n", s.FreeStorageGB)
	for _, status := range []types.NodeStatus{types.NodeStatusOnline, types.NodeStatusFull, types.NodeStatusOffline, types.NodeStatusMaintenance} {
		fmt.Printf("Nodes %-12s %d\n", string(status)+":", s.ByStatus[status])
	}
	fmt.Println("Headroom:")
	for _, plan := range types.PlanTiers() {
		fmt.Printf("  %-12s %d more tenants\n", plan, s.Headroom[plan])
	}
}

func printPlacement(nodes []*types.Node, plan string) error {
	tier, ok := types.ParsePlanTier(plan)
	if !ok {
		return fmt.Errorf("unknown plan %q", plan)
	}

	reasons := scheduler.Explain(tier, nodes)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPLACEMENT")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\n", n.Name, reasons[n.Name])
	}
	w.Flush()

	if chosen, err := scheduler.SelectNode(tier, nodes); err == nil {
		fmt.Printf("\nNext %s tenant goes to %s\n", tier, chosen.Name)
	} else {
		fmt.Printf("\n%v\n", err)
	}
	return nil
}
