package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/tenantd/pkg/api"
	"github.com/cuemby/tenantd/pkg/monitor"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan [NODE]",
	Short: "Sample node usage once",
	Long: `Probe every node (or one) and update its usage counters and status,
the same way a cycle of the serve loop does.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ref string
		if len(args) == 1 {
			ref = args[0]
		}

		return withControlPlane(cmd.Context(), func(cp api.ControlPlane) error {
			report, err := cp.Scan(cmd.Context(), ref)
			if err != nil {
				return err
			}
			printScan(report.Nodes)
			if ref == "" {
				fmt.Printf("\nScanned %d nodes in %s, %d failed, %d old samples pruned\n",
					len(report.Nodes), report.Duration.Round(time.Millisecond), report.Failed(), report.Pruned)
			}
			return nil
		})
	},
}

func printScan(reports []monitor.NodeReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tCPU%\tRAM USED\tDISK USED\tRESULT")
	for _, r := range reports {
		if r.Stats == nil {
			fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t%s\n", r.Name, r.Status, r.Error)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%d/%dMB\t%d/%dGB\tok\n",
			r.Name, r.Status, r.Stats.CPUPercent,
			r.Stats.RAMUsedMB, r.Stats.RAMTotalMB,
			r.Stats.DiskUsedGB, r.Stats.DiskTotalGB)
	}
	w.Flush()
}
