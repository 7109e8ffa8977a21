package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratoform/cartograph/pkg/model"
)

var driftProvider string

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Compare live infrastructure against the graph",
	Long: `Re-discovers live state through the enabled sources and reports every
difference without touching the graph. Run 'cartograph sync' to reconcile.

Exit code 2 signals critical drift.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		rep, err := eng.DetectDrift(cmd.Context(), driftProvider)
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(rep)
			return
		}

		if len(rep.DriftedNodes)+len(rep.DisappearedNodes)+len(rep.NewNodes) == 0 {
			fmt.Println("[SUCCESS] No drift detected.")
			return
		}

		critical := false
		for _, dn := range rep.DriftedNodes {
			fmt.Printf("[WARN] %s  %s %q drifted:\n", dn.Node.ID, dn.Node.ResourceType, dn.Node.Name)
			for _, ch := range dn.Changes {
				fmt.Printf("       %-8s %s: %v -> %v\n", ch.Severity, ch.Field, ch.Previous, ch.New)
				if ch.Severity == model.SeverityCritical {
					critical = true
				}
			}
		}
		for _, n := range rep.DisappearedNodes {
			fmt.Printf("[WARN] %s  %s %q no longer observed live\n", n.ID, n.ResourceType, n.Name)
		}
		for _, n := range rep.NewNodes {
			fmt.Printf("[INFO] %s  %s %q exists live but not in the graph\n", n.ID, n.ResourceType, n.Name)
		}
		fmt.Printf("\n%d drifted, %d disappeared, %d unmanaged.\n",
			len(rep.DriftedNodes), len(rep.DisappearedNodes), len(rep.NewNodes))
		if critical {
			os.Exit(2)
		}
	},
}

func init() {
	driftCmd.Flags().StringVar(&driftProvider, "provider", "", "Restrict the scan to one provider")
}
