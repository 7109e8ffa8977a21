package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratoform/cartograph/pkg/engine/anomaly"
)

var (
	anomProvider  string
	anomThreshold float64
	anomWindow    int
	anomMin       int
)

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Scan the snapshot series for statistical anomalies",
	Long: `Derives baselines from the snapshot history and flags cost, topology,
structure and churn samples that stray past the z-score threshold. Needs at
least a handful of snapshots before anything is reported.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		rep, err := eng.DetectAnomalies(cmd.Context(), anomaly.Config{
			ZScoreThreshold: anomThreshold,
			MinSnapshots:    anomMin,
			RollingWindow:   anomWindow,
			Provider:        anomProvider,
		})
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(rep)
			return
		}

		fmt.Printf("Analyzed %d snapshots.\n", rep.SnapshotsAnalyzed)
		if rep.Summary.Total == 0 {
			fmt.Println("[SUCCESS] No anomalies detected.")
		}
		for _, a := range rep.Anomalies {
			fmt.Printf("[WARN] %-8s %-20s z=%+.2f  %s\n", a.Severity, a.Type, a.ZScore, a.Message)
			if len(a.AffectedResources) > 0 {
				fmt.Printf("       affected: %s\n", strings.Join(a.AffectedResources, ", "))
			}
		}
		if t := rep.CostTrend; t != nil {
			fmt.Printf("\nCost trend: $%.2f/mo now, velocity %+.2f/hr, projected 24h $%.2f/mo\n",
				t.CurrentCostMonthly, t.Velocity, t.Projected24h)
		}
	},
}

func init() {
	anomaliesCmd.Flags().StringVar(&anomProvider, "provider", "", "Restrict the analysis to one provider's snapshots")
	anomaliesCmd.Flags().Float64Var(&anomThreshold, "threshold", 0, "Z-score threshold override")
	anomaliesCmd.Flags().IntVar(&anomWindow, "window", 0, "Rolling window of newest snapshots")
	anomaliesCmd.Flags().IntVar(&anomMin, "min-snapshots", 0, "Minimum series length override")
}
