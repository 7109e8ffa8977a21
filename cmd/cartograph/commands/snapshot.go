package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratoform/cartograph/pkg/engine/temporal"
	"github.com/stratoform/cartograph/pkg/model"
)

var (
	snapLabel    string
	snapProvider string
	snapTrigger  string
	snapLimit    int
	pruneYes     bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage point-in-time graph snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Capture the current graph",
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		snap, err := eng.CreateSnapshot(cmd.Context(), model.TriggerManual, snapLabel, snapProvider)
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(snap)
			return
		}
		fmt.Printf("[SUCCESS] Snapshot %s captured: %d nodes, %d edges, $%.2f/mo.\n",
			snap.ID, snap.NodeCount, snap.EdgeCount, snap.TotalCostMonthly)
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		snaps, err := eng.ListSnapshots(cmd.Context(), temporal.SnapshotFilter{
			Trigger:  model.Trigger(snapTrigger),
			Provider: snapProvider,
			Limit:    snapLimit,
		})
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(snaps)
			return
		}
		if len(snaps) == 0 {
			fmt.Println("[INFO] No snapshots recorded.")
			return
		}
		fmt.Printf("%-36s  %-10s  %-20s  %6s  %6s  %10s  %s\n",
			"ID", "TRIGGER", "CREATED", "NODES", "EDGES", "COST/MO", "LABEL")
		for _, s := range snaps {
			fmt.Printf("%-36s  %-10s  %-20s  %6d  %6d  %10.2f  %s\n",
				s.ID, s.Trigger, s.CreatedAt.Format("2006-01-02 15:04:05"),
				s.NodeCount, s.EdgeCount, s.TotalCostMonthly, s.Label)
		}
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <snapshot-id>",
	Short: "Show one snapshot record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		snap, err := eng.GetSnapshot(cmd.Context(), args[0])
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(snap)
			return
		}
		fmt.Printf("Snapshot %s\n", snap.ID)
		fmt.Printf("  Trigger:  %s\n", snap.Trigger)
		if snap.Label != "" {
			fmt.Printf("  Label:    %s\n", snap.Label)
		}
		if snap.ProviderScope != "" {
			fmt.Printf("  Provider: %s\n", snap.ProviderScope)
		}
		fmt.Printf("  Created:  %s\n", snap.CreatedAt.Format(time.RFC3339))
		fmt.Printf("  Nodes:    %d\n", snap.NodeCount)
		fmt.Printf("  Edges:    %d\n", snap.EdgeCount)
		fmt.Printf("  Cost:     $%.2f/mo\n", snap.TotalCostMonthly)
	},
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff <from-id> <to-id>",
	Short: "Diff two snapshots",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		d, err := eng.DiffSnapshots(cmd.Context(), args[0], args[1])
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(d)
			return
		}
		if len(d.AddedNodes)+len(d.RemovedNodes)+len(d.ChangedNodes)+len(d.AddedEdges)+len(d.RemovedEdges) == 0 {
			fmt.Println("[SUCCESS] Snapshots are identical.")
			return
		}
		for _, n := range d.AddedNodes {
			fmt.Printf("  + %s  %s %q\n", n.ID, n.ResourceType, n.Name)
		}
		for _, n := range d.RemovedNodes {
			fmt.Printf("  - %s  %s %q\n", n.ID, n.ResourceType, n.Name)
		}
		for _, c := range d.ChangedNodes {
			fmt.Printf("  ~ %s  %s\n", c.NodeID, strings.Join(c.ChangedFields, ", "))
		}
		for _, e := range d.AddedEdges {
			fmt.Printf("  + edge %s -[%s]-> %s\n", e.SourceID, e.Type, e.TargetID)
		}
		for _, e := range d.RemovedEdges {
			fmt.Printf("  - edge %s -[%s]-> %s\n", e.SourceID, e.Type, e.TargetID)
		}
		fmt.Printf("\nNodes: +%d -%d ~%d | Edges: +%d -%d | Cost delta: %+.2f/mo\n",
			len(d.AddedNodes), len(d.RemovedNodes), len(d.ChangedNodes),
			len(d.AddedEdges), len(d.RemovedEdges), d.CostDelta)
	},
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop snapshots beyond the retention bounds",
	Run: func(cmd *cobra.Command, args []string) {
		if !pruneYes {
			fmt.Printf("Prune snapshots beyond retention (max %d, max age %s)? [y/N]: ",
				cfg.Retention.MaxSnapshots, cfg.Retention.MaxAge)
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Scan()
			if strings.ToLower(strings.TrimSpace(scanner.Text())) != "y" {
				fmt.Println("Aborted.")
				return
			}
		}

		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		n, err := eng.PruneSnapshots(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		fmt.Printf("[SUCCESS] Pruned %d snapshots.\n", n)
	},
}

func init() {
	snapshotCreateCmd.Flags().StringVar(&snapLabel, "label", "", "Free-form label")
	snapshotCreateCmd.Flags().StringVar(&snapProvider, "provider", "", "Restrict the snapshot to one provider")
	snapshotListCmd.Flags().StringVar(&snapTrigger, "trigger", "", "Filter by trigger: manual, sync, scheduled, governance")
	snapshotListCmd.Flags().StringVar(&snapProvider, "provider", "", "Filter by provider scope")
	snapshotListCmd.Flags().IntVar(&snapLimit, "limit", 20, "Maximum rows")
	snapshotPruneCmd.Flags().BoolVarP(&pruneYes, "yes", "y", false, "Skip confirmation")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotDiffCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
}
