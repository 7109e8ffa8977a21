package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

var (
	historyEdge  bool
	historyLimit int

	changesTarget string
	changesTypes  []string
	changesSince  time.Duration
	changesLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show an entity's state across snapshots, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		if historyEdge {
			entries, err := eng.GetEdgeHistory(cmd.Context(), args[0], historyLimit)
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				printJSON(entries)
				return
			}
			if len(entries) == 0 {
				fmt.Println("[INFO] Edge appears in no snapshot.")
				return
			}
			for _, e := range entries {
				fmt.Printf("%s  %s  %s -[%s]-> %s  (%.2f)\n",
					e.SnapshotTimestamp.Format("2006-01-02 15:04:05"), e.SnapshotID,
					e.Edge.SourceID, e.Edge.Type, e.Edge.TargetID, e.Edge.Confidence)
			}
			return
		}

		entries, err := eng.GetNodeHistory(cmd.Context(), args[0], historyLimit)
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println("[INFO] Node appears in no snapshot.")
			return
		}
		for _, e := range entries {
			cost := "-"
			if e.Node.CostMonthly != nil {
				cost = fmt.Sprintf("$%.2f/mo", *e.Node.CostMonthly)
			}
			fmt.Printf("%s  %s  v%-3d %-10s %-28s %s\n",
				e.SnapshotTimestamp.Format("2006-01-02 15:04:05"), e.SnapshotID,
				e.Node.Version, e.Node.Status, truncate(e.Node.Name, 28), cost)
		}
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Read the append-only change feed",
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		f := store.ChangeFilter{TargetID: changesTarget, Limit: changesLimit}
		if changesSince > 0 {
			f.Since = time.Now().Add(-changesSince)
		}
		for _, t := range changesTypes {
			f.Types = append(f.Types, model.ChangeType(t))
		}

		list, err := eng.QueryChanges(cmd.Context(), f)
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(list)
			return
		}
		if len(list) == 0 {
			fmt.Println("[INFO] No changes match the filter.")
			return
		}
		for _, c := range list {
			fmt.Printf("%s  %-18s %s", c.DetectedAt.Format("2006-01-02 15:04:05"), c.Type, c.TargetID)
			if c.Field != "" {
				fmt.Printf("  %s: %v -> %v", c.Field, c.Previous, c.New)
			}
			if c.Source != "" {
				fmt.Printf("  [%s]", c.Source)
			}
			fmt.Println()
		}
	},
}

func init() {
	historyCmd.Flags().BoolVar(&historyEdge, "edge", false, "Treat the id as an edge id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries")

	changesCmd.Flags().StringVar(&changesTarget, "target", "", "Filter by node or edge id")
	changesCmd.Flags().StringSliceVar(&changesTypes, "type", nil, "Filter by change type (repeatable)")
	changesCmd.Flags().DurationVar(&changesSince, "since", 0, "Only changes newer than this age")
	changesCmd.Flags().IntVar(&changesLimit, "limit", 50, "Maximum records")
}
