package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

var (
	topoProvider string
	topoType     string
	topoStatus   string
	topoAccounts []string
	topoRegions  []string
	topoName     string

	neighborDepth int
	neighborDir   string
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Query the live graph",
	Long: `Lists the nodes matching the filter plus every edge whose endpoints both
match. Use --json for the full document.

Example:
  cartograph topology --provider aws --status running
  cartograph topology --name '^prod-' --json`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		topo, err := eng.GetTopology(cmd.Context(), store.NodeFilter{
			Provider:     topoProvider,
			ResourceType: topoType,
			Status:       model.Status(topoStatus),
			Accounts:     topoAccounts,
			Regions:      topoRegions,
			NameRegex:    topoName,
		})
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(topo)
			return
		}

		if len(topo.Nodes) == 0 {
			fmt.Println("[INFO] No nodes match the filter.")
			return
		}
		fmt.Printf("%-16s  %-10s  %-18s  %-28s  %-10s  %-12s  %s\n",
			"ID", "PROVIDER", "TYPE", "NAME", "STATUS", "REGION", "COST/MO")
		for _, n := range topo.Nodes {
			cost := "-"
			if n.CostMonthly != nil {
				cost = fmt.Sprintf("%.2f", *n.CostMonthly)
			}
			fmt.Printf("%-16s  %-10s  %-18s  %-28s  %-10s  %-12s  %s\n",
				n.ID, n.Provider, n.ResourceType, truncate(n.Name, 28), n.Status, n.Region, cost)
		}
		fmt.Printf("\n%d nodes, %d edges.\n", len(topo.Nodes), len(topo.Edges))
	},
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors <node-id>",
	Short: "Walk a node's neighborhood",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		nb, err := eng.GetNeighbors(cmd.Context(), args[0], neighborDepth, store.Direction(neighborDir))
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(nb)
			return
		}

		for _, n := range nb.Nodes {
			fmt.Printf("  %s  %-18s %q (%s)\n", n.ID, n.ResourceType, n.Name, n.Status)
		}
		for _, e := range nb.Edges {
			fmt.Printf("  %s -[%s]-> %s  (%.2f, %s)\n",
				e.SourceID, e.Type, e.TargetID, e.Confidence, e.DiscoveredVia)
		}
		fmt.Printf("\n%d nodes, %d edges within depth %d.\n", len(nb.Nodes), len(nb.Edges), neighborDepth)
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	topologyCmd.Flags().StringVar(&topoProvider, "provider", "", "Filter by provider")
	topologyCmd.Flags().StringVar(&topoType, "type", "", "Filter by resource type")
	topologyCmd.Flags().StringVar(&topoStatus, "status", "", "Filter by status")
	topologyCmd.Flags().StringSliceVar(&topoAccounts, "account", nil, "Filter by account (repeatable)")
	topologyCmd.Flags().StringSliceVar(&topoRegions, "region", nil, "Filter by region (repeatable)")
	topologyCmd.Flags().StringVar(&topoName, "name", "", "Filter by name regex")

	neighborsCmd.Flags().IntVar(&neighborDepth, "depth", 1, "Traversal depth")
	neighborsCmd.Flags().StringVar(&neighborDir, "direction", "both", "Edge direction: in, out, both")
}
