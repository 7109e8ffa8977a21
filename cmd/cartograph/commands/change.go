package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

var (
	reqInitiator     string
	reqInitiatorType string
	reqTarget        string
	reqAction        string
	reqEnvironment   string
	reqDangerous     bool
	reqParams        map[string]string
	reqResources     []string
	reqResourceNames []string

	approveApprover string
	approveComment  string
	approveReject   bool

	cancelActor  string
	cancelReason string

	listState       string
	listEnvironment string
	listInitiator   string
	listLimit       int

	showAudit bool
)

var changeCmd = &cobra.Command{
	Use:   "change",
	Short: "Move change requests through governance",
	Long: `Submits proposed infrastructure changes through risk scoring, policy
evaluation and approval chains. Nothing is applied until the request reaches
the approved state and 'change execute' runs.`,
}

var changeSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a change request",
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		out, err := eng.SubmitChange(cmd.Context(), requestFromFlags())
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(out)
			return
		}
		printRequest(out)
		switch out.State {
		case model.StateRejected:
			fmt.Println("\n[ERROR] Request rejected.")
		case model.StateAwaitingApproval:
			fmt.Printf("\n[INFO] Awaiting approval. Approve with: cartograph change approve %s --approver <name>\n", out.ID)
		case model.StateApproved:
			fmt.Printf("\n[SUCCESS] Approved. Execute with: cartograph change execute %s\n", out.ID)
		}
	},
}

var changeEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Dry-run a change request through risk and policy",
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		ev, err := eng.EvaluateChange(cmd.Context(), requestFromFlags())
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(ev)
			return
		}
		printRequest(ev.Request)
		if !ev.Policy.OK {
			fmt.Printf("\n[WARN] Policy backend unhealthy: %v\n", ev.Policy.Err)
		}
		if ev.Allowed {
			fmt.Println("\n[SUCCESS] Change would be allowed. Nothing was persisted.")
		} else {
			fmt.Println("\n[ERROR] Change would be denied. Nothing was persisted.")
		}
	},
}

var changeApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Record an approval decision",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		out, err := eng.SubmitApproval(cmd.Context(), args[0], approveApprover, !approveReject, approveComment)
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(out)
			return
		}
		verdict := "approved"
		if approveReject {
			verdict = "rejected"
		}
		fmt.Printf("[SUCCESS] Decision recorded: %s %s the request.\n", approveApprover, verdict)
		printRequest(out)
	},
}

var changeExecuteCmd = &cobra.Command{
	Use:   "execute <request-id>",
	Short: "Execute an approved request",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		out, err := eng.ExecuteChange(cmd.Context(), args[0])
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(out)
			return
		}
		fmt.Printf("[SUCCESS] Request %s executed.\n", out.ID)
	},
}

var changeCancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a pending request",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		out, err := eng.CancelChange(cmd.Context(), args[0], cancelActor, cancelReason)
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(out)
			return
		}
		fmt.Printf("[SUCCESS] Request %s cancelled.\n", out.ID)
	},
}

var changeShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show one request",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		out, err := eng.GetChangeRequest(cmd.Context(), args[0])
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(out)
			return
		}
		printRequest(out)
		if showAudit {
			fmt.Println("\nAudit trail:")
			for _, a := range out.Audit {
				fmt.Printf("  %s  %s -> %s  by %s",
					a.Timestamp.Format(time.RFC3339), a.FromState, a.ToState, a.Actor)
				if a.Reason != "" {
					fmt.Printf("  (%s)", a.Reason)
				}
				fmt.Println()
			}
		}
	},
}

var changeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests",
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		reqs, err := eng.ListChangeRequests(cmd.Context(), store.RequestFilter{
			State:       model.GovernanceState(listState),
			Environment: model.Environment(listEnvironment),
			Initiator:   listInitiator,
			Limit:       listLimit,
		})
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(reqs)
			return
		}
		if len(reqs) == 0 {
			fmt.Println("[INFO] No requests match the filter.")
			return
		}
		fmt.Printf("%-36s  %-18s  %-12s  %-16s  %-20s  %s\n",
			"ID", "STATE", "ENV", "INITIATOR", "ACTION", "UPDATED")
		for _, r := range reqs {
			fmt.Printf("%-36s  %-18s  %-12s  %-16s  %-20s  %s\n",
				r.ID, r.State, r.Environment, truncate(r.Initiator, 16),
				truncate(r.Action, 20), r.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
	},
}

var changeSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reject requests whose approval window expired",
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		defer eng.Close()

		ids, err := eng.SweepExpiredApprovals(cmd.Context())
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(ids)
			return
		}
		if len(ids) == 0 {
			fmt.Println("[INFO] Nothing expired.")
			return
		}
		for _, id := range ids {
			fmt.Printf("[WARN] Rejected expired request %s\n", id)
		}
	},
}

// requestFromFlags builds a pending request from the shared submit/evaluate
// flag set.
func requestFromFlags() *model.ChangeRequest {
	req := model.NewChangeRequest(reqInitiator, model.InitiatorType(reqInitiatorType), reqTarget, reqAction)
	req.Environment = model.Environment(reqEnvironment)
	req.Dangerous = reqDangerous
	if len(reqParams) > 0 {
		req.Params = make(map[string]any, len(reqParams))
		for k, v := range reqParams {
			req.Params[k] = v
		}
	}
	req.ResourceIDs = reqResources
	req.ResourceNames = reqResourceNames
	return req
}

func printRequest(r *model.ChangeRequest) {
	fmt.Printf("Request %s\n", r.ID)
	fmt.Printf("  Action:      %s on %s\n", r.Action, r.TargetID)
	fmt.Printf("  Initiator:   %s (%s)\n", r.Initiator, r.InitiatorType)
	fmt.Printf("  Environment: %s\n", r.Environment)
	fmt.Printf("  State:       %s\n", r.State)
	if r.Risk != nil {
		fmt.Printf("  Risk:        %.1f (%s)\n", r.Risk.Score, r.Risk.Level)
		for _, f := range r.Risk.Factors {
			fmt.Printf("    - %-24s %5.1f x %.2f  %s\n", f.Name, f.Score, f.Weight, f.Reason)
		}
	}
	for _, v := range r.Violations {
		fmt.Printf("  [POLICY] %-8s %-18s %s: %s\n", v.Severity, v.Action, v.RuleID, v.Message)
	}
	if r.Chain != nil {
		fmt.Printf("  Approval chain (%s):\n", r.Chain.Mode)
		for _, s := range r.Chain.Steps {
			state := "pending"
			if s.Rejected() {
				state = "rejected"
			} else if s.Satisfied() {
				state = "satisfied"
			}
			approvals := 0
			for _, d := range s.Decisions {
				if d.Approved {
					approvals++
				}
			}
			fmt.Printf("    %-20s %s (%d/%d approvals)\n", s.Name, state, approvals, s.RequiredApprovals)
		}
	}
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&reqInitiator, "initiator", "", "Who proposes the change")
	cmd.Flags().StringVar(&reqInitiatorType, "initiator-type", string(model.InitiatorHuman), "human, agent or system")
	cmd.Flags().StringVar(&reqTarget, "target", "", "Target node id")
	cmd.Flags().StringVar(&reqAction, "action", "", "Action verb, e.g. terminate, resize, reconfigure")
	cmd.Flags().StringVar(&reqEnvironment, "environment", string(model.EnvDevelopment), "development, staging, production or disaster-recovery")
	cmd.Flags().BoolVar(&reqDangerous, "dangerous", false, "Mark the action as destructive")
	cmd.Flags().StringToStringVar(&reqParams, "param", nil, "Action parameter key=value (repeatable)")
	cmd.Flags().StringSliceVar(&reqResources, "resource", nil, "Affected resource id (repeatable)")
	cmd.Flags().StringSliceVar(&reqResourceNames, "resource-name", nil, "Affected resource name (repeatable)")
	cmd.MarkFlagRequired("initiator")
	cmd.MarkFlagRequired("action")
}

func init() {
	addRequestFlags(changeSubmitCmd)
	addRequestFlags(changeEvaluateCmd)

	changeApproveCmd.Flags().StringVar(&approveApprover, "approver", "", "Who decides")
	changeApproveCmd.Flags().StringVar(&approveComment, "comment", "", "Decision comment")
	changeApproveCmd.Flags().BoolVar(&approveReject, "reject", false, "Record a rejection instead")
	changeApproveCmd.MarkFlagRequired("approver")

	changeCancelCmd.Flags().StringVar(&cancelActor, "actor", "", "Who cancels")
	changeCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Why")
	changeCancelCmd.MarkFlagRequired("actor")

	changeListCmd.Flags().StringVar(&listState, "state", "", "Filter by governance state")
	changeListCmd.Flags().StringVar(&listEnvironment, "environment", "", "Filter by environment")
	changeListCmd.Flags().StringVar(&listInitiator, "initiator", "", "Filter by initiator")
	changeListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum rows")

	changeShowCmd.Flags().BoolVar(&showAudit, "audit", false, "Include the audit trail")

	changeCmd.AddCommand(changeSubmitCmd)
	changeCmd.AddCommand(changeEvaluateCmd)
	changeCmd.AddCommand(changeApproveCmd)
	changeCmd.AddCommand(changeExecuteCmd)
	changeCmd.AddCommand(changeCancelCmd)
	changeCmd.AddCommand(changeShowCmd)
	changeCmd.AddCommand(changeListCmd)
	changeCmd.AddCommand(changeSweepCmd)
}
