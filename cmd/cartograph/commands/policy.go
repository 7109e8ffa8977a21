package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratoform/cartograph/pkg/engine/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the policy rule set",
}

var policyLintCmd = &cobra.Command{
	Use:   "lint [rules-file]",
	Short: "Parse and validate a policy rules file",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := cfg.Policy.RulesFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			exitErr(errors.New("no rules file given and none configured"))
		}

		rules, err := policy.LoadRules(path)
		if err != nil {
			exitErr(err)
		}
		if jsonOut {
			printJSON(rules)
			return
		}
		fmt.Printf("[SUCCESS] %s: %d rules OK.\n", path, len(rules))
		for _, r := range rules {
			kind := "condition"
			if r.Expression != "" {
				kind = "cel"
			}
			fmt.Printf("  %-28s %-8s %-18s (%s) %s\n", r.ID, r.Severity, r.Action, kind, r.Message)
		}
	},
}

var policyTestCmd = &cobra.Command{
	Use:   "test [rules-file]",
	Short: "Evaluate a change document against a rules file",
	Long: `Builds a change document from the request flags and runs it through the
local evaluator. No engine starts and nothing is persisted; only the rules
file is exercised. Exit code 1 when a deny rule matches.

Example:
  cartograph policy test rules.yaml --initiator ci --action terminate \
    --environment production`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := cfg.Policy.RulesFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			exitErr(errors.New("no rules file given and none configured"))
		}

		rules, err := policy.LoadRules(path)
		if err != nil {
			exitErr(err)
		}
		eval, err := policy.NewLocal(rules)
		if err != nil {
			exitErr(err)
		}

		res := eval.Evaluate(cmd.Context(), requestFromFlags().Document())
		if jsonOut {
			printJSON(res)
			if res.Denied() {
				os.Exit(1)
			}
			return
		}
		if len(res.Violations) == 0 {
			fmt.Println("[SUCCESS] No rule matched. Document would be allowed.")
			return
		}
		for _, v := range res.Violations {
			fmt.Printf("[POLICY] %-8s %-18s %s: %s\n", v.Severity, v.Action, v.RuleID, v.Message)
		}
		if res.Denied() {
			fmt.Println("\n[ERROR] Document would be denied.")
			os.Exit(1)
		}
		fmt.Println("\n[SUCCESS] Document would be allowed.")
	},
}

func init() {
	policyCmd.AddCommand(policyLintCmd)
	policyCmd.AddCommand(policyTestCmd)
	addRequestFlags(policyTestCmd)
}
