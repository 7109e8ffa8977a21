package policy

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"github.com/stratoform/cartograph/pkg/model"
)

// celSet compiles and runs the expression rules of a local evaluator. The
// environment declares the change-request document's top-level fields as
// typed variables.
type celSet struct {
	env      *cel.Env
	programs map[string]cel.Program
}

func newCELSet() (*celSet, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("id", decls.String),
			decls.NewVar("initiator", decls.String),
			decls.NewVar("initiatorType", decls.String),
			decls.NewVar("targetId", decls.String),
			decls.NewVar("action", decls.String),
			decls.NewVar("dangerous", decls.Bool),
			decls.NewVar("environment", decls.String),
			decls.NewVar("state", decls.String),
			decls.NewVar("params", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("resourceIds", decls.NewListType(decls.String)),
			decls.NewVar("resourceNames", decls.NewListType(decls.String)),
			decls.NewVar("risk", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "cel-env", err, "building expression environment")
	}
	return &celSet{env: env, programs: make(map[string]cel.Program)}, nil
}

// compile builds the program for one rule expression.
func (s *celSet) compile(ruleID, expression string) error {
	ast, issues := s.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return model.WrapError(model.KindInvalidInput, "cel-compile", issues.Err(), "rule %s", ruleID)
	}
	prg, err := s.env.Program(ast)
	if err != nil {
		return model.WrapError(model.KindInvalidInput, "cel-program", err, "rule %s", ruleID)
	}
	s.programs[ruleID] = prg
	return nil
}

// eval runs one compiled rule. Rules must produce a boolean; anything else
// reads as no-match.
func (s *celSet) eval(ruleID string, vars map[string]any) (bool, error) {
	prg, ok := s.programs[ruleID]
	if !ok {
		return false, model.NewError(model.KindInvalidInput, "cel-unknown-rule", "rule %s has no compiled program", ruleID)
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, model.WrapError(model.KindPermanent, "cel-eval", err, "rule %s", ruleID)
	}
	match, ok := out.Value().(bool)
	return ok && match, nil
}

// celVars fills the declared variables a document omits, so expressions
// referencing params or resourceNames do not error on sparse requests.
func celVars(doc map[string]any) map[string]any {
	vars := make(map[string]any, len(doc)+4)
	for k, v := range doc {
		vars[k] = v
	}
	if _, ok := vars["params"]; !ok {
		vars["params"] = map[string]any{}
	}
	if _, ok := vars["risk"]; !ok {
		vars["risk"] = map[string]any{}
	}
	if _, ok := vars["resourceIds"]; !ok {
		vars["resourceIds"] = []string{}
	}
	if _, ok := vars["resourceNames"]; !ok {
		vars["resourceNames"] = []string{}
	}
	return vars
}
