package policy

import (
	"context"
	"testing"

	"github.com/stratoform/cartograph/pkg/model"
)

func TestMockStubMatching(t *testing.T) {
	mock := NewMock()
	mock.Stub(
		func(input map[string]any) bool { return input["action"] == "delete-bucket" },
		Result{OK: true, Violations: []model.PolicyViolation{{
			RuleID: "stub-deny", Severity: model.SeverityCritical, Action: model.ActionDeny, Message: "no",
		}}},
	)

	res := mock.Evaluate(context.Background(), map[string]any{"action": "delete-bucket"})
	if len(res.Violations) != 1 || res.Violations[0].RuleID != "stub-deny" {
		t.Fatalf("Expected stubbed denial, got %v", res.Violations)
	}

	res = mock.Evaluate(context.Background(), map[string]any{"action": "create-bucket"})
	if !res.OK || len(res.Violations) != 0 {
		t.Errorf("Expected unmatched input to pass, got %+v", res)
	}
}

func TestMockFirstMatchWins(t *testing.T) {
	mock := NewMock()
	mock.Stub(
		func(input map[string]any) bool { return true },
		Result{OK: true, Violations: []model.PolicyViolation{{RuleID: "first", Action: model.ActionWarn, Severity: model.SeverityLow}}},
	).Stub(
		func(input map[string]any) bool { return true },
		Result{OK: true, Violations: []model.PolicyViolation{{RuleID: "second", Action: model.ActionDeny, Severity: model.SeverityHigh}}},
	)

	res := mock.Evaluate(context.Background(), map[string]any{})
	if len(res.Violations) != 1 || res.Violations[0].RuleID != "first" {
		t.Errorf("Expected first registered stub to win, got %v", res.Violations)
	}
}

func TestMockRecordsInputs(t *testing.T) {
	mock := NewMock()
	mock.Evaluate(context.Background(), map[string]any{"action": "a"})
	mock.Evaluate(context.Background(), map[string]any{"action": "b"})

	inputs := mock.Inputs()
	if len(inputs) != 2 {
		t.Fatalf("Expected 2 recorded inputs, got %d", len(inputs))
	}
	if inputs[0]["action"] != "a" || inputs[1]["action"] != "b" {
		t.Errorf("Expected inputs in call order, got %v", inputs)
	}
}

func TestMockHealth(t *testing.T) {
	mock := NewMock()
	if !mock.HealthCheck(context.Background()) {
		t.Error("Expected new mock to be healthy")
	}
	mock.SetHealthy(false)
	if mock.HealthCheck(context.Background()) {
		t.Error("Expected scripted unhealthy state")
	}
}
