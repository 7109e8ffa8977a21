package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoform/cartograph/pkg/engine/policy"
	"github.com/stratoform/cartograph/pkg/engine/risk"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(at time.Time) *testClock { return &testClock{t: at} }

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type scriptedApplier struct {
	mu      sync.Mutex
	calls   int
	last    *model.ChangeRequest
	outcome ApplyOutcome
	err     error
}

func (a *scriptedApplier) apply(_ context.Context, req *model.ChangeRequest) (ApplyOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.last = req
	return a.outcome, a.err
}

func (a *scriptedApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *scriptedApplier) set(outcome ApplyOutcome, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcome, a.err = outcome, err
}

// newGovernor wires a governor over a fresh memory store with the default
// risk tables and a Saturday 03:00 UTC clock, clear of the blackout window.
func newGovernor(t *testing.T, eval policy.Evaluator, opts ...Option) (*Governor, *store.Memory, *scriptedApplier, *testClock) {
	t.Helper()
	st := store.NewMemory()
	clock := newTestClock(time.Date(2026, 4, 4, 3, 0, 0, 0, time.UTC))
	applier := &scriptedApplier{outcome: ApplyOutcome{Executed: true}}
	if eval == nil {
		eval = policy.NewMock()
	}
	base := []Option{WithApplier(applier.apply), WithClock(clock.now)}
	gov := New(st, risk.New(risk.DefaultConfig()), eval, append(base, opts...)...)
	return gov, st, applier, clock
}

func devAudit() *model.ChangeRequest {
	req := model.NewChangeRequest("alice", model.InitiatorHuman, "node-1", "audit")
	req.Environment = model.EnvDevelopment
	return req
}

func prodBackup() *model.ChangeRequest {
	req := model.NewChangeRequest("alice", model.InitiatorHuman, "node-1", "backup")
	req.Environment = model.EnvProduction
	return req
}

func prodDelete() *model.ChangeRequest {
	req := model.NewChangeRequest("alice", model.InitiatorHuman, "node-1", "delete")
	req.Environment = model.EnvProduction
	req.Dangerous = true
	return req
}

func auditStates(req *model.ChangeRequest) []model.GovernanceState {
	out := make([]model.GovernanceState, 0, len(req.Audit))
	for _, e := range req.Audit {
		out = append(out, e.ToState)
	}
	return out
}

func denyProdDeletes(t *testing.T) *policy.Local {
	t.Helper()
	local, err := policy.NewLocal([]policy.Rule{{
		ID:       "no-prod-delete",
		Severity: model.SeverityCritical,
		Action:   model.ActionDeny,
		Message:  "cannot {{action}} in {{environment}}",
		Condition: &policy.Condition{Op: policy.OpAnd, Conditions: []*policy.Condition{
			{Op: policy.OpEquals, Field: "environment", Value: "production"},
			{Op: policy.OpContains, Field: "action", Value: "delete"},
		}},
	}})
	require.NoError(t, err)
	return local
}

func TestSubmit_AutoApprovedAndExecuted(t *testing.T) {
	gov, st, applier, _ := newGovernor(t, nil)
	applier.set(ApplyOutcome{
		Executed: true,
		ObservedChanges: []model.FieldChange{
			{Field: "status", Previous: "running", New: "stopped"},
		},
	}, nil)

	req, err := gov.Submit(context.Background(), devAudit())
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuted, req.State)
	require.NotNil(t, req.Risk)
	assert.Equal(t, model.RiskMinimal, req.Risk.Level)
	assert.False(t, req.Risk.RequiresApproval)
	assert.Empty(t, req.Violations)
	assert.Nil(t, req.Chain)
	assert.Equal(t, 1, applier.count())

	assert.Equal(t, []model.GovernanceState{
		model.StateRiskAssessed,
		model.StatePolicyEvaluated,
		model.StateApproved,
		model.StateExecuted,
	}, auditStates(req))
	for i, e := range req.Audit {
		if i == 0 {
			assert.Equal(t, model.StatePending, e.FromState)
		} else {
			assert.Equal(t, req.Audit[i-1].ToState, e.FromState)
		}
	}

	stored, err := st.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuted, stored.State)

	changes, err := st.QueryChanges(context.Background(), store.ChangeFilter{TargetID: req.TargetID})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeNodeUpdated, changes[0].Type)
	assert.Equal(t, "status", changes[0].Field)
	assert.Equal(t, req.ID, changes[0].CorrelationID)
	assert.Equal(t, "governance", changes[0].Source)
	assert.Equal(t, model.InitiatorHuman, changes[0].Initiator)
}

func TestSubmit_PolicyDenyRejects(t *testing.T) {
	gov, _, applier, _ := newGovernor(t, denyProdDeletes(t))

	req, err := gov.Submit(context.Background(), prodDelete())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindPolicyDeny))
	assert.Equal(t, model.StateRejected, req.State)
	require.Len(t, req.Violations, 1)
	assert.Equal(t, "no-prod-delete", req.Violations[0].RuleID)
	assert.Equal(t, "cannot delete in production", req.Violations[0].Message)
	assert.Zero(t, applier.count())

	assert.Equal(t, []model.GovernanceState{
		model.StateRiskAssessed,
		model.StatePolicyEvaluated,
		model.StateRejected,
	}, auditStates(req))
	assert.Contains(t, req.Audit[len(req.Audit)-1].Reason, "no-prod-delete")
}

func TestSubmit_RoutesToApprovalChain(t *testing.T) {
	gov, _, applier, clock := newGovernor(t, nil)

	req, err := gov.Submit(context.Background(), prodBackup())
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingApproval, req.State)
	assert.Equal(t, model.RiskMedium, req.Risk.Level)
	assert.True(t, req.Risk.RequiresApproval)
	assert.Zero(t, applier.count())

	require.NotNil(t, req.Chain)
	assert.Equal(t, "prod-standard", req.Chain.TemplateID)
	require.Len(t, req.Chain.Steps, 1)
	assert.Equal(t, "platform-oncall", req.Chain.Steps[0].Name)
	assert.Equal(t, clock.now().UTC(), req.Chain.Steps[0].StartedAt)

	got, err := gov.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingApproval, got.State)
}

func TestSubmit_DangerousProdUsesCriticalChain(t *testing.T) {
	gov, _, _, _ := newGovernor(t, nil)

	req, err := gov.Submit(context.Background(), prodDelete())
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingApproval, req.State)
	assert.Equal(t, model.RiskCritical, req.Risk.Level)

	require.NotNil(t, req.Chain)
	assert.Equal(t, "prod-critical", req.Chain.TemplateID)
	require.Len(t, req.Chain.Steps, 2)
	assert.False(t, req.Chain.Steps[0].StartedAt.IsZero())
	assert.True(t, req.Chain.Steps[1].StartedAt.IsZero(), "sequential chains activate one step at a time")
}

func TestApprovalFlow_SequentialChain(t *testing.T) {
	gov, _, applier, clock := newGovernor(t, nil)

	req, err := gov.Submit(context.Background(), prodDelete())
	require.NoError(t, err)
	require.Equal(t, model.StateAwaitingApproval, req.State)

	clock.advance(30 * time.Minute)
	req, err = gov.SubmitApproval(context.Background(), req.ID, "oncall-ann", true, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingApproval, req.State)
	assert.True(t, req.Chain.Steps[0].Satisfied())
	assert.Equal(t, clock.now().UTC(), req.Chain.Steps[1].StartedAt)
	assert.Zero(t, applier.count())

	clock.advance(time.Hour)
	req, err = gov.SubmitApproval(context.Background(), req.ID, "lead-bo", true, "")
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuted, req.State)
	assert.Equal(t, 1, applier.count())

	states := auditStates(req)
	assert.Equal(t, model.StateExecuted, states[len(states)-1])
	assert.Equal(t, model.StateApproved, states[len(states)-2])
	approvedEntry := req.Audit[len(req.Audit)-2]
	assert.Equal(t, "lead-bo", approvedEntry.Actor)
}

func TestSubmitApproval_RejectionFailsChain(t *testing.T) {
	gov, _, applier, _ := newGovernor(t, nil)

	req, err := gov.Submit(context.Background(), prodBackup())
	require.NoError(t, err)

	req, err = gov.SubmitApproval(context.Background(), req.ID, "oncall-ann", false, "too close to launch")
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, req.State)
	assert.Zero(t, applier.count())
	assert.Contains(t, req.Audit[len(req.Audit)-1].Reason, "rejected by oncall-ann")

	decisions := req.Chain.Steps[0].Decisions
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Approved)
	assert.Equal(t, "too close to launch", decisions[0].Comment)
}

func TestSubmitApproval_Validation(t *testing.T) {
	gov, _, _, _ := newGovernor(t, nil)

	_, err := gov.SubmitApproval(context.Background(), "", "ann", true, "")
	assert.True(t, model.IsKind(err, model.KindInvalidInput))

	_, err = gov.SubmitApproval(context.Background(), "nope", "ann", true, "")
	assert.True(t, model.IsNotFound(err))

	executed, err := gov.Submit(context.Background(), devAudit())
	require.NoError(t, err)
	require.Equal(t, model.StateExecuted, executed.State)
	_, err = gov.SubmitApproval(context.Background(), executed.ID, "ann", true, "")
	assert.True(t, model.IsKind(err, model.KindConflict))
}

func TestSubmitApproval_ApproverRules(t *testing.T) {
	templates := []ChainTemplate{{
		ID:           "named-approvers",
		Environment:  model.EnvProduction,
		MinRiskLevel: model.RiskMinimal,
		Mode:         model.ApprovalSequential,
		Steps: []StepTemplate{
			{Name: "peers", RequiredApprovals: 2, Approvers: []string{"ann", "bo"}},
		},
	}}
	gov, _, applier, _ := newGovernor(t, nil, WithTemplates(templates))

	req, err := gov.Submit(context.Background(), prodBackup())
	require.NoError(t, err)
	require.Equal(t, model.StateAwaitingApproval, req.State)

	_, err = gov.SubmitApproval(context.Background(), req.ID, "mallory", true, "")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidInput))
	assert.Equal(t, "not-an-approver", model.CodeOf(err))

	req, err = gov.SubmitApproval(context.Background(), req.ID, "ann", true, "")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingApproval, req.State, "one of two required approvals")

	_, err = gov.SubmitApproval(context.Background(), req.ID, "ann", true, "")
	require.Error(t, err)
	assert.Equal(t, "already-decided", model.CodeOf(err))

	req, err = gov.SubmitApproval(context.Background(), req.ID, "bo", true, "")
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuted, req.State)
	assert.Equal(t, 1, applier.count())
}

func TestCancel(t *testing.T) {
	gov, _, _, _ := newGovernor(t, nil)

	req, err := gov.Submit(context.Background(), prodBackup())
	require.NoError(t, err)

	req, err = gov.Cancel(context.Background(), req.ID, "alice", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, req.State)
	last := req.Audit[len(req.Audit)-1]
	assert.Equal(t, "alice", last.Actor)
	assert.Equal(t, "changed my mind", last.Reason)

	_, err = gov.Cancel(context.Background(), req.ID, "alice", "")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindConflict))

	executed, err := gov.Submit(context.Background(), devAudit())
	require.NoError(t, err)
	_, err = gov.Cancel(context.Background(), executed.ID, "alice", "")
	assert.True(t, model.IsKind(err, model.KindConflict))
}

func TestSubmit_DuplicateRejected(t *testing.T) {
	gov, _, _, _ := newGovernor(t, nil)

	req := devAudit()
	_, err := gov.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = gov.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "request-exists", model.CodeOf(err))
}

func TestSubmit_Validation(t *testing.T) {
	gov, _, _, _ := newGovernor(t, nil)

	tests := []struct {
		name   string
		mutate func(r *model.ChangeRequest)
	}{
		{"missing id", func(r *model.ChangeRequest) { r.ID = "" }},
		{"missing initiator", func(r *model.ChangeRequest) { r.Initiator = "" }},
		{"missing target", func(r *model.ChangeRequest) { r.TargetID = "" }},
		{"missing action", func(r *model.ChangeRequest) { r.Action = "" }},
		{"wrong state", func(r *model.ChangeRequest) { r.State = model.StateApproved }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := devAudit()
			tt.mutate(req)
			_, err := gov.Submit(context.Background(), req)
			require.Error(t, err)
			assert.True(t, model.IsKind(err, model.KindInvalidInput))
		})
	}

	_, err := gov.Submit(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidInput))
}

func TestSubmit_PolicyBackendOpenProceeds(t *testing.T) {
	mock := policy.NewMock()
	mock.Stub(func(map[string]any) bool { return true }, policy.Result{
		OK:  false,
		Err: model.NewError(model.KindTransient, "policy-transport", "connection refused"),
	})
	gov, _, applier, _ := newGovernor(t, mock)

	req, err := gov.Submit(context.Background(), devAudit())
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuted, req.State)
	assert.Empty(t, req.Violations)
	assert.Equal(t, 1, applier.count())
}

func TestSubmit_PolicyFailClosedRejects(t *testing.T) {
	mock := policy.NewMock()
	mock.Stub(func(map[string]any) bool { return true }, policy.Result{
		OK: false,
		Violations: []model.PolicyViolation{{
			RuleID:   "policy-backend-unavailable",
			Severity: model.SeverityCritical,
			Action:   model.ActionDeny,
			Message:  "policy backend unreachable, failing closed",
		}},
		Err: model.NewError(model.KindTransient, "policy-transport", "connection refused"),
	})
	gov, _, applier, _ := newGovernor(t, mock)

	req, err := gov.Submit(context.Background(), devAudit())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindPolicyDeny))
	assert.Equal(t, model.StateRejected, req.State)
	assert.Zero(t, applier.count())
	assert.Contains(t, req.Audit[len(req.Audit)-1].Reason, "policy-backend-unavailable")
}

type panickyAssessor struct{}

func (panickyAssessor) Assess(*model.ChangeRequest, time.Time) *model.RiskAssessment {
	panic("scoring table corrupted")
}

func TestSubmit_RiskPanicRejects(t *testing.T) {
	st := store.NewMemory()
	gov := New(st, panickyAssessor{}, policy.NewMock(),
		WithClock(newTestClock(time.Date(2026, 4, 4, 3, 0, 0, 0, time.UTC)).now))

	req, err := gov.Submit(context.Background(), devAudit())
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, req.State)
	require.Len(t, req.Audit, 1)
	assert.Equal(t, model.StatePending, req.Audit[0].FromState)
	assert.Contains(t, req.Audit[0].Reason, "risk assessment failed")
}

func TestExecute_ManualMode(t *testing.T) {
	gov, _, applier, _ := newGovernor(t, nil, WithAutoExecute(false))

	req, err := gov.Submit(context.Background(), devAudit())
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, req.State)
	assert.Zero(t, applier.count())

	req, err = gov.Execute(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuted, req.State)
	assert.Equal(t, 1, applier.count())

	_, err = gov.Execute(context.Background(), req.ID)
	require.Error(t, err)
	assert.Equal(t, "not-approved", model.CodeOf(err))
}

func TestExecute_ApplierErrorKeepsApproved(t *testing.T) {
	gov, _, applier, _ := newGovernor(t, nil, WithAutoExecute(false))
	applier.set(ApplyOutcome{}, model.NewError(model.KindTransient, "api-timeout", "cloud API timed out"))

	req, err := gov.Submit(context.Background(), devAudit())
	require.NoError(t, err)
	require.Equal(t, model.StateApproved, req.State)

	_, err = gov.Execute(context.Background(), req.ID)
	require.Error(t, err)
	assert.True(t, model.Retryable(err))

	got, err := gov.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, got.State, "failed execution stays retryable")

	applier.set(ApplyOutcome{Executed: true}, nil)
	req, err = gov.Execute(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuted, req.State)
}

func TestSweepExpired(t *testing.T) {
	mock := policy.NewMock()
	mock.Stub(func(input map[string]any) bool { return input["action"] == "scale" }, policy.Result{
		OK: true,
		Violations: []model.PolicyViolation{{
			RuleID: "scale-review", Severity: model.SeverityMedium,
			Action: model.ActionRequireApproval, Message: "scaling needs a second pair of eyes",
		}},
	})
	gov, _, _, clock := newGovernor(t, mock)

	timed, err := gov.Submit(context.Background(), prodBackup())
	require.NoError(t, err)
	require.Equal(t, model.StateAwaitingApproval, timed.State)
	require.Equal(t, 24*time.Hour, timed.Chain.Steps[0].Timeout)

	// Policy forces approval on a request no template covers, so it lands
	// on the fallback chain, which has no timeout.
	unbounded := model.NewChangeRequest("carol", model.InitiatorHuman, "node-2", "scale")
	unbounded.Environment = model.EnvStaging
	unbounded, err = gov.Submit(context.Background(), unbounded)
	require.NoError(t, err)
	require.Equal(t, model.StateAwaitingApproval, unbounded.State)
	assert.Equal(t, "default-approval", unbounded.Chain.TemplateID)
	assert.Zero(t, unbounded.Chain.Steps[0].Timeout)

	clock.advance(25 * time.Hour)
	swept, err := gov.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{timed.ID}, swept)

	got, err := gov.Get(context.Background(), timed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, got.State)
	assert.Contains(t, got.Audit[len(got.Audit)-1].Reason, "timed out")

	still, err := gov.Get(context.Background(), unbounded.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingApproval, still.State)

	again, err := gov.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestConcurrentApprovals_Serialized(t *testing.T) {
	templates := []ChainTemplate{{
		ID:           "two-of-anyone",
		Environment:  model.EnvProduction,
		MinRiskLevel: model.RiskMinimal,
		Mode:         model.ApprovalParallel,
		Steps: []StepTemplate{
			{Name: "peers", RequiredApprovals: 2},
		},
	}}
	gov, _, applier, _ := newGovernor(t, nil, WithTemplates(templates))

	req, err := gov.Submit(context.Background(), prodBackup())
	require.NoError(t, err)
	require.Equal(t, model.StateAwaitingApproval, req.State)

	var wg sync.WaitGroup
	for _, approver := range []string{"ann", "bo"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			_, err := gov.SubmitApproval(context.Background(), req.ID, who, true, "")
			assert.NoError(t, err)
		}(approver)
	}
	wg.Wait()

	got, err := gov.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuted, got.State)
	assert.Len(t, got.Chain.Steps[0].Decisions, 2)
	assert.Equal(t, 1, applier.count())
}

func TestRedaction_AuditAndChangeRecords(t *testing.T) {
	mock := policy.NewMock()
	gov, st, applier, _ := newGovernor(t, mock)
	applier.set(ApplyOutcome{
		Executed: true,
		ObservedChanges: []model.FieldChange{
			{Field: "metadata.dbPassword", Previous: "hunter2", New: "hunter3"},
			{Field: "status", Previous: "running", New: "stopped"},
		},
	}, nil)

	req := devAudit()
	req.Params = map[string]any{
		"dbPassword":   "hunter2",
		"instanceType": "m5.large",
		"nested":       map[string]any{"apiToken": "t0k3n"},
	}
	req, err := gov.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.StateExecuted, req.State)

	// The policy backend sees raw parameters; redaction is a persistence
	// concern, not an evaluation one.
	inputs := mock.Inputs()
	require.Len(t, inputs, 1)
	params := inputs[0]["params"].(map[string]any)
	assert.Equal(t, "hunter2", params["dbPassword"])

	stored, err := st.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", stored.Params["dbPassword"], "request params stay usable for re-evaluation")

	executedEntry := stored.Audit[len(stored.Audit)-1]
	require.Equal(t, model.StateExecuted, executedEntry.ToState)
	auditParams := executedEntry.Details["params"].(map[string]any)
	assert.Equal(t, model.Redacted, auditParams["dbPassword"])
	assert.Equal(t, "m5.large", auditParams["instanceType"])
	nested := auditParams["nested"].(map[string]any)
	assert.Equal(t, model.Redacted, nested["apiToken"])

	changes, err := st.QueryChanges(context.Background(), store.ChangeFilter{TargetID: req.TargetID})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	byField := map[string]model.Change{}
	for _, c := range changes {
		byField[c.Field] = c
	}
	secret := byField["metadata.dbPassword"]
	assert.Equal(t, model.Redacted, secret.Previous)
	assert.Equal(t, model.Redacted, secret.New)
	plain := byField["status"]
	assert.Equal(t, "running", plain.Previous)
	assert.Equal(t, "stopped", plain.New)
}

func TestSelectTemplate(t *testing.T) {
	defaults := DefaultTemplates()

	tests := []struct {
		name  string
		env   model.Environment
		level model.RiskLevel
		want  string
	}{
		{"prod critical", model.EnvProduction, model.RiskCritical, "prod-critical"},
		{"prod high", model.EnvProduction, model.RiskHigh, "prod-critical"},
		{"prod medium", model.EnvProduction, model.RiskMedium, "prod-standard"},
		{"prod minimal", model.EnvProduction, model.RiskMinimal, "prod-standard"},
		{"staging high", model.EnvStaging, model.RiskHigh, "staging-high"},
		{"staging medium", model.EnvStaging, model.RiskMedium, ""},
		{"development critical", model.EnvDevelopment, model.RiskCritical, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectTemplate(defaults, tt.env, tt.level)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	// An environment-specific template wins over a catch-all at the same
	// risk level.
	mixed := []ChainTemplate{
		{ID: "catch-all", MinRiskLevel: model.RiskHigh, Mode: model.ApprovalSequential,
			Steps: []StepTemplate{{Name: "anyone", RequiredApprovals: 1}}},
		{ID: "prod-specific", Environment: model.EnvProduction, MinRiskLevel: model.RiskHigh,
			Mode: model.ApprovalSequential, Steps: []StepTemplate{{Name: "oncall", RequiredApprovals: 1}}},
	}
	got := selectTemplate(mixed, model.EnvProduction, model.RiskCritical)
	require.NotNil(t, got)
	assert.Equal(t, "prod-specific", got.ID)

	got = selectTemplate(mixed, model.EnvStaging, model.RiskCritical)
	require.NotNil(t, got)
	assert.Equal(t, "catch-all", got.ID)
}
