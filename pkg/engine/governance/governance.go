// Package governance gates proposed infrastructure mutations. A submitted
// change request moves through risk assessment, policy evaluation and an
// optional approval chain before an applier executes it; every transition
// appends an audit entry and persists through the governance store.
// Transitions for one request are serialized by a per-request lock, so
// concurrent approval submissions cannot race the state machine.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratoform/cartograph/pkg/engine/policy"
	"github.com/stratoform/cartograph/pkg/metrics"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

// Assessor scores a change request. The risk engine satisfies it.
type Assessor interface {
	Assess(r *model.ChangeRequest, at time.Time) *model.RiskAssessment
}

// ApplyOutcome is what an applier reports back after touching real
// infrastructure.
type ApplyOutcome struct {
	Executed        bool
	ObservedChanges []model.FieldChange
}

// Applier executes an approved request. Errors keep the request in the
// approved state so execution can be retried.
type Applier func(ctx context.Context, req *model.ChangeRequest) (ApplyOutcome, error)

// Governor drives the change-request state machine.
type Governor struct {
	store       store.Store
	risk        Assessor
	policy      policy.Evaluator
	applier     Applier
	templates   []ChainTemplate
	autoExecute bool
	metrics     *metrics.Set
	now         func() time.Time
	tracer      trace.Tracer
	locks       *requestLocks
}

// Option customizes a Governor.
type Option func(*Governor)

// WithApplier wires the execution backend.
func WithApplier(a Applier) Option {
	return func(g *Governor) { g.applier = a }
}

// WithTemplates replaces the approval-chain template table.
func WithTemplates(ts []ChainTemplate) Option {
	return func(g *Governor) { g.templates = ts }
}

// WithMetrics attaches a collector set.
func WithMetrics(m *metrics.Set) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithAutoExecute controls whether approval triggers execution inline.
// Enabled by default; disable it to stage execution through Execute.
func WithAutoExecute(enabled bool) Option {
	return func(g *Governor) { g.autoExecute = enabled }
}

// New builds a governor over the given store, risk assessor and policy
// evaluator.
func New(st store.Store, assessor Assessor, eval policy.Evaluator, opts ...Option) *Governor {
	g := &Governor{
		store:       st,
		risk:        assessor,
		policy:      eval,
		templates:   DefaultTemplates(),
		autoExecute: true,
		now:         time.Now,
		tracer:      otel.Tracer("cartograph/governance"),
		locks:       newRequestLocks(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit runs the gate end to end: persist, assess risk, evaluate policy,
// then route to an approval chain or straight through to execution. The
// returned request reflects the final state; a policy denial additionally
// returns a PolicyDeny error alongside it.
func (g *Governor) Submit(ctx context.Context, req *model.ChangeRequest) (*model.ChangeRequest, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx, span := g.tracer.Start(ctx, "governance.Submit", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.action", req.Action),
		attribute.String("request.environment", string(req.Environment)),
	))
	defer span.End()

	g.locks.lock(req.ID)
	defer g.locks.unlock(req.ID)

	if _, err := g.store.GetRequest(ctx, req.ID); err == nil {
		return nil, model.NewError(model.KindConflict, "request-exists", "change request %s already submitted", req.ID)
	} else if !model.IsNotFound(err) {
		return nil, err
	}

	req = req.Clone()
	if err := g.store.PutRequest(ctx, req); err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.RequestsSubmitted.Inc()
	}
	slog.Info("Change request submitted",
		"request", req.ID, "initiator", req.Initiator, "action", req.Action,
		"target", req.TargetID, "environment", string(req.Environment))

	assessment, err := g.assess(req)
	if err != nil {
		slog.Error("Risk assessment failed", "request", req.ID, "error", err)
		if terr := g.transition(ctx, req, "system", model.StateRejected,
			fmt.Sprintf("risk assessment failed: %v", err), nil); terr != nil {
			return nil, terr
		}
		return req, nil
	}
	req.Risk = assessment
	if err := g.transition(ctx, req, "system", model.StateRiskAssessed,
		fmt.Sprintf("risk level %s, score %.0f", assessment.Level, assessment.Score), nil); err != nil {
		return nil, err
	}

	res := g.evaluate(ctx, req)
	req.Violations = res.Violations
	if !res.OK && !res.Denied() {
		slog.Warn("Policy backend unavailable, proceeding open", "request", req.ID, "error", res.Err)
	}
	if err := g.transition(ctx, req, "system", model.StatePolicyEvaluated,
		fmt.Sprintf("%d violations", len(res.Violations)), nil); err != nil {
		return nil, err
	}

	if res.Denied() {
		reason := denialReason(res.Violations)
		if err := g.transition(ctx, req, "system", model.StateRejected, reason, nil); err != nil {
			return nil, err
		}
		return req, model.NewError(model.KindPolicyDeny, "change-denied", "%s", reason)
	}

	if res.RequiresApproval() || assessment.RequiresApproval {
		g.attachChain(req)
		if err := g.transition(ctx, req, "system", model.StateAwaitingApproval,
			fmt.Sprintf("approval chain %s, %d steps", req.Chain.TemplateID, len(req.Chain.Steps)), nil); err != nil {
			return nil, err
		}
		return req, nil
	}

	if err := g.transition(ctx, req, "system", model.StateApproved, "no approval required", nil); err != nil {
		return nil, err
	}
	if g.autoExecute && g.applier != nil {
		if err := g.execute(ctx, req); err != nil {
			slog.Error("Execution failed", "request", req.ID, "error", err)
			return req, err
		}
	}
	return req, nil
}

// SubmitApproval records one approver's decision on the active step. A
// rejection fails the whole chain; the final approval moves the request to
// approved and, with auto execution on, through the applier.
func (g *Governor) SubmitApproval(ctx context.Context, requestID, approver string, approve bool, comment string) (*model.ChangeRequest, error) {
	if requestID == "" || approver == "" {
		return nil, model.NewError(model.KindInvalidInput, "approval-input", "request id and approver are required")
	}
	ctx, span := g.tracer.Start(ctx, "governance.SubmitApproval", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.Bool("approval.approved", approve),
	))
	defer span.End()

	g.locks.lock(requestID)
	defer g.locks.unlock(requestID)

	req, err := g.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.State != model.StateAwaitingApproval {
		return nil, model.NewError(model.KindConflict, "not-awaiting",
			"request %s is %s, not awaiting approval", requestID, req.State)
	}
	if req.Chain == nil || len(req.Chain.Steps) == 0 {
		return nil, model.NewError(model.KindConflict, "no-chain", "request %s has no approval chain", requestID)
	}

	step, err := activeStepFor(req.Chain, approver)
	if err != nil {
		return nil, err
	}
	step.Decisions = append(step.Decisions, model.ApprovalDecision{
		Approver:  approver,
		Approved:  approve,
		Comment:   comment,
		DecidedAt: g.now().UTC(),
	})

	if !approve {
		if err := g.transition(ctx, req, approver, model.StateRejected,
			fmt.Sprintf("rejected by %s at step %s", approver, step.Name), nil); err != nil {
			return nil, err
		}
		return req, nil
	}

	if chainComplete(req.Chain) {
		if err := g.transition(ctx, req, approver, model.StateApproved, "all approval steps satisfied", nil); err != nil {
			return nil, err
		}
		if g.autoExecute && g.applier != nil {
			if err := g.execute(ctx, req); err != nil {
				slog.Error("Execution failed", "request", req.ID, "error", err)
				return req, err
			}
		}
		return req, nil
	}

	g.activateSteps(req.Chain)
	if err := g.store.PutRequest(ctx, req); err != nil {
		return nil, err
	}
	slog.Info("Approval recorded", "request", req.ID, "approver", approver, "step", step.Name)
	return req, nil
}

// Execute applies an approved request through the configured applier. Auto
// execution normally does this inline; the method exists for deployments
// that stage execution separately.
func (g *Governor) Execute(ctx context.Context, requestID string) (*model.ChangeRequest, error) {
	ctx, span := g.tracer.Start(ctx, "governance.Execute", trace.WithAttributes(
		attribute.String("request.id", requestID),
	))
	defer span.End()

	g.locks.lock(requestID)
	defer g.locks.unlock(requestID)

	req, err := g.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := g.execute(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

// Cancel withdraws a request from any non-terminal state.
func (g *Governor) Cancel(ctx context.Context, requestID, actor, reason string) (*model.ChangeRequest, error) {
	g.locks.lock(requestID)
	defer g.locks.unlock(requestID)

	req, err := g.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by " + actor
	}
	if err := g.transition(ctx, req, actor, model.StateCancelled, reason, nil); err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns the current persisted state of one request.
func (g *Governor) Get(ctx context.Context, requestID string) (*model.ChangeRequest, error) {
	return g.store.GetRequest(ctx, requestID)
}

// List returns requests matching the filter, oldest first.
func (g *Governor) List(ctx context.Context, f store.RequestFilter) ([]*model.ChangeRequest, error) {
	return g.store.ListRequests(ctx, f)
}

// SweepExpired rejects awaiting requests whose active approval step has
// outlived its timeout, and returns the ids it rejected.
func (g *Governor) SweepExpired(ctx context.Context) ([]string, error) {
	waiting, err := g.store.ListRequests(ctx, store.RequestFilter{State: model.StateAwaitingApproval})
	if err != nil {
		return nil, err
	}
	now := g.now().UTC()
	var swept []string
	for _, stale := range waiting {
		if step := expiredStep(stale.Chain, now); step == nil {
			continue
		}
		if err := g.sweepOne(ctx, stale.ID, now, &swept); err != nil {
			return swept, err
		}
	}
	return swept, nil
}

// sweepOne re-checks one candidate under its lock; a decision that raced in
// since the list wins.
func (g *Governor) sweepOne(ctx context.Context, id string, now time.Time, swept *[]string) error {
	g.locks.lock(id)
	defer g.locks.unlock(id)

	req, err := g.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.State != model.StateAwaitingApproval {
		return nil
	}
	step := expiredStep(req.Chain, now)
	if step == nil {
		return nil
	}
	reason := fmt.Sprintf("approval step %s timed out after %s", step.Name, step.Timeout)
	if err := g.transition(ctx, req, "system", model.StateRejected, reason, nil); err != nil {
		return err
	}
	*swept = append(*swept, req.ID)
	return nil
}

// transition appends the audit entry, flips the state, persists and counts.
// Details pass through redaction before they land in the audit trail.
func (g *Governor) transition(ctx context.Context, req *model.ChangeRequest, actor string, to model.GovernanceState, reason string, details map[string]any) error {
	if !model.CanTransition(req.State, to) {
		return model.NewError(model.KindConflict, "invalid-transition",
			"request %s cannot move %s -> %s", req.ID, req.State, to)
	}
	entry := model.AuditEntry{
		Timestamp: g.now().UTC(),
		Actor:     actor,
		FromState: req.State,
		ToState:   to,
		Reason:    reason,
	}
	if details != nil {
		entry.Details = model.RedactMap(details)
	}
	req.Audit = append(req.Audit, entry)
	req.State = to
	req.UpdatedAt = entry.Timestamp
	if g.metrics != nil {
		g.metrics.RequestTransitions.WithLabelValues(string(to)).Inc()
	}
	slog.Info("Change request transition",
		"request", req.ID, "from", string(entry.FromState), "to", string(to), "reason", reason)
	return g.store.PutRequest(ctx, req)
}

// assess calls the risk engine behind a recover, so a scoring fault rejects
// the request instead of crashing the governor.
func (g *Governor) assess(req *model.ChangeRequest) (ra *model.RiskAssessment, err error) {
	defer func() {
		if r := recover(); r != nil {
			ra = nil
			err = model.NewError(model.KindPermanent, "risk-panic", "risk assessment panicked: %v", r)
		}
	}()
	ra = g.risk.Assess(req, g.now())
	if ra == nil {
		return nil, model.NewError(model.KindPermanent, "risk-empty", "risk assessor returned no assessment")
	}
	return ra, nil
}

// evaluate calls the policy backend behind a recover. Backends already
// convert their own failures into the Result; this guards the boundary.
func (g *Governor) evaluate(ctx context.Context, req *model.ChangeRequest) (res policy.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = policy.Result{
				OK:  false,
				Err: model.NewError(model.KindPermanent, "policy-panic", "policy evaluation panicked: %v", r),
			}
		}
	}()
	return g.policy.Evaluate(ctx, req.Document())
}

// attachChain instantiates the applicable template, or the single-step
// fallback when no template matches, and activates the first step(s).
func (g *Governor) attachChain(req *model.ChangeRequest) {
	if tpl := selectTemplate(g.templates, req.Environment, req.Risk.Level); tpl != nil {
		req.Chain = tpl.instantiate()
	} else {
		req.Chain = fallbackChain()
	}
	g.activateSteps(req.Chain)
}

// activateSteps stamps StartedAt on every step currently eligible for
// decisions: all open steps of a parallel chain, the earliest open step of
// a sequential one. Timeouts count from activation.
func (g *Governor) activateSteps(chain *model.ApprovalChain) {
	now := g.now().UTC()
	if chain.Mode == model.ApprovalParallel {
		for i := range chain.Steps {
			if chain.Steps[i].StartedAt.IsZero() && !chain.Steps[i].Satisfied() {
				chain.Steps[i].StartedAt = now
			}
		}
		return
	}
	for i := range chain.Steps {
		if chain.Steps[i].Satisfied() {
			continue
		}
		if chain.Steps[i].StartedAt.IsZero() {
			chain.Steps[i].StartedAt = now
		}
		return
	}
}

// execute applies an approved request and records the outcome. The request
// stays approved when the applier fails or declines, so execution can be
// retried.
func (g *Governor) execute(ctx context.Context, req *model.ChangeRequest) error {
	if req.State != model.StateApproved {
		return model.NewError(model.KindConflict, "not-approved", "request %s is %s, not approved", req.ID, req.State)
	}
	if g.applier == nil {
		return model.NewError(model.KindInvalidInput, "no-applier", "no applier configured")
	}

	outcome, err := g.apply(ctx, req)
	if err != nil {
		// Applier errors keep their own classification for retry policy.
		return err
	}
	if !outcome.Executed {
		slog.Warn("Applier declined to execute", "request", req.ID)
		return nil
	}

	details := map[string]any{
		"executed":        true,
		"observedChanges": len(outcome.ObservedChanges),
	}
	if len(req.Params) > 0 {
		details["params"] = req.Params
	}
	if err := g.transition(ctx, req, "system", model.StateExecuted,
		fmt.Sprintf("applied %s to %s", req.Action, req.TargetID), details); err != nil {
		return err
	}
	return g.recordObserved(ctx, req, outcome.ObservedChanges)
}

// apply invokes the applier behind a recover.
func (g *Governor) apply(ctx context.Context, req *model.ChangeRequest) (out ApplyOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = ApplyOutcome{}
			err = model.NewError(model.KindPermanent, "apply-panic", "applier panicked: %v", r)
		}
	}()
	return g.applier(ctx, req.Clone())
}

// recordObserved appends node-updated change records for what the applier
// saw change. Sensitive fields keep their name but lose their values.
func (g *Governor) recordObserved(ctx context.Context, req *model.ChangeRequest, observed []model.FieldChange) error {
	if len(observed) == 0 {
		return nil
	}
	now := g.now().UTC()
	records := make([]model.Change, 0, len(observed))
	for _, fc := range observed {
		rec := model.NewChange(req.TargetID, model.ChangeNodeUpdated)
		rec.Field = fc.Field
		rec.Previous = fc.Previous
		rec.New = fc.New
		if sensitiveField(fc.Field) {
			rec.Previous = model.Redacted
			rec.New = model.Redacted
		}
		rec.DetectedAt = now
		rec.Source = "governance"
		rec.CorrelationID = req.ID
		rec.Initiator = req.InitiatorType
		records = append(records, rec)
	}
	return g.store.AppendChanges(ctx, records)
}

// sensitiveField checks the leaf segment of a dotted field path.
func sensitiveField(field string) bool {
	if i := strings.LastIndex(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return model.IsSensitiveKey(field)
}

func denialReason(violations []model.PolicyViolation) string {
	for _, v := range violations {
		if v.Action == model.ActionDeny {
			return fmt.Sprintf("denied by rule %s: %s", v.RuleID, v.Message)
		}
	}
	return "denied by policy"
}

func validateRequest(req *model.ChangeRequest) error {
	switch {
	case req == nil:
		return model.NewError(model.KindInvalidInput, "request-nil", "change request is required")
	case req.ID == "":
		return model.NewError(model.KindInvalidInput, "request-id", "change request requires an id")
	case req.Initiator == "":
		return model.NewError(model.KindInvalidInput, "request-initiator", "change request requires an initiator")
	case req.TargetID == "":
		return model.NewError(model.KindInvalidInput, "request-target", "change request requires a target")
	case req.Action == "":
		return model.NewError(model.KindInvalidInput, "request-action", "change request requires an action")
	case req.State != model.StatePending:
		return model.NewError(model.KindInvalidInput, "request-state",
			"change request must be submitted pending, got %s", req.State)
	}
	return nil
}

// activeStepFor returns the step that may take this approver's decision.
// Sequential chains only accept decisions on the earliest unsatisfied step;
// parallel chains accept any open step the approver belongs to.
func activeStepFor(chain *model.ApprovalChain, approver string) (*model.ApprovalStep, error) {
	if chain.Mode == model.ApprovalParallel {
		for i := range chain.Steps {
			step := &chain.Steps[i]
			if step.Satisfied() || !allowedApprover(step, approver) {
				continue
			}
			if hasDecided(step, approver) {
				return nil, model.NewError(model.KindConflict, "already-decided",
					"%s already decided on step %s", approver, step.Name)
			}
			return step, nil
		}
		return nil, model.NewError(model.KindInvalidInput, "not-an-approver",
			"%s is not an eligible approver for any open step", approver)
	}
	for i := range chain.Steps {
		step := &chain.Steps[i]
		if step.Satisfied() {
			continue
		}
		if !allowedApprover(step, approver) {
			return nil, model.NewError(model.KindInvalidInput, "not-an-approver",
				"%s is not an approver for step %s", approver, step.Name)
		}
		if hasDecided(step, approver) {
			return nil, model.NewError(model.KindConflict, "already-decided",
				"%s already decided on step %s", approver, step.Name)
		}
		return step, nil
	}
	return nil, model.NewError(model.KindConflict, "chain-complete", "approval chain is already satisfied")
}

func allowedApprover(step *model.ApprovalStep, approver string) bool {
	if len(step.Approvers) == 0 {
		return true
	}
	for _, a := range step.Approvers {
		if a == approver {
			return true
		}
	}
	return false
}

func hasDecided(step *model.ApprovalStep, approver string) bool {
	for _, d := range step.Decisions {
		if d.Approver == approver {
			return true
		}
	}
	return false
}

func chainComplete(chain *model.ApprovalChain) bool {
	for i := range chain.Steps {
		if !chain.Steps[i].Satisfied() {
			return false
		}
	}
	return true
}

// expiredStep finds a started, unsatisfied step past its timeout.
func expiredStep(chain *model.ApprovalChain, now time.Time) *model.ApprovalStep {
	if chain == nil {
		return nil
	}
	for i := range chain.Steps {
		step := &chain.Steps[i]
		if step.Timeout <= 0 || step.StartedAt.IsZero() || step.Satisfied() {
			continue
		}
		if now.Sub(step.StartedAt) > step.Timeout {
			return step
		}
	}
	return nil
}

// requestLocks hands out one mutex per request id, dropping entries when
// the last holder releases.
type requestLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newRequestLocks() *requestLocks {
	return &requestLocks{entries: make(map[string]*lockEntry)}
}

func (l *requestLocks) lock(id string) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()
	e.mu.Lock()
}

func (l *requestLocks) unlock(id string) {
	l.mu.Lock()
	e := l.entries[id]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
	l.mu.Unlock()
	e.mu.Unlock()
}
