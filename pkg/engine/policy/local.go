package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratoform/cartograph/pkg/metrics"
	"github.com/stratoform/cartograph/pkg/model"
)

// Local evaluates rules in-process. Rules are swappable at runtime; a swap
// is atomic with respect to in-flight evaluations.
type Local struct {
	metrics *metrics.Set
	tracer  trace.Tracer

	mu    sync.RWMutex
	rules []Rule
	cel   *celSet
}

// LocalOption customizes a Local evaluator.
type LocalOption func(*Local)

// WithMetrics attaches a collector set.
func WithMetrics(m *metrics.Set) LocalOption {
	return func(l *Local) { l.metrics = m }
}

// NewLocal validates and compiles the rule set.
func NewLocal(rules []Rule, opts ...LocalOption) (*Local, error) {
	l := &Local{tracer: otel.Tracer("cartograph/policy")}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.SetRules(rules); err != nil {
		return nil, err
	}
	return l, nil
}

// SetRules replaces the rule set. On any validation or compilation error
// the previous set stays active.
func (l *Local) SetRules(rules []Rule) error {
	cel, err := newCELSet()
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if r.Expression != "" {
			if err := cel.compile(r.ID, r.Expression); err != nil {
				return err
			}
		}
	}
	staged := append([]Rule(nil), rules...)

	l.mu.Lock()
	l.rules = staged
	l.cel = cel
	l.mu.Unlock()
	return nil
}

// Rules returns a copy of the active rule set.
func (l *Local) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Rule(nil), l.rules...)
}

// Evaluate runs every rule against the document in declaration order. A
// rule that fails at runtime is logged and skipped; the rest still run.
func (l *Local) Evaluate(ctx context.Context, input map[string]any) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				OK:         false,
				DurationMs: time.Since(start).Milliseconds(),
				Err:        model.NewError(model.KindPermanent, "policy-panic", "local evaluation panicked: %v", r),
			}
		}
	}()

	_, span := l.tracer.Start(ctx, "policy.EvaluateLocal")
	defer span.End()

	l.mu.RLock()
	rules := l.rules
	cel := l.cel
	l.mu.RUnlock()

	res = Result{OK: true}
	vars := celVars(input)
	for _, r := range rules {
		var matched bool
		var err error
		if r.Condition != nil {
			matched, err = r.Condition.Eval(input)
		} else {
			matched, err = cel.eval(r.ID, vars)
		}
		if err != nil {
			slog.Warn("Policy rule evaluation failed", "rule", r.ID, "error", err)
			continue
		}
		if matched {
			res.Violations = append(res.Violations, r.violation(input))
		}
	}
	res.DurationMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("policy.rules", len(rules)),
		attribute.Int("policy.violations", len(res.Violations)),
	)
	l.observe("local", res)
	return res
}

// HealthCheck always passes for the in-process backend.
func (l *Local) HealthCheck(ctx context.Context) bool { return true }

func (l *Local) observe(mode string, res Result) {
	if l.metrics == nil {
		return
	}
	l.metrics.PolicyEvaluations.WithLabelValues(mode).Inc()
	for _, v := range res.Violations {
		l.metrics.PolicyViolations.WithLabelValues(string(v.Severity)).Inc()
	}
}
