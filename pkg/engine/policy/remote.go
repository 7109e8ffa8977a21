package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratoform/cartograph/pkg/metrics"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/sys/backoff"
)

// FailMode decides what an unreachable policy backend means.
type FailMode string

const (
	// FailOpen lets the caller proceed: no violations, OK=false.
	FailOpen FailMode = "open"
	// FailClosed denies: one synthetic critical violation.
	FailClosed FailMode = "closed"
)

// RemoteConfig locates the external policy service.
type RemoteConfig struct {
	BaseURL    string        `json:"baseUrl" yaml:"baseUrl"`
	PolicyPath string        `json:"policyPath" yaml:"policyPath"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	FailMode   FailMode      `json:"failMode" yaml:"failMode"`
}

// Remote evaluates against an external policy service. Calls retry
// transient faults with the shared backoff policy and trip a circuit
// breaker after repeated failures, so a dead backend fails fast instead of
// stalling every change request.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Set
	tracer  trace.Tracer
}

// RemoteOption customizes a Remote evaluator.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.client = c }
}

// WithRemoteMetrics attaches a collector set.
func WithRemoteMetrics(m *metrics.Set) RemoteOption {
	return func(r *Remote) { r.metrics = m }
}

// NewRemote builds a remote evaluator. FailMode defaults to open, the
// timeout to 10s.
func NewRemote(cfg RemoteConfig, opts ...RemoteOption) *Remote {
	if cfg.FailMode == "" {
		cfg.FailMode = FailOpen
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	r := &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		tracer: otel.Tracer("cartograph/policy"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "policy-remote",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Policy breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Evaluate posts {"input": doc} and parses the result. Backend failure is
// absorbed per the fail mode; the Result always comes back.
func (r *Remote) Evaluate(ctx context.Context, input map[string]any) (res Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = r.failed(start, model.NewError(model.KindPermanent, "policy-panic", "remote evaluation panicked: %v", rec))
		}
	}()

	ctx, span := r.tracer.Start(ctx, "policy.EvaluateRemote", trace.WithAttributes(
		attribute.String("policy.path", r.cfg.PolicyPath),
	))
	defer span.End()

	var violations []model.PolicyViolation
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, backoff.Do(ctx, func() error {
			v, err := r.post(ctx, input)
			if err != nil {
				return err
			}
			violations = v
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return r.failed(start, err)
	}

	res = Result{OK: true, Violations: violations, DurationMs: time.Since(start).Milliseconds()}
	r.observe(res)
	return res
}

// failed applies the fail mode to an unreachable or broken backend.
func (r *Remote) failed(start time.Time, err error) Result {
	res := Result{
		OK:         false,
		DurationMs: time.Since(start).Milliseconds(),
		Err:        err,
	}
	if r.cfg.FailMode == FailClosed {
		res.Violations = []model.PolicyViolation{{
			RuleID:   "policy-backend-unavailable",
			Severity: model.SeverityCritical,
			Action:   model.ActionDeny,
			Message:  fmt.Sprintf("policy backend unreachable, failing closed: %v", err),
		}}
	}
	slog.Error("Remote policy evaluation failed", "failMode", string(r.cfg.FailMode), "error", err)
	r.observe(res)
	return res
}

func (r *Remote) post(ctx context.Context, input map[string]any) ([]model.PolicyViolation, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "policy-encode", err, "encoding policy input")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "policy-request", err, "building policy request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, model.WrapError(model.KindTransient, "policy-transport", err, "calling policy backend")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, model.NewError(model.KindTransient, "policy-status", "policy backend returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, model.NewError(model.KindPermanent, "policy-status", "policy backend returned %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.WrapError(model.KindTransient, "policy-read", err, "reading policy response")
	}
	return parseResult(payload)
}

func (r *Remote) endpoint() string {
	return strings.TrimSuffix(r.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(r.cfg.PolicyPath, "/")
}

// HealthCheck probes the backend's health endpoint.
func (r *Remote) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(r.cfg.BaseURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (r *Remote) observe(res Result) {
	if r.metrics == nil {
		return
	}
	r.metrics.PolicyEvaluations.WithLabelValues("remote").Inc()
	for _, v := range res.Violations {
		r.metrics.PolicyViolations.WithLabelValues(string(v.Severity)).Inc()
	}
}

// parseResult accepts the three documented result shapes: a violation
// array, a boolean allow, or an object carrying either.
func parseResult(payload []byte) ([]model.PolicyViolation, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, model.WrapError(model.KindPermanent, "policy-decode", err, "malformed policy response")
	}
	if len(envelope.Result) == 0 {
		return nil, model.NewError(model.KindPermanent, "policy-decode", "policy response missing result")
	}

	trimmed := bytes.TrimSpace(envelope.Result)
	switch trimmed[0] {
	case '[':
		var raw []remoteViolation
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, model.WrapError(model.KindPermanent, "policy-decode", err, "malformed violation array")
		}
		return convertViolations(raw), nil
	case 't', 'f':
		var allowed bool
		if err := json.Unmarshal(trimmed, &allowed); err != nil {
			return nil, model.WrapError(model.KindPermanent, "policy-decode", err, "malformed boolean result")
		}
		if allowed {
			return nil, nil
		}
		return []model.PolicyViolation{{
			RuleID:   "remote-deny",
			Severity: model.SeverityHigh,
			Action:   model.ActionDeny,
			Message:  "policy backend denied the request",
		}}, nil
	case '{':
		var obj struct {
			Allow      *bool             `json:"allow"`
			Violations []remoteViolation `json:"violations"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, model.WrapError(model.KindPermanent, "policy-decode", err, "malformed object result")
		}
		out := convertViolations(obj.Violations)
		if len(out) == 0 && obj.Allow != nil && !*obj.Allow {
			out = []model.PolicyViolation{{
				RuleID:   "remote-deny",
				Severity: model.SeverityHigh,
				Action:   model.ActionDeny,
				Message:  "policy backend denied the request",
			}}
		}
		return out, nil
	}
	return nil, model.NewError(model.KindPermanent, "policy-decode", "unsupported result shape")
}

// remoteViolation tolerates the field spellings policy services use.
type remoteViolation struct {
	RuleID   string `json:"ruleId"`
	ID       string `json:"id"`
	Package  string `json:"package"`
	Severity string `json:"severity"`
	Action   string `json:"action"`
	Message  string `json:"message"`
	Msg      string `json:"msg"`
}

func convertViolations(raw []remoteViolation) []model.PolicyViolation {
	var out []model.PolicyViolation
	for _, v := range raw {
		id := v.RuleID
		if id == "" {
			id = v.ID
		}
		msg := v.Message
		if msg == "" {
			msg = v.Msg
		}
		severity := model.Severity(v.Severity)
		switch severity {
		case model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
		default:
			severity = model.SeverityHigh
		}
		action := model.ViolationAction(v.Action)
		switch action {
		case model.ActionDeny, model.ActionRequireApproval, model.ActionWarn, model.ActionNotify:
		default:
			action = model.ActionDeny
		}
		out = append(out, model.PolicyViolation{
			RuleID:   id,
			Package:  v.Package,
			Severity: severity,
			Action:   action,
			Message:  msg,
		})
	}
	return out
}
