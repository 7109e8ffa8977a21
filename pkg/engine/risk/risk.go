// Package risk turns a proposed change into a weighted numeric score, a
// categorical level, and the factors behind both. Scoring is pure
// computation: same request and clock in, same assessment out.
package risk

import (
	"fmt"
	"math"
	"path"
	"time"

	"github.com/stratoform/cartograph/pkg/model"
)

// Window is a recurring weekly period in UTC, [StartHour, EndHour).
type Window struct {
	Days      []time.Weekday `json:"days" yaml:"days"`
	StartHour int            `json:"startHour" yaml:"startHour"`
	EndHour   int            `json:"endHour" yaml:"endHour"`
}

func (w Window) contains(t time.Time) bool {
	day := t.Weekday()
	found := false
	for _, d := range w.Days {
		if d == day {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	h := t.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// Weights distributes the factor contributions. They need not sum to one;
// the score normalizes by the total.
type Weights struct {
	Environment float64 `json:"environment" yaml:"environment"`
	Operation   float64 `json:"operation" yaml:"operation"`
	Count       float64 `json:"count" yaml:"count"`
	Criticality float64 `json:"criticality" yaml:"criticality"`
	TimeOfDay   float64 `json:"timeOfDay" yaml:"timeOfDay"`
}

// Thresholds maps a score to a level; each bound is inclusive.
type Thresholds struct {
	Critical float64 `json:"critical" yaml:"critical"`
	High     float64 `json:"high" yaml:"high"`
	Medium   float64 `json:"medium" yaml:"medium"`
	Low      float64 `json:"low" yaml:"low"`
}

// Config is the scoring table set.
type Config struct {
	// Categories maps an action to a scoring category. Actions that are
	// themselves category names resolve directly.
	Categories map[string]string `json:"categories,omitempty" yaml:"categories,omitempty"`
	// CategoryBases scores each category before the danger multiplier.
	CategoryBases map[string]float64 `json:"categoryBases,omitempty" yaml:"categoryBases,omitempty"`
	// FallbackBase applies to actions with no category.
	FallbackBase float64 `json:"fallbackBase" yaml:"fallbackBase"`
	// DangerMultiplier scales the operation factor for dangerous commands.
	DangerMultiplier float64 `json:"dangerMultiplier" yaml:"dangerMultiplier"`
	// CriticalPatterns are path.Match globs over resource names.
	CriticalPatterns []string `json:"criticalPatterns,omitempty" yaml:"criticalPatterns,omitempty"`
	// Blackouts are the windows where changes score as ill-timed.
	Blackouts []Window `json:"blackouts,omitempty" yaml:"blackouts,omitempty"`

	Weights    Weights    `json:"weights" yaml:"weights"`
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`
}

// DefaultConfig returns the stock scoring tables.
func DefaultConfig() Config {
	return Config{
		CategoryBases: map[string]float64{
			"delete":   90,
			"security": 85,
			"network":  80,
			"migrate":  75,
			"scale":    50,
			"backup":   30,
			"audit":    10,
		},
		FallbackBase:     40,
		DangerMultiplier: 1.5,
		CriticalPatterns: []string{"*-prod-*", "*-db-*"},
		Blackouts: []Window{{
			Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			StartHour: 9,
			EndHour:   17,
		}},
		Weights: Weights{
			Environment: 0.30,
			Operation:   0.30,
			Count:       0.10,
			Criticality: 0.20,
			TimeOfDay:   0.10,
		},
		Thresholds: Thresholds{Critical: 80, High: 60, Medium: 40, Low: 20},
	}
}

var envMultiplier = map[model.Environment]float64{
	model.EnvProduction:       2.0,
	model.EnvDisasterRecovery: 1.8,
	model.EnvStaging:          1.2,
	model.EnvDevelopment:      0.5,
}

// Scorer assesses change requests against one config.
type Scorer struct {
	cfg Config
	now func() time.Time
}

// New builds a scorer; zero-valued config sections fall back to defaults.
func New(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.CategoryBases == nil {
		cfg.CategoryBases = def.CategoryBases
	}
	if cfg.FallbackBase == 0 {
		cfg.FallbackBase = def.FallbackBase
	}
	if cfg.DangerMultiplier == 0 {
		cfg.DangerMultiplier = def.DangerMultiplier
	}
	if cfg.CriticalPatterns == nil {
		cfg.CriticalPatterns = def.CriticalPatterns
	}
	if cfg.Blackouts == nil {
		cfg.Blackouts = def.Blackouts
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	return &Scorer{cfg: cfg, now: time.Now}
}

// WithClock overrides the clock used when no explicit time is given.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Assess scores one request. A zero `at` uses the scorer's clock; callers
// that need reproducible output pass the time explicitly.
func (s *Scorer) Assess(r *model.ChangeRequest, at time.Time) *model.RiskAssessment {
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	factors := []model.RiskFactor{
		s.environmentFactor(r.Environment),
		s.operationFactor(r.Action, r.Dangerous),
		s.countFactor(r),
		s.criticalityFactor(r.ResourceNames),
		s.timeFactor(at),
	}

	var weighted, total float64
	for _, f := range factors {
		weighted += f.Score * f.Weight
		total += f.Weight
	}
	score := 0.0
	if total > 0 {
		score = math.Round(weighted / total)
	}
	score = clamp(score)

	level := s.levelFor(score)
	return &model.RiskAssessment{
		Score:            score,
		Level:            level,
		Factors:          factors,
		RequiresApproval: requiresApproval(r.Environment, level),
		AssessedAt:       at,
	}
}

func (s *Scorer) environmentFactor(env model.Environment) model.RiskFactor {
	mult, ok := envMultiplier[env]
	if !ok {
		mult = 1.0
	}
	return model.RiskFactor{
		Name:   "environment",
		Score:  clamp(50 * mult),
		Weight: s.cfg.Weights.Environment,
		Reason: fmt.Sprintf("target environment %s", env),
	}
}

func (s *Scorer) operationFactor(action string, dangerous bool) model.RiskFactor {
	category := action
	if mapped, ok := s.cfg.Categories[action]; ok {
		category = mapped
	}
	base, ok := s.cfg.CategoryBases[category]
	if !ok {
		base = s.cfg.FallbackBase
		category = "uncategorized"
	}
	reason := fmt.Sprintf("action %s scored as %s", action, category)
	if dangerous {
		base *= s.cfg.DangerMultiplier
		reason += ", flagged dangerous"
	}
	return model.RiskFactor{
		Name:   "operation-type",
		Score:  clamp(base),
		Weight: s.cfg.Weights.Operation,
		Reason: reason,
	}
}

func (s *Scorer) countFactor(r *model.ChangeRequest) model.RiskFactor {
	n := len(r.ResourceIDs)
	if len(r.ResourceNames) > n {
		n = len(r.ResourceNames)
	}
	var score float64
	switch {
	case n >= 100:
		score = 100
	case n >= 50:
		score = 80
	case n >= 20:
		score = 60
	case n >= 10:
		score = 40
	case n >= 5:
		score = 20
	case n >= 1:
		score = 10
	}
	return model.RiskFactor{
		Name:   "resource-count",
		Score:  score,
		Weight: s.cfg.Weights.Count,
		Reason: fmt.Sprintf("%d resources in scope", n),
	}
}

func (s *Scorer) criticalityFactor(names []string) model.RiskFactor {
	for _, name := range names {
		for _, pattern := range s.cfg.CriticalPatterns {
			if ok, err := path.Match(pattern, name); err == nil && ok {
				return model.RiskFactor{
					Name:   "resource-criticality",
					Score:  90,
					Weight: s.cfg.Weights.Criticality,
					Reason: fmt.Sprintf("%s matches critical pattern %s", name, pattern),
				}
			}
		}
	}
	return model.RiskFactor{
		Name:   "resource-criticality",
		Score:  30,
		Weight: s.cfg.Weights.Criticality,
		Reason: "no critical resources named",
	}
}

func (s *Scorer) timeFactor(at time.Time) model.RiskFactor {
	for _, w := range s.cfg.Blackouts {
		if w.contains(at) {
			return model.RiskFactor{
				Name:   "time-of-day",
				Score:  70,
				Weight: s.cfg.Weights.TimeOfDay,
				Reason: fmt.Sprintf("inside blackout window at %s", at.Format("Mon 15:04 MST")),
			}
		}
	}
	return model.RiskFactor{
		Name:   "time-of-day",
		Score:  20,
		Weight: s.cfg.Weights.TimeOfDay,
		Reason: "outside blackout windows",
	}
}

func (s *Scorer) levelFor(score float64) model.RiskLevel {
	t := s.cfg.Thresholds
	switch {
	case score >= t.Critical:
		return model.RiskCritical
	case score >= t.High:
		return model.RiskHigh
	case score >= t.Medium:
		return model.RiskMedium
	case score >= t.Low:
		return model.RiskLow
	}
	return model.RiskMinimal
}

// requiresApproval encodes the approval matrix: production changes need a
// human from medium up, staging from high up, elsewhere none.
func requiresApproval(env model.Environment, level model.RiskLevel) bool {
	switch env {
	case model.EnvProduction:
		return level.AtLeast(model.RiskMedium)
	case model.EnvStaging:
		return level.AtLeast(model.RiskHigh)
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
