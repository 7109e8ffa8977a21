package risk

import (
	"reflect"
	"testing"
	"time"

	"github.com/stratoform/cartograph/pkg/model"
)

// offHours is a Saturday, outside the default weekday blackout.
var offHours = time.Date(2026, 4, 4, 3, 0, 0, 0, time.UTC)

// blackout is a Tuesday mid-morning inside the default window.
var blackout = time.Date(2026, 4, 7, 10, 0, 0, 0, time.UTC)

func request(action string, env model.Environment) *model.ChangeRequest {
	r := model.NewChangeRequest("alice", model.InitiatorHuman, "target-1", action)
	r.Environment = env
	return r
}

func factor(t *testing.T, a *model.RiskAssessment, name string) model.RiskFactor {
	t.Helper()
	for _, f := range a.Factors {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("No factor named %s in %+v", name, a.Factors)
	return model.RiskFactor{}
}

func TestAssess_DangerousProductionDelete(t *testing.T) {
	r := request("delete", model.EnvProduction)
	r.Dangerous = true
	r.ResourceIDs = []string{"db-1"}
	r.ResourceNames = []string{"orders-db-primary"}

	a := New(Config{}).Assess(r, offHours)
	if a.Score != 81 {
		t.Errorf("Expected score 81, got %v", a.Score)
	}
	if a.Level != model.RiskCritical {
		t.Errorf("Expected critical, got %s", a.Level)
	}
	if !a.RequiresApproval {
		t.Error("Expected production critical change to require approval")
	}
	if len(a.Factors) != 5 {
		t.Fatalf("Expected 5 factors, got %d", len(a.Factors))
	}
	if got := factor(t, a, "operation-type").Score; got != 100 {
		t.Errorf("Expected dangerous delete clamped to 100, got %v", got)
	}
	if got := factor(t, a, "resource-criticality").Score; got != 90 {
		t.Errorf("Expected db pattern match to score 90, got %v", got)
	}
}

func TestAssess_DevelopmentAuditIsMinimal(t *testing.T) {
	a := New(Config{}).Assess(request("audit", model.EnvDevelopment), offHours)
	if a.Score != 19 {
		t.Errorf("Expected score 19, got %v", a.Score)
	}
	if a.Level != model.RiskMinimal {
		t.Errorf("Expected minimal, got %s", a.Level)
	}
	if a.RequiresApproval {
		t.Error("Expected no approval for a development audit")
	}
}

func TestAssess_EnvironmentMultipliers(t *testing.T) {
	cases := []struct {
		env  model.Environment
		want float64
	}{
		{model.EnvProduction, 100},
		{model.EnvDisasterRecovery, 90},
		{model.EnvStaging, 60},
		{model.EnvDevelopment, 25},
		{model.Environment("qa"), 50},
	}
	s := New(Config{})
	for _, tc := range cases {
		a := s.Assess(request("audit", tc.env), offHours)
		if got := factor(t, a, "environment").Score; got != tc.want {
			t.Errorf("Expected environment score %v for %s, got %v", tc.want, tc.env, got)
		}
	}
}

func TestAssess_BlackoutWindow(t *testing.T) {
	s := New(Config{})
	r := request("scale", model.EnvStaging)

	if got := factor(t, s.Assess(r, blackout), "time-of-day").Score; got != 70 {
		t.Errorf("Expected 70 inside the blackout, got %v", got)
	}
	if got := factor(t, s.Assess(r, offHours), "time-of-day").Score; got != 20 {
		t.Errorf("Expected 20 outside the blackout, got %v", got)
	}
}

func TestAssess_ResourceCountTiers(t *testing.T) {
	cases := []struct {
		count int
		want  float64
	}{
		{0, 0}, {1, 10}, {4, 10}, {5, 20}, {12, 40}, {25, 60}, {60, 80}, {150, 100},
	}
	s := New(Config{})
	for _, tc := range cases {
		r := request("scale", model.EnvDevelopment)
		for i := 0; i < tc.count; i++ {
			r.ResourceIDs = append(r.ResourceIDs, "r")
		}
		a := s.Assess(r, offHours)
		if got := factor(t, a, "resource-count").Score; got != tc.want {
			t.Errorf("Expected count score %v for %d resources, got %v", tc.want, tc.count, got)
		}
	}
}

func TestAssess_ActionCategoryMapping(t *testing.T) {
	s := New(Config{Categories: map[string]string{"terminate-instance": "delete"}})

	a := s.Assess(request("terminate-instance", model.EnvDevelopment), offHours)
	if got := factor(t, a, "operation-type").Score; got != 90 {
		t.Errorf("Expected mapped action to score as delete, got %v", got)
	}

	a = s.Assess(request("frobnicate", model.EnvDevelopment), offHours)
	if got := factor(t, a, "operation-type").Score; got != 40 {
		t.Errorf("Expected fallback base for unknown action, got %v", got)
	}
}

func TestAssess_Deterministic(t *testing.T) {
	r := request("delete", model.EnvProduction)
	r.ResourceNames = []string{"api-prod-gateway"}
	s := New(Config{})

	first := s.Assess(r, blackout)
	second := s.Assess(r, blackout)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical assessments, got %+v vs %+v", first, second)
	}
	if !first.AssessedAt.Equal(blackout) {
		t.Errorf("Expected assessment stamped with the given time")
	}
}

func TestAssess_ClockFallback(t *testing.T) {
	s := New(Config{}).WithClock(func() time.Time { return offHours })
	a := s.Assess(request("audit", model.EnvDevelopment), time.Time{})
	if !a.AssessedAt.Equal(offHours) {
		t.Errorf("Expected the injected clock to stamp the assessment, got %v", a.AssessedAt)
	}
}

func TestRequiresApproval_Matrix(t *testing.T) {
	cases := []struct {
		env   model.Environment
		level model.RiskLevel
		want  bool
	}{
		{model.EnvProduction, model.RiskCritical, true},
		{model.EnvProduction, model.RiskHigh, true},
		{model.EnvProduction, model.RiskMedium, true},
		{model.EnvProduction, model.RiskLow, false},
		{model.EnvStaging, model.RiskCritical, true},
		{model.EnvStaging, model.RiskHigh, true},
		{model.EnvStaging, model.RiskMedium, false},
		{model.EnvDevelopment, model.RiskCritical, false},
		{model.EnvDisasterRecovery, model.RiskCritical, false},
	}
	for _, tc := range cases {
		if got := requiresApproval(tc.env, tc.level); got != tc.want {
			t.Errorf("Expected approval=%v for %s/%s", tc.want, tc.env, tc.level)
		}
	}
}
