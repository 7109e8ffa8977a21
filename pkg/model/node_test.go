package model

import (
	"testing"
	"time"
)

func TestNodeID_Stability(t *testing.T) {
	a := NodeID("aws", "111122223333", "us-east-1", "ec2-instance", "i-0abc")
	b := NodeID("aws", "111122223333", "us-east-1", "ec2-instance", "i-0abc")

	if a != b {
		t.Errorf("Expected identical ids for identical tuples, got %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("Expected 16 hex chars, got %d (%s)", len(a), a)
	}

	// Any tuple component must change the id.
	c := NodeID("aws", "111122223333", "us-west-2", "ec2-instance", "i-0abc")
	if a == c {
		t.Errorf("Expected different ids across regions, got %s twice", a)
	}
}

func TestEdgeID_Stability(t *testing.T) {
	a := EdgeID("n1", RelationDependsOn, "n2")
	if a != EdgeID("n1", RelationDependsOn, "n2") {
		t.Error("Expected stable edge id")
	}
	if a == EdgeID("n2", RelationDependsOn, "n1") {
		t.Error("Expected direction to change the edge id")
	}
	if a == EdgeID("n1", RelationUses, "n2") {
		t.Error("Expected relationship type to change the edge id")
	}
}

func TestMergeNode_DeepMerge(t *testing.T) {
	existing := &Node{
		Name:   "api-server",
		Status: StatusRunning,
		Tags:   map[string]string{"Environment": "production", "Team": "platform"},
		Metadata: map[string]any{
			"instanceType": "m5.large",
			"network":      map[string]any{"vpc": "vpc-1", "publicIp": "1.2.3.4"},
		},
		CostMonthly: Float64Ptr(100),
	}
	incoming := &Node{
		Name:   "api-server",
		Status: StatusStopped,
		Tags:   map[string]string{"Team": "core"},
		Metadata: map[string]any{
			"network": map[string]any{"vpc": "vpc-2"},
		},
		CostMonthly: Float64Ptr(80),
	}

	merged := MergeNode(existing, incoming)

	// Scalars replace.
	if merged.Status != StatusStopped {
		t.Errorf("Expected status stopped, got %s", merged.Status)
	}
	if *merged.CostMonthly != 80 {
		t.Errorf("Expected cost 80, got %v", *merged.CostMonthly)
	}

	// Tag merge keeps keys the incoming batch does not mention.
	if merged.Tags["Environment"] != "production" {
		t.Errorf("Expected Environment tag preserved, got %q", merged.Tags["Environment"])
	}
	if merged.Tags["Team"] != "core" {
		t.Errorf("Expected Team tag replaced, got %q", merged.Tags["Team"])
	}

	// Nested metadata deep-merges.
	network := merged.Metadata["network"].(map[string]any)
	if network["vpc"] != "vpc-2" {
		t.Errorf("Expected nested vpc replaced, got %v", network["vpc"])
	}
	if network["publicIp"] != "1.2.3.4" {
		t.Errorf("Expected nested publicIp preserved, got %v", network["publicIp"])
	}
	if merged.Metadata["instanceType"] != "m5.large" {
		t.Errorf("Expected untouched metadata key preserved, got %v", merged.Metadata["instanceType"])
	}

	// Inputs must stay pristine.
	if existing.Status != StatusRunning || existing.Tags["Team"] != "platform" {
		t.Error("MergeNode mutated its input")
	}
}

func TestDiffNodes_FieldGranularity(t *testing.T) {
	before := &Node{
		Name:        "db-1",
		Status:      StatusRunning,
		Tags:        map[string]string{"Environment": "staging"},
		Metadata:    map[string]any{"instanceType": "m5.large"},
		CostMonthly: Float64Ptr(10),
	}
	after := &Node{
		Name:        "db-1",
		Status:      StatusStopped,
		Tags:        map[string]string{"Environment": "production"},
		Metadata:    map[string]any{"instanceType": "m5.xlarge"},
		CostMonthly: Float64Ptr(20),
	}

	changes := DiffNodes(before, after)
	if len(changes) != 4 {
		t.Fatalf("Expected 4 field changes, got %d: %+v", len(changes), changes)
	}

	// Deterministic order: scalars, then tags.*, then metadata.*.
	wantFields := []string{"status", "costMonthly", "tags.Environment", "metadata.instanceType"}
	for i, want := range wantFields {
		if changes[i].Field != want {
			t.Errorf("Expected change %d to be %s, got %s", i, want, changes[i].Field)
		}
	}

	if changes[1].Previous != float64(10) || changes[1].New != float64(20) {
		t.Errorf("Expected costMonthly 10 -> 20, got %v -> %v", changes[1].Previous, changes[1].New)
	}
}

func TestDiffNodes_NilCost(t *testing.T) {
	before := &Node{Status: StatusRunning}
	after := &Node{Status: StatusRunning, CostMonthly: Float64Ptr(5)}

	changes := DiffNodes(before, after)
	if len(changes) != 1 || changes[0].Field != "costMonthly" {
		t.Fatalf("Expected single costMonthly change, got %+v", changes)
	}
	if changes[0].Previous != nil {
		t.Errorf("Expected nil previous, got %v", changes[0].Previous)
	}
}

func TestNodeClone_Isolation(t *testing.T) {
	created := time.Now()
	n := &Node{
		ID:        "abc",
		Tags:      map[string]string{"a": "1"},
		Metadata:  map[string]any{"nested": map[string]any{"k": "v"}},
		CreatedAt: &created,
	}
	c := n.Clone()
	c.Tags["a"] = "2"
	c.Metadata["nested"].(map[string]any)["k"] = "mutated"

	if n.Tags["a"] != "1" {
		t.Error("Clone shares the tag map")
	}
	if n.Metadata["nested"].(map[string]any)["k"] != "v" {
		t.Error("Clone shares nested metadata")
	}
}

func TestNodeValidate(t *testing.T) {
	bad := &Node{Provider: "aws", ResourceType: "ec2-instance"}
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for missing nativeId")
	}

	cost := -4.0
	badCost := &Node{Provider: "aws", ResourceType: "ec2-instance", NativeID: "i-1", CostMonthly: &cost}
	if err := badCost.Validate(); KindOf(err) != KindInvalidInput {
		t.Errorf("Expected invalid-input for negative cost, got %v", err)
	}
}
