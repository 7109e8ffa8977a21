//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestFullCycle drives the binary through the whole lifecycle against the
// deterministic mock fleet: discovery, snapshots, temporal queries, drift,
// anomalies, governance and retention. State crosses process boundaries
// through the local archive only, exactly as deployments run it.
func TestFullCycle(t *testing.T) {
	bin := buildBinary(t)

	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	rules := writeRules(t, dir)

	// Same seed everywhere: the fleets differ only in the five extra
	// instances the bigger size appends.
	cfg25 := writeConfig(t, dir, "small.yaml", archive, rules, 25, 10)
	cfg30 := writeConfig(t, dir, "big.yaml", archive, rules, 30, 10)
	cfgKeepOne := writeConfig(t, dir, "prune.yaml", archive, rules, 30, 1)

	// 1. First cycle discovers the whole fleet and snapshots it.
	t.Log("Syncing the 25-node fleet...")
	out := mustRun(t, bin, "--config", cfg25, "sync", "--snapshot")
	if !strings.Contains(out, "25 discovered, 25 created, 0 updated, 0 disappeared") {
		t.Fatalf("Expected a clean first cycle, got:\n%s", out)
	}
	if !strings.Contains(out, "[SUCCESS] Snapshot ") {
		t.Fatalf("Expected a snapshot confirmation, got:\n%s", out)
	}

	// 2. A fresh process sees the same graph through the archive.
	out = mustRun(t, bin, "--config", cfg25, "--json", "topology")
	var topo struct {
		Nodes []struct {
			ID           string `json:"id"`
			ResourceType string `json:"resourceType"`
			Name         string `json:"name"`
		} `json:"nodes"`
		Edges []struct {
			SourceID string `json:"sourceId"`
			TargetID string `json:"targetId"`
		} `json:"edges"`
	}
	parseJSON(t, out, &topo)
	if len(topo.Nodes) != 25 {
		t.Fatalf("Expected 25 hydrated nodes, got %d", len(topo.Nodes))
	}
	if len(topo.Edges) == 0 {
		t.Fatal("Expected hydrated edges")
	}
	var instanceID string
	for _, n := range topo.Nodes {
		if n.ResourceType == "instance" {
			instanceID = n.ID
			break
		}
	}
	if instanceID == "" {
		t.Fatal("Expected at least one instance in the fleet")
	}

	// 3. Growing the fleet creates exactly the five new instances.
	t.Log("Syncing the 30-node fleet...")
	out = mustRun(t, bin, "--config", cfg30, "sync", "--snapshot")
	if !strings.Contains(out, "30 discovered, 5 created, 0 updated, 0 disappeared") {
		t.Fatalf("Expected five additions and nothing else, got:\n%s", out)
	}

	out = mustRun(t, bin, "--config", cfg30, "--json", "snapshot", "list")
	var snaps []struct {
		ID        string `json:"id"`
		NodeCount int    `json:"nodeCount"`
	}
	parseJSON(t, out, &snaps)
	if len(snaps) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(snaps))
	}
	// Newest first.
	if snaps[0].NodeCount != 30 || snaps[1].NodeCount != 25 {
		t.Fatalf("Expected node counts 30/25, got %d/%d", snaps[0].NodeCount, snaps[1].NodeCount)
	}

	// 4. The snapshot diff agrees with the sync counters.
	out = mustRun(t, bin, "--config", cfg30, "snapshot", "diff", snaps[1].ID, snaps[0].ID)
	if !strings.Contains(out, "Nodes: +5 -0 ~0") {
		t.Fatalf("Expected 5 added nodes in the diff, got:\n%s", out)
	}

	// 5. Live state matches the newest snapshot: no drift.
	out = mustRun(t, bin, "--config", cfg30, "drift")
	if !strings.Contains(out, "[SUCCESS] No drift detected.") {
		t.Fatalf("Expected a clean drift scan, got:\n%s", out)
	}

	// 6. Shrinking the live fleet reads as disappearance, not mutation.
	out = mustRun(t, bin, "--config", cfg25, "drift")
	if !strings.Contains(out, "0 drifted, 5 disappeared, 0 unmanaged.") {
		t.Fatalf("Expected 5 disappearances, got:\n%s", out)
	}

	// 7. The instance appears in both snapshots.
	out = mustRun(t, bin, "--config", cfg30, "--json", "history", instanceID)
	var history []struct {
		SnapshotID string `json:"snapshotId"`
	}
	parseJSON(t, out, &history)
	if len(history) != 2 {
		t.Fatalf("Expected the instance in 2 snapshots, got %d", len(history))
	}

	// 8. Two snapshots are below the anomaly baseline minimum.
	out = mustRun(t, bin, "--config", cfg30, "anomalies")
	if !strings.Contains(out, "No anomalies detected.") {
		t.Fatalf("Expected a thin series to stay quiet, got:\n%s", out)
	}

	// 9. Governance: a low-risk development change sails through.
	t.Log("Walking governance paths...")
	out = mustRun(t, bin, "--config", cfg30, "change", "evaluate",
		"--initiator", "ci", "--action", "restart", "--target", instanceID)
	if !strings.Contains(out, "Change would be allowed.") {
		t.Fatalf("Expected the dry run to allow, got:\n%s", out)
	}
	out = mustRun(t, bin, "--config", cfg30, "change", "submit",
		"--initiator", "ci", "--action", "restart", "--target", instanceID)
	if !strings.Contains(out, "[SUCCESS] Approved.") {
		t.Fatalf("Expected auto-approval in development, got:\n%s", out)
	}

	// 10. A dangerous production change lands in the approval chain.
	out = mustRun(t, bin, "--config", cfg30, "change", "submit",
		"--initiator", "alice", "--action", "resize", "--target", instanceID,
		"--environment", "production", "--dangerous")
	if !strings.Contains(out, "[INFO] Awaiting approval.") {
		t.Fatalf("Expected an approval gate, got:\n%s", out)
	}
	if !strings.Contains(out, "dangerous change flagged for review") {
		t.Fatalf("Expected the warn rule to fire, got:\n%s", out)
	}

	// 11. The deny rule blocks production terminations outright.
	out, code := runCLI(t, bin, "--config", cfg30, "change", "submit",
		"--initiator", "alice", "--action", "terminate", "--target", instanceID,
		"--environment", "production", "--dangerous")
	if code == 0 {
		t.Fatalf("Expected a denied submit to exit non-zero, got:\n%s", out)
	}
	if !strings.Contains(out, "denied") {
		t.Fatalf("Expected the denial reason, got:\n%s", out)
	}

	// 12. The rules file itself lints clean and answers offline dry runs.
	out = mustRun(t, bin, "policy", "lint", rules)
	if !strings.Contains(out, "2 rules OK.") {
		t.Fatalf("Expected both rules to validate, got:\n%s", out)
	}
	out, code = runCLI(t, bin, "policy", "test", rules,
		"--initiator", "ci", "--action", "terminate", "--environment", "production")
	if code == 0 || !strings.Contains(out, "Document would be denied.") {
		t.Fatalf("Expected the deny rule to match offline (code %d):\n%s", code, out)
	}
	out = mustRun(t, bin, "policy", "test", rules,
		"--initiator", "ci", "--action", "restart")
	if !strings.Contains(out, "Document would be allowed.") {
		t.Fatalf("Expected a clean document to pass offline, got:\n%s", out)
	}

	// 13. Retention: a max of one snapshot prunes the older one for good.
	out = mustRun(t, bin, "--config", cfgKeepOne, "snapshot", "prune", "--yes")
	if !strings.Contains(out, "[SUCCESS] Pruned 1 snapshots.") {
		t.Fatalf("Expected one snapshot pruned, got:\n%s", out)
	}
	out = mustRun(t, bin, "--config", cfg30, "--json", "snapshot", "list")
	snaps = nil
	parseJSON(t, out, &snaps)
	if len(snaps) != 1 || snaps[0].NodeCount != 30 {
		t.Fatalf("Expected only the newest snapshot to survive, got %+v", snaps)
	}

	t.Log("Full cycle verified: discover, remember, compare, govern, prune.")
}

// TestTerraformSource runs discovery over a real configuration tree and
// checks that declared resources and their references land in the graph.
func TestTerraformSource(t *testing.T) {
	bin := buildBinary(t)

	dir := t.TempDir()
	tfDir := filepath.Join(dir, "infra")
	if err := os.MkdirAll(tfDir, 0o755); err != nil {
		t.Fatalf("Failed to create tf dir: %v", err)
	}
	mainTF := `provider "aws" {
  region = "us-west-2"
}

resource "aws_security_group" "web_sg" {
  description = "allow http"
}

resource "aws_instance" "web" {
  ami                    = "ami-12345678"
  instance_type          = "t3.micro"
  vpc_security_group_ids = [aws_security_group.web_sg.id]
  tags = {
    Name = "web-server"
  }
}

resource "aws_instance" "worker" {
  ami           = "ami-12345678"
  instance_type = "t3.small"
  depends_on    = [aws_instance.web]
}
`
	if err := os.WriteFile(filepath.Join(tfDir, "main.tf"), []byte(mainTF), 0o644); err != nil {
		t.Fatalf("Failed to write main.tf: %v", err)
	}

	cfgPath := filepath.Join(dir, "tf.yaml")
	cfg := fmt.Sprintf(`log_level: warn
archive:
  enabled: true
  dir: %s
providers:
  terraform:
    dirs:
      - %s
`, filepath.Join(dir, "archive"), tfDir)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	// Snapshot so the follow-up process can hydrate the graph back.
	out := mustRun(t, bin, "--config", cfgPath, "sync", "--snapshot")
	if !strings.Contains(out, "terraform-aws (aws): 3 discovered, 3 created") {
		t.Fatalf("Expected 3 scanned resources, got:\n%s", out)
	}
	if !strings.Contains(out, "edges +2/-0") {
		t.Fatalf("Expected a depends_on and a reference edge, got:\n%s", out)
	}

	out = mustRun(t, bin, "--config", cfgPath, "--json", "topology")
	var topo struct {
		Nodes []struct {
			ResourceType string `json:"resourceType"`
			Name         string `json:"name"`
			Region       string `json:"region"`
		} `json:"nodes"`
	}
	parseJSON(t, out, &topo)
	if len(topo.Nodes) != 3 {
		t.Fatalf("Expected 3 nodes, got %d", len(topo.Nodes))
	}
	var namedWeb, regioned bool
	for _, n := range topo.Nodes {
		if n.Name == "web-server" {
			namedWeb = true
		}
		if n.Region == "us-west-2" {
			regioned = true
		}
	}
	if !namedWeb {
		t.Error("Expected the Name tag to become the node name")
	}
	if !regioned {
		t.Error("Expected the provider block region on scanned nodes")
	}
}

// TestUnconfiguredSync ensures the binary stays calm with no providers and
// no archive: an empty cycle, a zero report, exit 0.
func TestUnconfiguredSync(t *testing.T) {
	bin := buildBinary(t)

	cfgPath := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	out := mustRun(t, bin, "--config", cfgPath, "sync")
	if !strings.Contains(out, "0 discovered") {
		t.Fatalf("Expected an empty cycle, got:\n%s", out)
	}
}
