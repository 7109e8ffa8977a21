//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// buildBinary builds the CLI and returns the binary path.
func buildBinary(t *testing.T) string {
	t.Helper()
	binPath := filepath.Join(t.TempDir(), "cartograph")
	// Navigate to root
	rootDir := "../../"
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/cartograph")
	cmd.Dir = rootDir
	// Inherit env
	cmd.Env = os.Environ()

	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Build failed: %s", out)
	}
	return binPath
}

// runCLI executes the binary and returns combined output plus exit code.
// Anything other than a clean run or a regular exit failure aborts the test.
func runCLI(t *testing.T, bin string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(bin, args...)
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return string(out), ee.ExitCode()
	}
	t.Fatalf("Running %v failed to start: %v\nOutput: %s", args, err, out)
	return "", -1
}

// mustRun is runCLI plus an exit code assertion.
func mustRun(t *testing.T, bin string, args ...string) string {
	t.Helper()
	out, code := runCLI(t, bin, args...)
	if code != 0 {
		t.Fatalf("%v exited %d:\n%s", args, code, out)
	}
	return out
}

// parseJSON decodes a command's --json output into out.
func parseJSON(t *testing.T, data string, out any) {
	t.Helper()
	if err := json.Unmarshal([]byte(data), out); err != nil {
		t.Fatalf("Failed to parse JSON output: %v\nOutput: %s", err, data)
	}
}

// writeConfig renders a config file with the mock fleet enabled, pointing
// at a shared local archive so graph state survives across invocations.
func writeConfig(t *testing.T, dir, name, archiveDir, rulesFile string, fleetSize, maxSnapshots int) string {
	t.Helper()
	content := fmt.Sprintf(`log_level: warn
archive:
  enabled: true
  dir: %s
retention:
  max_snapshots: %d
policy:
  rules_file: %s
providers:
  mock:
    enabled: true
    seed: 7
    fleet_size: %d
`, archiveDir, maxSnapshots, rulesFile, fleetSize)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// writeRules drops a small rule set: one condition tree denying production
// terminations, one CEL expression flagging dangerous changes.
func writeRules(t *testing.T, dir string) string {
	t.Helper()
	content := `rules:
  - id: no-prod-terminate
    severity: critical
    action: deny
    message: terminating production resources is denied
    condition:
      op: and
      conditions:
        - op: field_equals
          field: environment
          value: production
        - op: field_equals
          field: action
          value: terminate
  - id: dangerous-flagged
    severity: high
    action: warn
    message: dangerous change flagged for review
    expression: dangerous == true
`
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write rules: %v", err)
	}
	return path
}
