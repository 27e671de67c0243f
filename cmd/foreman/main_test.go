package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	path := filepath.Join(base, "config.toml")
	content := `
[paths]
state_dir = "` + filepath.Join(base, "state") + `"
log_dir = "` + filepath.Join(base, "logs") + `"
worktree_dir = "` + filepath.Join(base, "worktrees") + `"

[overseer]
remediation_prompt = "fix it"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigNewWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	out, err := runCommand(t, "config", "new", "--path", target)
	if err != nil {
		t.Fatalf("config new: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("output should name the target: %s", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	if _, err := runCommand(t, "config", "new", "--path", target); err == nil {
		t.Fatal("second run without --overwrite should fail")
	}
}

func TestStatusOnFreshInstallation(t *testing.T) {
	cfgPath := writeTestConfig(t)
	out, err := runCommand(t, "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No workers") {
		t.Fatalf("fresh installation should have no workers: %s", out)
	}
	if !strings.Contains(out, "Daemon registration: none") {
		t.Fatalf("fresh installation should have no registration: %s", out)
	}
}

func TestPoolAddAndList(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCommand(t, "--config", cfgPath, "pool", "add", "build", "the", "indexer")
	if err != nil {
		t.Fatalf("pool add: %v", err)
	}
	if !strings.Contains(out, "Task 1 added") {
		t.Fatalf("unexpected add output: %s", out)
	}

	out, err = runCommand(t, "--config", cfgPath, "pool", "list")
	if err != nil {
		t.Fatalf("pool list: %v", err)
	}
	if !strings.Contains(out, "build the indexer") || !strings.Contains(out, "1 pending") {
		t.Fatalf("unexpected list output: %s", out)
	}
}

func TestOverseerShutdownExitsCleanly(t *testing.T) {
	base := t.TempDir()
	cfgPath := filepath.Join(base, "config.toml")
	content := `
[paths]
state_dir = "` + filepath.Join(base, "state") + `"
log_dir = "` + filepath.Join(base, "logs") + `"
worktree_dir = "` + filepath.Join(base, "worktrees") + `"

[overseer]
remediation_prompt = "fix it"

[agent]
command = "/bin/true"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := runOverseer(cmdCtx, newCommandContext(&cfgPath)); err != nil {
		t.Fatalf("a requested shutdown must exit cleanly, got %v", err)
	}
}

func TestReviewOnEmptyFleet(t *testing.T) {
	cfgPath := writeTestConfig(t)
	out, err := runCommand(t, "--config", cfgPath, "review")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !strings.Contains(out, "No workers awaiting review") {
		t.Fatalf("unexpected review output: %s", out)
	}
}
