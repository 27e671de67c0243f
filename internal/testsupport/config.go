// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"foreman/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.RepoRoot = filepath.Join(base, "repo")
	cfg.Paths.WorktreeDir = filepath.Join(base, "worktrees")
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Overseer.RemediationPrompt = "test remediation instructions"

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure config directories: %v", err)
	}
	return &cfg
}

// WithConcurrency overrides the daemon assignment concurrency.
func WithConcurrency(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Daemon.Concurrency = n
	}
}

// WithAgentCommand overrides the remediation agent command.
func WithAgentCommand(command string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Agent.Command = command
	}
}
