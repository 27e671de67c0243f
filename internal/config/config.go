package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration for one installation.
type Paths struct {
	RepoRoot    string `toml:"repo_root"`
	WorktreeDir string `toml:"worktree_dir"`
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
}

// Overseer contains supervisor policy for the daemon watchdog.
type Overseer struct {
	RemediationPrompt       string `toml:"remediation_prompt"`
	HeartbeatTimeoutSecs    int    `toml:"heartbeat_timeout_secs"`
	StallTimeoutSecs        int    `toml:"stall_timeout_secs"`
	RestartCooldownSecs     int    `toml:"restart_cooldown_secs"`
	HealthCheckIntervalSecs int    `toml:"health_check_interval_secs"`
	StartupTimeoutSecs      int    `toml:"startup_timeout_secs"`
}

// Daemon contains configuration for the worker-management daemon loop.
type Daemon struct {
	PollIntervalSecs      int `toml:"poll_interval_secs"`
	HeartbeatIntervalSecs int `toml:"heartbeat_interval_secs"`
	Concurrency           int `toml:"concurrency"`
}

// Patrol contains thresholds for the periodic state reconciliation pass.
type Patrol struct {
	PendingPromptStaleSecs int `toml:"pending_prompt_stale_secs"`
	PendingClearRetryLimit int `toml:"pending_clear_retry_limit"`
	CommitFallbackSecs     int `toml:"commit_fallback_secs"`
}

// Agent contains configuration for the external coding-agent runtime.
type Agent struct {
	Command          string `toml:"command"`
	Model            string `toml:"model"`
	SelfReviewPrompt string `toml:"self_review_prompt"`
}

// Git contains repository settings used when provisioning worker worktrees.
type Git struct {
	DefaultBranch string `toml:"default_branch"`
	BranchPrefix  string `toml:"branch_prefix"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for foreman.
//
// Configuration sections by subsystem:
//   - Paths: installation directories (repo root, worktrees, state, logs)
//   - Overseer: watchdog timeouts and the remediation prompt
//   - Daemon: polling and heartbeat intervals, auto-worker concurrency
//   - Patrol: reconciliation thresholds and retry ceilings
//   - Agent: external coding-agent command and prompts
//   - Git: branch naming for worker worktrees
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Overseer Overseer `toml:"overseer"`
	Daemon   Daemon   `toml:"daemon"`
	Patrol   Patrol   `toml:"patrol"`
	Agent    Agent    `toml:"agent"`
	Git      Git      `toml:"git"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/foreman/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("foreman.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories required for daemon and overseer
// operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.WorktreeDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StatePath returns the location of the durable installation state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// RegistrationPath returns the daemon self-registration file location.
func (c *Config) RegistrationPath() string {
	return filepath.Join(c.Paths.StateDir, "daemon.json")
}

// HeartbeatPath returns the daemon heartbeat file location.
func (c *Config) HeartbeatPath() string {
	return filepath.Join(c.Paths.StateDir, "heartbeat.json")
}

// PoolPath returns the task pool database location.
func (c *Config) PoolPath() string {
	return filepath.Join(c.Paths.StateDir, "pool.db")
}

// ControlDir returns the directory scanned for manual-intervention sentinels.
func (c *Config) ControlDir() string {
	return c.Paths.StateDir
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
