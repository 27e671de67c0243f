package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeOverseer()
	c.normalizeDaemon()
	c.normalizePatrol()
	c.normalizeAgent()
	c.normalizeGit()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.RepoRoot) != "" {
		if c.Paths.RepoRoot, err = expandPath(c.Paths.RepoRoot); err != nil {
			return fmt.Errorf("paths.repo_root: %w", err)
		}
	}
	if strings.TrimSpace(c.Paths.WorktreeDir) == "" {
		c.Paths.WorktreeDir = defaultWorktreeDir
	}
	if c.Paths.WorktreeDir, err = expandPath(c.Paths.WorktreeDir); err != nil {
		return fmt.Errorf("paths.worktree_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeOverseer() {
	if c.Overseer.HeartbeatTimeoutSecs <= 0 {
		c.Overseer.HeartbeatTimeoutSecs = defaultHeartbeatTimeoutSecs
	}
	if c.Overseer.StallTimeoutSecs <= 0 {
		c.Overseer.StallTimeoutSecs = defaultStallTimeoutSecs
	}
	if c.Overseer.RestartCooldownSecs <= 0 {
		c.Overseer.RestartCooldownSecs = defaultRestartCooldownSecs
	}
	if c.Overseer.HealthCheckIntervalSecs <= 0 {
		c.Overseer.HealthCheckIntervalSecs = defaultHealthCheckIntervalSecs
	}
	if c.Overseer.StartupTimeoutSecs <= 0 {
		c.Overseer.StartupTimeoutSecs = defaultStartupTimeoutSecs
	}
}

func (c *Config) normalizeDaemon() {
	if c.Daemon.PollIntervalSecs <= 0 {
		c.Daemon.PollIntervalSecs = defaultDaemonPollIntervalSecs
	}
	if c.Daemon.HeartbeatIntervalSecs <= 0 {
		c.Daemon.HeartbeatIntervalSecs = defaultDaemonHeartbeatIntervalSecs
	}
	if c.Daemon.Concurrency <= 0 {
		c.Daemon.Concurrency = defaultDaemonConcurrency
	}
}

func (c *Config) normalizePatrol() {
	if c.Patrol.PendingPromptStaleSecs <= 0 {
		c.Patrol.PendingPromptStaleSecs = defaultPendingPromptStaleSecs
	}
	if c.Patrol.PendingClearRetryLimit <= 0 {
		c.Patrol.PendingClearRetryLimit = defaultPendingClearRetryLimit
	}
	if c.Patrol.CommitFallbackSecs <= 0 {
		c.Patrol.CommitFallbackSecs = defaultCommitFallbackSecs
	}
}

func (c *Config) normalizeAgent() {
	c.Agent.Command = strings.TrimSpace(c.Agent.Command)
	if c.Agent.Command == "" {
		c.Agent.Command = defaultAgentCommand
	}
	c.Agent.Model = strings.TrimSpace(c.Agent.Model)
	c.Agent.SelfReviewPrompt = strings.TrimSpace(c.Agent.SelfReviewPrompt)
}

func (c *Config) normalizeGit() {
	c.Git.DefaultBranch = strings.TrimSpace(c.Git.DefaultBranch)
	if c.Git.DefaultBranch == "" {
		c.Git.DefaultBranch = "main"
	}
	c.Git.BranchPrefix = strings.TrimSpace(c.Git.BranchPrefix)
	if c.Git.BranchPrefix == "" {
		c.Git.BranchPrefix = defaultBranchPrefix
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
