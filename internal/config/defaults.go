package config

const (
	defaultWorktreeDir = "~/.local/share/foreman/worktrees"
	defaultStateDir    = "~/.local/share/foreman/state"
	defaultLogDir      = "~/.local/share/foreman/logs"

	defaultHeartbeatTimeoutSecs    = 30
	defaultStallTimeoutSecs        = 3600
	defaultRestartCooldownSecs     = 60
	defaultHealthCheckIntervalSecs = 5
	defaultStartupTimeoutSecs      = 60

	defaultDaemonPollIntervalSecs      = 5
	defaultDaemonHeartbeatIntervalSecs = 5
	defaultDaemonConcurrency           = 2

	defaultPendingPromptStaleSecs = 120
	defaultPendingClearRetryLimit = 3
	defaultCommitFallbackSecs     = 900

	defaultAgentCommand = "claude"
	defaultBranchPrefix = "foreman/"

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorktreeDir: defaultWorktreeDir,
			StateDir:    defaultStateDir,
			LogDir:      defaultLogDir,
		},
		Overseer: Overseer{
			HeartbeatTimeoutSecs:    defaultHeartbeatTimeoutSecs,
			StallTimeoutSecs:        defaultStallTimeoutSecs,
			RestartCooldownSecs:     defaultRestartCooldownSecs,
			HealthCheckIntervalSecs: defaultHealthCheckIntervalSecs,
			StartupTimeoutSecs:      defaultStartupTimeoutSecs,
		},
		Daemon: Daemon{
			PollIntervalSecs:      defaultDaemonPollIntervalSecs,
			HeartbeatIntervalSecs: defaultDaemonHeartbeatIntervalSecs,
			Concurrency:           defaultDaemonConcurrency,
		},
		Patrol: Patrol{
			PendingPromptStaleSecs: defaultPendingPromptStaleSecs,
			PendingClearRetryLimit: defaultPendingClearRetryLimit,
			CommitFallbackSecs:     defaultCommitFallbackSecs,
		},
		Agent: Agent{
			Command: defaultAgentCommand,
		},
		Git: Git{
			DefaultBranch: "main",
			BranchPrefix:  defaultBranchPrefix,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
