package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/daemonctl"
	"foreman/internal/gitops"
	"foreman/internal/heartbeat"
	"foreman/internal/logging"
	"foreman/internal/overseer"
	"foreman/internal/remediation"
	"foreman/internal/state"
	"foreman/internal/statelock"
)

func newOverseerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "overseer",
		Short: "Supervise the worker-management daemon, restarting and remediating on failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverseer(cmd.Context(), ctx)
		},
	}
}

func runOverseer(cmdCtx context.Context, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := overseer.ValidateConfig(cfg); err != nil {
		return err
	}

	logger, err := logging.NewFromConfig(cfg, "overseer.log")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logging.NewComponentLogger(logger, "overseer")

	states := statelock.New(cfg.StatePath())
	monitor := daemonctl.NewMonitor(
		cfg.RegistrationPath(),
		cfg.HeartbeatPath(),
		states,
		time.Duration(cfg.Overseer.HeartbeatTimeoutSecs)*time.Second,
		time.Duration(cfg.Overseer.StallTimeoutSecs)*time.Second,
	)
	executor := remediation.NewExecutor(
		remediation.CommandRunner{Command: cfg.Agent.Command, Dir: cfg.Paths.RepoRoot},
		cfg.Paths.LogDir,
		0,
		logger,
	)
	git := gitops.New()

	daemonArgs := []string{"daemon"}
	if path := ctx.resolvedConfigPath(); path != "" {
		daemonArgs = append(daemonArgs, "--config", path)
	}

	deps := overseer.Deps{
		EnsureAgent: func(context.Context) error {
			if _, err := exec.LookPath(cfg.Agent.Command); err != nil {
				return fmt.Errorf("agent command %q: %w", cfg.Agent.Command, err)
			}
			return nil
		},
		Launch: func(launchCtx context.Context) (overseer.Child, heartbeat.Registration, error) {
			handle, reg, err := daemonctl.Launch(launchCtx, daemonctl.LaunchOptions{
				Args:             daemonArgs,
				RegistrationPath: cfg.RegistrationPath(),
				StartupTimeout:   time.Duration(cfg.Overseer.StartupTimeoutSecs) * time.Second,
				Logger:           logger,
			})
			if err != nil {
				return nil, heartbeat.Registration{}, err
			}
			return handle, reg, nil
		},
		Check: monitor.Check,
		Terminate: func(termCtx context.Context, pid int) daemonctl.TerminationResult {
			return daemonctl.Terminate(termCtx, pid, daemonctl.TerminateOptions{
				RegistrationPath: cfg.RegistrationPath(),
				HeartbeatPath:    cfg.HeartbeatPath(),
			})
		},
		Remediate: func(remCtx context.Context, failure daemonctl.HealthStatus) error {
			rc := remediation.Context{Failure: failure}
			if snapshot, snapErr := states.Snapshot(); snapErr == nil {
				rc.Fleet = snapshot
				rc.DirtyWorktrees = dirtyWorktrees(remCtx, git, snapshot)
			}
			if reg, regErr := heartbeat.ReadRegistration(cfg.RegistrationPath()); regErr == nil {
				rc.Registration = reg
			}
			_, err := executor.Execute(remCtx, cfg.Overseer.RemediationPrompt, rc)
			return err
		},
	}

	o, err := overseer.New(deps, overseer.Options{
		StateDir:        cfg.Paths.StateDir,
		HealthInterval:  time.Duration(cfg.Overseer.HealthCheckIntervalSecs) * time.Second,
		RestartCooldown: time.Duration(cfg.Overseer.RestartCooldownSecs) * time.Second,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	if err := o.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	// A requested shutdown is a clean exit.
	return nil
}

func dirtyWorktrees(ctx context.Context, git *gitops.Client, st *state.State) map[string]string {
	dirty := make(map[string]string)
	for _, name := range st.WorkerNames() {
		rec := st.Worker(name)
		isDirty, err := git.DirtyWorktree(ctx, rec.WorktreePath)
		if err != nil || !isDirty {
			continue
		}
		summary, err := git.StatusSummary(ctx, rec.WorktreePath)
		if err != nil {
			summary = "(status unavailable)"
		}
		dirty[name] = summary
	}
	return dirty
}
