package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/daemonrun"
	"foreman/internal/gitops"
	"foreman/internal/logging"
	"foreman/internal/patrol"
	"foreman/internal/sessions"
	"foreman/internal/statelock"
	"foreman/internal/taskpool"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the worker-management daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonProcess(cmd.Context(), ctx)
		},
	}
}

func runDaemonProcess(cmdCtx context.Context, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg, "daemon.log")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logging.NewComponentLogger(logger, "daemon")

	states := statelock.New(cfg.StatePath())
	pool, err := taskpool.Open(cfg.PoolPath())
	if err != nil {
		return fmt.Errorf("open task pool: %w", err)
	}
	defer func() {
		if closeErr := pool.Close(); closeErr != nil {
			logger.Warn("failed to close task pool", logging.Error(closeErr))
		}
	}()

	tmux := sessions.New()
	patroller := patrol.New(patrol.Policy{
		PendingPromptStaleAfter: time.Duration(cfg.Patrol.PendingPromptStaleSecs) * time.Second,
		PendingClearRetryLimit:  cfg.Patrol.PendingClearRetryLimit,
		CommitFallbackAfter:     time.Duration(cfg.Patrol.CommitFallbackSecs) * time.Second,
	}, tmux, pool, gitops.New(), logger)

	daemon, err := daemonrun.New(cfg, states, pool, patroller, tmux, logger)
	if err != nil {
		return err
	}

	err = daemon.Run(signalCtx)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, daemonrun.ErrRemediationRequired):
		logger.Warn("daemon exiting for remediation")
		return err
	default:
		return err
	}
}
