package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"foreman/internal/taskpool"
)

func newPoolCommand(ctx *commandContext) *cobra.Command {
	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage the shared task pool",
	}
	poolCmd.AddCommand(newPoolAddCommand(ctx))
	poolCmd.AddCommand(newPoolListCommand(ctx))
	poolCmd.AddCommand(newPoolReleaseCommand(ctx))
	return poolCmd
}

func withPool(ctx *commandContext, fn func(store *taskpool.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := taskpool.Open(cfg.PoolPath())
	if err != nil {
		return fmt.Errorf("open task pool: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func newPoolAddCommand(ctx *commandContext) *cobra.Command {
	var taskCmd string
	cmd := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Add a task to the pool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(ctx, func(store *taskpool.Store) error {
				task, err := store.Add(cmd.Context(), strings.Join(args, " "), taskCmd)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %d added\n", task.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskCmd, "task-cmd", "", "Command that generated this task")
	return cmd
}

func newPoolListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pool tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []taskpool.Status
			if statusFilter != "" {
				status, ok := taskpool.ParseStatus(statusFilter)
				if !ok {
					return fmt.Errorf("unknown pool status %q", statusFilter)
				}
				statuses = append(statuses, status)
			}
			return withPool(ctx, func(store *taskpool.Store) error {
				tasks, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Pool is empty")
					return nil
				}
				rows := make([][]string, 0, len(tasks))
				for _, task := range tasks {
					rows = append(rows, []string{
						strconv.FormatInt(task.ID, 10),
						string(task.Status),
						task.ClaimedBy,
						firstLine(task.Prompt),
					})
				}
				writeTable(cmd.OutOrStdout(), []string{"ID", "Status", "Claimed by", "Prompt"}, rows, 1)

				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d pending, %d claimed, %d done, %d failed\n",
					stats.Pending, stats.Claimed, stats.Done, stats.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (pending, claimed, done, failed)")
	return cmd
}

func newPoolReleaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Return a claimed task to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withPool(ctx, func(store *taskpool.Store) error {
				if err := store.Release(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %d released\n", id)
				return nil
			})
		},
	}
}
