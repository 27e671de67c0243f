package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/heartbeat"
	"foreman/internal/state"
)

// Status commands read the state file without taking the process lock, so
// they never block a running daemon. A snapshot can be one save behind.

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and fleet status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := ctx.stateService()
			if err != nil {
				return err
			}
			st, err := svc.Snapshot()
			if err != nil {
				return fmt.Errorf("read state: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon running (recorded): %s\n", yesNo(st.DaemonRunning))
			if reg, err := heartbeat.ReadRegistration(cfg.RegistrationPath()); err == nil {
				fmt.Fprintf(out, "Daemon registration: pid %d, instance %s\n", reg.PID, reg.InstanceID)
			} else {
				fmt.Fprintln(out, "Daemon registration: none")
			}
			if beat, err := heartbeat.ReadBeat(cfg.HeartbeatPath()); err == nil {
				fmt.Fprintf(out, "Last heartbeat: %s\n", formatAge(beat.TimestampUnix))
			}
			fmt.Fprintf(out, "Auto mode: %s\n", yesNo(st.AutoMode))
			fmt.Fprintf(out, "Last task assignment: %s\n", formatOptionalAge(st.LastTaskAssignmentUnix))
			fmt.Fprintf(out, "Last task completion: %s\n", formatOptionalAge(st.LastTaskCompletionUnix))
			fmt.Fprintln(out)
			printWorkerTable(cmd, cfg.Agent.SelfReviewPrompt, st)
			return nil
		},
	}
}

func newWorkersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List workers and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := ctx.stateService()
			if err != nil {
				return err
			}
			st, err := svc.Snapshot()
			if err != nil {
				return fmt.Errorf("read state: %w", err)
			}
			printWorkerTable(cmd, cfg.Agent.SelfReviewPrompt, st)
			return nil
		},
	}
}

func newReviewCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "List workers that are ready for human review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := ctx.stateService()
			if err != nil {
				return err
			}
			st, err := svc.Snapshot()
			if err != nil {
				return fmt.Errorf("read state: %w", err)
			}

			ready := st.ReadyForReview(cfg.Agent.SelfReviewPrompt)
			if len(ready) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workers awaiting review")
				return nil
			}
			rows := make([][]string, 0, len(ready))
			for _, rec := range ready {
				rows = append(rows, []string{
					rec.Name,
					rec.Branch,
					rec.ReviewCommit,
					firstLine(rec.CurrentTask),
				})
			}
			writeTable(cmd.OutOrStdout(), []string{"Worker", "Branch", "Commit", "Task"}, rows)
			return nil
		},
	}
}

func printWorkerTable(cmd *cobra.Command, selfReviewPrompt string, st *state.State) {
	out := cmd.OutOrStdout()
	if len(st.Workers) == 0 {
		fmt.Fprintln(out, "No workers")
		return
	}
	rows := make([][]string, 0, len(st.Workers))
	for _, name := range st.WorkerNames() {
		rec := st.Worker(name)
		rows = append(rows, []string{
			rec.Name,
			string(state.DisplayStatus(rec, selfReviewPrompt)),
			rec.Branch,
			firstLine(rec.CurrentTask),
			formatAge(rec.LastActivityUnix),
			strconv.Itoa(rec.CrashCount),
		})
	}
	writeTable(out,
		[]string{"Worker", "Status", "Branch", "Task", "Last activity", "Crashes"},
		rows, 5, 6)
}

func formatAge(ts int64) string {
	if ts <= 0 {
		return "never"
	}
	age := time.Since(time.Unix(ts, 0)).Round(time.Second)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("%s ago", age)
}

func formatOptionalAge(ts *int64) string {
	if ts == nil {
		return "never"
	}
	return formatAge(*ts)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
