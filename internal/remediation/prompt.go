package remediation

import (
	"fmt"
	"sort"
	"strings"

	"foreman/internal/daemonctl"
	"foreman/internal/heartbeat"
	"foreman/internal/state"
)

// Context carries everything the remediation agent is told about a failure.
type Context struct {
	Failure      daemonctl.HealthStatus
	Registration heartbeat.Registration
	Fleet        *state.State

	// DirtyWorktrees maps worker name to a short git status summary.
	DirtyWorktrees map[string]string
	// LogExcerpt holds the tail of the daemon log, when available.
	LogExcerpt string
}

// BuildPrompt assembles the remediation prompt: the operator's standing
// instructions, the observed failure context, and what the agent must do
// before it finishes.
func BuildPrompt(instructions string, rc Context) string {
	var b strings.Builder

	b.WriteString("## Operator instructions\n\n")
	b.WriteString(strings.TrimSpace(instructions))
	b.WriteString("\n\n")

	b.WriteString("## Failure context\n\n")
	fmt.Fprintf(&b, "The worker-management daemon failed its health check: %s", rc.Failure.Cause)
	if rc.Failure.Detail != "" {
		fmt.Fprintf(&b, " (%s)", rc.Failure.Detail)
	}
	if rc.Failure.AgeSecs > 0 {
		fmt.Fprintf(&b, ", age %ds", rc.Failure.AgeSecs)
	}
	b.WriteString(".\n")
	if rc.Registration.PID > 0 {
		fmt.Fprintf(&b, "Last registration: pid %d, instance %s.\n",
			rc.Registration.PID, rc.Registration.InstanceID)
	}
	writeFleet(&b, rc.Fleet)
	writeDirtyWorktrees(&b, rc.DirtyWorktrees)
	if rc.LogExcerpt != "" {
		b.WriteString("\nRecent daemon log:\n```\n")
		b.WriteString(strings.TrimSpace(rc.LogExcerpt))
		b.WriteString("\n```\n")
	}
	b.WriteString("\n")

	b.WriteString("## What you must do\n\n")
	b.WriteString("Investigate the failure and repair the installation so the daemon " +
		"can be restarted: fix or reset broken worker state, clean up stale lock, " +
		"registration, or heartbeat files, and commit or stash stray worktree " +
		"changes. Do not start the daemon yourself; the supervisor restarts it " +
		"after you finish. If the problem needs a human, write a file named " +
		"manual_intervention_needed_<topic>.txt into the state directory " +
		"describing what is wrong, and stop.\n")

	return b.String()
}

func writeFleet(b *strings.Builder, st *state.State) {
	if st == nil || len(st.Workers) == 0 {
		return
	}
	b.WriteString("Workers:\n")
	for _, name := range st.WorkerNames() {
		rec := st.Worker(name)
		fmt.Fprintf(b, "- %s: %s", name, rec.Status)
		if rec.CurrentTask != "" {
			fmt.Fprintf(b, ", task: %s", firstLine(rec.CurrentTask))
		}
		if rec.ErrorReason != "" {
			fmt.Fprintf(b, ", error: %s", rec.ErrorReason)
		}
		b.WriteString("\n")
	}
}

func writeDirtyWorktrees(b *strings.Builder, dirty map[string]string) {
	if len(dirty) == 0 {
		return
	}
	names := make([]string, 0, len(dirty))
	for name := range dirty {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteString("Dirty worktrees:\n")
	for _, name := range names {
		fmt.Fprintf(b, "- %s:\n%s\n", name, indent(dirty[name], "    "))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
