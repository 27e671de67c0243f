package daemonctl

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"foreman/internal/heartbeat"
)

const (
	defaultTerminateGrace = 30 * time.Second
	terminatePollInterval = 500 * time.Millisecond
)

// Outcome classifies how a termination ended.
type Outcome string

const (
	OutcomeGraceful    Outcome = "graceful_shutdown"
	OutcomeForcedKill  Outcome = "forceful_kill"
	OutcomeAlreadyGone Outcome = "already_gone"
	OutcomeFailed      Outcome = "failed"
)

// TerminationResult reports the outcome of one termination attempt.
type TerminationResult struct {
	Outcome Outcome
	Reason  string
}

// TerminateOptions tune the termination protocol.
type TerminateOptions struct {
	Grace        time.Duration
	PollInterval time.Duration

	// RegistrationPath and HeartbeatPath are removed once the process is
	// confirmed gone, so a later startup poll cannot read stale identity.
	RegistrationPath string
	HeartbeatPath    string
}

func (o *TerminateOptions) fill() {
	if o.Grace <= 0 {
		o.Grace = defaultTerminateGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = terminatePollInterval
	}
}

// Terminate runs the shutdown protocol against a daemon pid: SIGTERM, a grace
// window polled for exit, then SIGKILL with verification. Callers holding a
// Handle must still Kill it afterwards to reap the child.
func Terminate(ctx context.Context, pid int, opts TerminateOptions) TerminationResult {
	opts.fill()

	if !processAlive(pid) {
		cleanupFiles(opts)
		return TerminationResult{Outcome: OutcomeAlreadyGone}
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if !processAlive(pid) {
			cleanupFiles(opts)
			return TerminationResult{Outcome: OutcomeAlreadyGone}
		}
		return TerminationResult{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("signal pid %d: %v", pid, err),
		}
	}

	if waitGone(ctx, pid, opts.Grace, opts.PollInterval) {
		cleanupFiles(opts)
		return TerminationResult{Outcome: OutcomeGraceful}
	}
	if err := ctx.Err(); err != nil {
		return TerminationResult{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("canceled while waiting for pid %d: %v", pid, err),
		}
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && processAlive(pid) {
		return TerminationResult{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("kill pid %d: %v", pid, err),
		}
	}
	if !waitGone(ctx, pid, opts.Grace, opts.PollInterval) {
		return TerminationResult{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("pid %d survived SIGKILL", pid),
		}
	}
	cleanupFiles(opts)
	return TerminationResult{Outcome: OutcomeForcedKill}
}

func waitGone(ctx context.Context, pid int, grace, poll time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !processAlive(pid)
		case <-deadline.C:
			return !processAlive(pid)
		case <-ticker.C:
		}
	}
}

func cleanupFiles(opts TerminateOptions) {
	if opts.RegistrationPath != "" {
		_ = heartbeat.Remove(opts.RegistrationPath)
	}
	if opts.HeartbeatPath != "" {
		_ = heartbeat.Remove(opts.HeartbeatPath)
	}
}
