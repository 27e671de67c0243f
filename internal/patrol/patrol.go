// Package patrol reconciles recorded worker state with the live sessions and
// worktrees on the host. It runs inside the daemon loop, always under the
// state lock; patrol mutates the state in place and the caller persists it.
package patrol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"foreman/internal/logging"
	"foreman/internal/state"
)

// SessionControl is the slice of session behaviour patrol drives: probing for
// liveness, clearing a wedged input line, and re-sending a staged prompt.
type SessionControl interface {
	Exists(ctx context.Context, name string) (bool, error)
	Clear(ctx context.Context, name string) error
	Send(ctx context.Context, name, text string) error
}

// TaskReleaser returns a claimed pool task when its worker fails.
type TaskReleaser interface {
	Release(ctx context.Context, id int64) error
}

// HeadResolver resolves the current head commit of a worktree.
type HeadResolver interface {
	HeadCommit(ctx context.Context, dir string) (string, error)
}

// Policy holds the patrol thresholds.
type Policy struct {
	// PendingPromptStaleAfter is how long a staged prompt may sit
	// undelivered before patrol retries it.
	PendingPromptStaleAfter time.Duration
	// PendingClearRetryLimit bounds those retries; exceeding it escalates.
	PendingClearRetryLimit int
	// CommitFallbackAfter promotes a working worker with outstanding
	// commits to needs_review after this window, timed from first
	// detection of the commits.
	CommitFallbackAfter time.Duration
}

// Report describes what one patrol pass changed.
type Report struct {
	MarkedOffline  []string
	Resumed        []string
	PromptRetries  []string
	Escalated      []string
	ReviewFallback []string

	// StopDaemon is set when a worker exhausted its retry budget and the
	// installation needs remediation before the daemon continues.
	StopDaemon bool
}

// Changed reports whether the pass mutated any worker.
func (r Report) Changed() bool {
	return len(r.MarkedOffline) > 0 || len(r.Resumed) > 0 || len(r.PromptRetries) > 0 ||
		len(r.Escalated) > 0 || len(r.ReviewFallback) > 0
}

// Patrol reconciles one installation.
type Patrol struct {
	policy   Policy
	sessions SessionControl
	pool     TaskReleaser
	git      HeadResolver
	logger   *slog.Logger
}

// New constructs a patrol. The pool and git dependencies are optional; without
// them the corresponding duties are skipped.
func New(policy Policy, sessions SessionControl, pool TaskReleaser, git HeadResolver, logger *slog.Logger) *Patrol {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Patrol{policy: policy, sessions: sessions, pool: pool, git: git, logger: logger}
}

// Run executes one reconciliation pass over every worker.
func (p *Patrol) Run(ctx context.Context, st *state.State, now int64) (Report, error) {
	var report Report
	for _, name := range st.WorkerNames() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec := st.Worker(name)
		if err := p.reconcileWorker(ctx, st, rec, now, &report); err != nil {
			return report, fmt.Errorf("patrol worker %s: %w", name, err)
		}
	}
	return report, nil
}

func (p *Patrol) reconcileWorker(ctx context.Context, st *state.State, rec *state.WorkerRecord, now int64, report *Report) error {
	alive, err := p.sessions.Exists(ctx, rec.SessionID)
	if err != nil {
		return fmt.Errorf("probe session: %w", err)
	}

	switch {
	case !alive && rec.Status != state.StatusOffline:
		if err := state.ApplyTransition(rec, state.Transition{To: state.StatusOffline}, now); err != nil {
			return err
		}
		report.MarkedOffline = append(report.MarkedOffline, rec.Name)
		p.logger.Warn("worker session gone, marked offline",
			logging.String(logging.FieldWorker, rec.Name),
			logging.String("session", rec.SessionID))
		return nil
	case alive && rec.Status == state.StatusOffline:
		state.ResumeFromOffline(rec, now)
		report.Resumed = append(report.Resumed, rec.Name)
		p.logger.Info("worker session back, status restored",
			logging.String(logging.FieldWorker, rec.Name),
			logging.String("status", string(rec.Status)))
	}

	if !alive {
		return nil
	}

	if err := p.retryStalePrompt(ctx, st, rec, now, report); err != nil {
		return err
	}
	return p.commitFallback(ctx, rec, now, report)
}

// retryStalePrompt pushes a staged prompt that never reached its worker:
// clear the input line, resend, and on success hand the worker its task. A
// failed attempt bumps the bounded retry counter; exhausting the budget moves
// the worker to error and asks for the daemon to stop.
func (p *Patrol) retryStalePrompt(ctx context.Context, st *state.State, rec *state.WorkerRecord, now int64, report *Report) error {
	if rec.PendingTaskPrompt == "" || rec.PendingTaskPromptSinceUnix == nil {
		return nil
	}
	age := now - *rec.PendingTaskPromptSinceUnix
	if age <= int64(p.policy.PendingPromptStaleAfter/time.Second) {
		return nil
	}

	if rec.PendingClearRetryCount >= p.policy.PendingClearRetryLimit {
		if err := state.ApplyTransition(rec, state.Transition{
			To:     state.StatusError,
			Reason: fmt.Sprintf("staged prompt undelivered after %d retries", rec.PendingClearRetryCount),
		}, now); err != nil {
			return err
		}
		p.releaseClaimedTask(ctx, rec)
		report.Escalated = append(report.Escalated, rec.Name)
		report.StopDaemon = true
		p.logger.Error("prompt retry budget exhausted",
			logging.String(logging.FieldWorker, rec.Name),
			logging.Int("retries", rec.PendingClearRetryCount))
		return nil
	}

	rec.PendingClearRetryCount++
	report.PromptRetries = append(report.PromptRetries, rec.Name)
	if err := p.sessions.Clear(ctx, rec.SessionID); err != nil {
		rec.PendingTaskPromptSinceUnix = &now
		p.logger.Warn("failed to clear session for prompt retry",
			logging.String(logging.FieldWorker, rec.Name),
			logging.Int("attempt", rec.PendingClearRetryCount),
			logging.Error(err))
		return nil
	}
	if err := p.sessions.Send(ctx, rec.SessionID, rec.PendingTaskPrompt); err != nil {
		rec.PendingTaskPromptSinceUnix = &now
		p.logger.Warn("failed to resend staged prompt",
			logging.String(logging.FieldWorker, rec.Name),
			logging.Int("attempt", rec.PendingClearRetryCount),
			logging.Error(err))
		return nil
	}

	// Delivered: the staged prompt becomes the worker's task.
	if err := state.ApplyTransition(rec, state.Transition{
		To:      state.StatusWorking,
		Task:    rec.PendingTaskPrompt,
		TaskCmd: rec.TaskCmd,
	}, now); err != nil {
		return fmt.Errorf("promote delivered prompt: %w", err)
	}
	rec.ClearStagedPrompt()
	st.RecordTaskAssignment(now)
	p.logger.Info("redelivered staged prompt",
		logging.String(logging.FieldWorker, rec.Name))
	return nil
}

// commitFallback promotes a working worker whose commits have been sitting
// unreported past the fallback window, using the worktree head as the review
// commit.
func (p *Patrol) commitFallback(ctx context.Context, rec *state.WorkerRecord, now int64, report *Report) error {
	if p.git == nil || rec.Status != state.StatusWorking || rec.CommitsFirstSeenUnix == nil {
		return nil
	}
	age := now - *rec.CommitsFirstSeenUnix
	if age <= int64(p.policy.CommitFallbackAfter/time.Second) {
		return nil
	}

	head, err := p.git.HeadCommit(ctx, rec.WorktreePath)
	if err != nil {
		return fmt.Errorf("resolve fallback commit: %w", err)
	}
	if err := state.ApplyTransition(rec, state.Transition{
		To:           state.StatusNeedsReview,
		ReviewCommit: head,
	}, now); err != nil {
		return err
	}
	rec.CommitsFirstSeenUnix = nil
	report.ReviewFallback = append(report.ReviewFallback, rec.Name)
	p.logger.Warn("commits unreported past fallback window, moved to review",
		logging.String(logging.FieldWorker, rec.Name),
		logging.String("commit", head))
	return nil
}

func (p *Patrol) releaseClaimedTask(ctx context.Context, rec *state.WorkerRecord) {
	if p.pool == nil || rec.ClaimedTaskID == 0 {
		return
	}
	if err := p.pool.Release(ctx, rec.ClaimedTaskID); err != nil {
		p.logger.Warn("failed to release claimed pool task",
			logging.String(logging.FieldWorker, rec.Name),
			logging.Int64(logging.FieldTaskID, rec.ClaimedTaskID),
			logging.Error(err))
		return
	}
	rec.ClaimedTaskID = 0
}
