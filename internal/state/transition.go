package state

import "fmt"

// Transition describes a requested worker status change plus its payload.
type Transition struct {
	To Status
	// Task carries the prompt when transitioning to working.
	Task string
	// TaskCmd records the command that produced the task, when any.
	TaskCmd string
	// ReviewCommit carries the commit id when transitioning to needs_review.
	ReviewCommit string
	// Reason carries review feedback or the error reason.
	Reason string
}

// ApplyTransition validates and applies a transition to a worker record,
// updating payload fields and activity bookkeeping.
func ApplyTransition(rec *WorkerRecord, tr Transition, now int64) error {
	if rec == nil {
		return fmt.Errorf("apply transition: nil worker record")
	}
	from := rec.Status
	if from == StatusOffline && tr.To != StatusOffline && rec.ResumeStatus != "" {
		// Transitions out of offline are judged against the preserved status.
		from = rec.ResumeStatus
	}
	if !CanTransition(from, tr.To) {
		return fmt.Errorf("invalid transition for worker %q: %s -> %s", rec.Name, rec.Status, tr.To)
	}

	switch tr.To {
	case StatusWorking:
		rec.CurrentTask = tr.Task
		rec.TaskCmd = tr.TaskCmd
		rec.ReviewCommit = ""
		rec.ErrorReason = ""
	case StatusNeedsReview:
		if tr.ReviewCommit == "" {
			return fmt.Errorf("worker %q: needs_review transition requires a review commit", rec.Name)
		}
		rec.ReviewCommit = tr.ReviewCommit
	case StatusIdle:
		rec.CurrentTask = ""
		rec.TaskCmd = ""
		rec.ReviewCommit = ""
		rec.ErrorReason = ""
	case StatusNoChanges:
		rec.ReviewCommit = ""
	case StatusError:
		rec.ErrorReason = tr.Reason
	case StatusOffline:
		if rec.Status != StatusOffline {
			rec.ResumeStatus = rec.Status
		}
	}

	if tr.To != StatusOffline {
		rec.ResumeStatus = ""
	}

	// A completed cycle clears the crash history.
	if tr.To == StatusIdle || tr.To == StatusNeedsReview || tr.To == StatusNoChanges {
		rec.CrashCount = 0
		rec.LastCrashUnix = nil
	}

	rec.Status = tr.To
	rec.LastActivityUnix = now
	return nil
}

// ResumeFromOffline restores the status recorded before the worker went
// offline. Workers with no preserved status come back idle.
func ResumeFromOffline(rec *WorkerRecord, now int64) {
	if rec == nil || rec.Status != StatusOffline {
		return
	}
	restored := rec.ResumeStatus
	if restored == "" || restored == StatusOffline {
		restored = StatusIdle
	}
	rec.Status = restored
	rec.ResumeStatus = ""
	rec.LastActivityUnix = now
}
