package state

// WorkerRecord is the durable record for one named worker. Records are only
// created and mutated by the process holding the state lock.
type WorkerRecord struct {
	Name         string `json:"name"`
	WorktreePath string `json:"worktree_path"`
	Branch       string `json:"branch"`
	Status       Status `json:"status"`

	CurrentTask string `json:"current_task"`
	TaskCmd     string `json:"task_cmd,omitempty"`

	CreatedAtUnix    int64 `json:"created_at_unix"`
	LastActivityUnix int64 `json:"last_activity_unix"`

	// ReviewCommit is set exactly when Status is needs_review.
	ReviewCommit string `json:"review_commit,omitempty"`

	CrashCount    int    `json:"crash_count"`
	LastCrashUnix *int64 `json:"last_crash_unix,omitempty"`

	SelfReview           bool   `json:"self_review"`
	PendingSelfReview    bool   `json:"pending_self_review"`
	OnCompleteSentAtUnix *int64 `json:"on_complete_sent_at_unix,omitempty"`

	// A task prompt staged to be sent once the worker session restarts.
	PendingTaskPrompt          string `json:"pending_task_prompt,omitempty"`
	PendingTaskPromptSinceUnix *int64 `json:"pending_task_prompt_since_unix,omitempty"`
	PendingClearRetryCount     int    `json:"pending_clear_retry_count"`

	APIErrorCount    int    `json:"api_error_count"`
	LastAPIErrorUnix *int64 `json:"last_api_error_unix,omitempty"`

	SessionID           string `json:"session_id"`
	TranscriptSessionID string `json:"transcript_session_id,omitempty"`
	TranscriptPath      string `json:"transcript_path,omitempty"`

	// ClaimedTaskID references a pool task held by this worker; released
	// back to the pool when the worker fails.
	ClaimedTaskID int64 `json:"claimed_task_id,omitempty"`

	ErrorReason string `json:"error_reason,omitempty"`

	// ResumeStatus preserves the recorded status while a worker is offline
	// so the session reappearing restores it.
	ResumeStatus Status `json:"resume_status,omitempty"`

	CommitsFirstSeenUnix *int64 `json:"commits_first_seen_unix,omitempty"`
}

// NewWorkerRecord creates an idle worker record with creation timestamps set.
func NewWorkerRecord(name, worktreePath, branch, sessionID string, now int64) *WorkerRecord {
	return &WorkerRecord{
		Name:             name,
		WorktreePath:     worktreePath,
		Branch:           branch,
		Status:           StatusIdle,
		SessionID:        sessionID,
		CreatedAtUnix:    now,
		LastActivityUnix: now,
	}
}

// TrulyNeedsReview reports whether a needs_review worker is actually ready
// for a human. A worker with self-review enabled only counts once the
// self-review hand-off has completed: the prompt is no longer pending and the
// on-complete notification was confirmed sent. Pure function; the result is
// never stored.
func TrulyNeedsReview(rec *WorkerRecord, selfReviewPrompt string) bool {
	if rec == nil || rec.Status != StatusNeedsReview {
		return false
	}
	if !rec.SelfReview {
		return true
	}
	if selfReviewPrompt == "" {
		return true
	}
	if rec.PendingSelfReview {
		return false
	}
	if rec.OnCompleteSentAtUnix == nil {
		return false
	}
	return true
}

// DisplayStatus maps a record to its presentation status: needs_review
// workers still mid self-review surface as reviewing.
func DisplayStatus(rec *WorkerRecord, selfReviewPrompt string) Status {
	if rec.Status == StatusNeedsReview && !TrulyNeedsReview(rec, selfReviewPrompt) {
		return StatusReviewing
	}
	return rec.Status
}

// RegisterAPIError bumps the API error counter and reports whether the bounded
// retry budget is exhausted. Callers promote the worker to error when it is.
func (r *WorkerRecord) RegisterAPIError(now int64, limit int) bool {
	r.APIErrorCount++
	r.LastAPIErrorUnix = &now
	return r.APIErrorCount > limit
}

// ClearTransientErrors resets the bounded retry counters after a success.
func (r *WorkerRecord) ClearTransientErrors() {
	r.APIErrorCount = 0
	r.LastAPIErrorUnix = nil
	r.PendingClearRetryCount = 0
}

// StageTaskPrompt records a prompt to be delivered after the worker session
// restarts.
func (r *WorkerRecord) StageTaskPrompt(prompt, taskCmd string, now int64) {
	r.PendingTaskPrompt = prompt
	r.PendingTaskPromptSinceUnix = &now
	r.PendingClearRetryCount = 0
	if taskCmd != "" {
		r.TaskCmd = taskCmd
	}
}

// ClearStagedPrompt drops a staged prompt and its bookkeeping.
func (r *WorkerRecord) ClearStagedPrompt() {
	r.PendingTaskPrompt = ""
	r.PendingTaskPromptSinceUnix = nil
	r.PendingClearRetryCount = 0
}
