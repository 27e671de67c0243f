package state

import (
	"fmt"
	"sort"
)

const (
	dirtyBackoffBaseSecs = 60
	dirtyBackoffCapSecs  = 3600
)

// State is the durable aggregate for the whole fleet. One instance lives in
// state.json; every mutation happens under the state lock.
type State struct {
	Workers map[string]*WorkerRecord `json:"workers"`

	// DaemonRunning is the recorded intent that a daemon should be serving
	// the fleet, not a liveness observation.
	DaemonRunning bool `json:"daemon_running"`

	AutoMode    bool     `json:"auto_mode"`
	AutoWorkers []string `json:"auto_workers,omitempty"`

	LastTaskAssignmentUnix *int64 `json:"last_task_assignment_unix,omitempty"`
	LastTaskCompletionUnix *int64 `json:"last_task_completion_unix,omitempty"`

	// Dirty-worktree remediation backoff, doubled per consecutive failure.
	DirtyRetryCount       int   `json:"dirty_retry_count,omitempty"`
	DirtyBackoffUntilUnix int64 `json:"dirty_backoff_until_unix,omitempty"`
}

// NewState returns an empty fleet state.
func NewState() *State {
	return &State{Workers: make(map[string]*WorkerRecord)}
}

// Worker returns the record for a name, or nil when unknown.
func (s *State) Worker(name string) *WorkerRecord {
	if s.Workers == nil {
		return nil
	}
	return s.Workers[name]
}

// AddWorker inserts a record, rejecting duplicate names.
func (s *State) AddWorker(rec *WorkerRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("add worker: record requires a name")
	}
	if s.Workers == nil {
		s.Workers = make(map[string]*WorkerRecord)
	}
	if _, exists := s.Workers[rec.Name]; exists {
		return fmt.Errorf("add worker: worker %q already exists", rec.Name)
	}
	s.Workers[rec.Name] = rec
	return nil
}

// RemoveWorker deletes a record by name.
func (s *State) RemoveWorker(name string) {
	delete(s.Workers, name)
}

// WorkerNames returns all worker names sorted for stable iteration.
func (s *State) WorkerNames() []string {
	names := make([]string, 0, len(s.Workers))
	for name := range s.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkersByStatus returns workers in the given recorded status, name-sorted.
func (s *State) WorkersByStatus(status Status) []*WorkerRecord {
	var out []*WorkerRecord
	for _, name := range s.WorkerNames() {
		if rec := s.Workers[name]; rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

// ReadyForReview returns the needs_review workers whose self-review hand-off
// has completed, name-sorted.
func (s *State) ReadyForReview(selfReviewPrompt string) []*WorkerRecord {
	var out []*WorkerRecord
	for _, name := range s.WorkerNames() {
		if rec := s.Workers[name]; TrulyNeedsReview(rec, selfReviewPrompt) {
			out = append(out, rec)
		}
	}
	return out
}

// RecordTaskAssignment stamps fleet-wide assignment activity.
func (s *State) RecordTaskAssignment(now int64) {
	s.LastTaskAssignmentUnix = &now
}

// RecordTaskCompletion stamps fleet-wide completion activity.
func (s *State) RecordTaskCompletion(now int64) {
	s.LastTaskCompletionUnix = &now
}

// RegisterDirtyFailure doubles the dirty-worktree backoff window, capped at
// one hour, and returns the deadline.
func (s *State) RegisterDirtyFailure(now int64) int64 {
	s.DirtyRetryCount++
	delay := int64(dirtyBackoffBaseSecs)
	for i := 1; i < s.DirtyRetryCount; i++ {
		delay *= 2
		if delay >= dirtyBackoffCapSecs {
			delay = dirtyBackoffCapSecs
			break
		}
	}
	s.DirtyBackoffUntilUnix = now + delay
	return s.DirtyBackoffUntilUnix
}

// ClearDirtyBackoff resets the dirty-worktree backoff after a clean pass.
func (s *State) ClearDirtyBackoff() {
	s.DirtyRetryCount = 0
	s.DirtyBackoffUntilUnix = 0
}

// DirtyBackoffActive reports whether the backoff window is still open.
func (s *State) DirtyBackoffActive(now int64) bool {
	return s.DirtyBackoffUntilUnix > now
}

// Validate checks the structural invariants every persisted state must hold.
func (s *State) Validate(now int64) error {
	for key, rec := range s.Workers {
		if rec == nil {
			return fmt.Errorf("state validate: worker %q has no record", key)
		}
		if rec.Name != key {
			return fmt.Errorf("state validate: worker keyed %q has name %q", key, rec.Name)
		}
		if _, ok := statusSet[rec.Status]; !ok {
			return fmt.Errorf("state validate: worker %q has unknown status %q", key, rec.Status)
		}
		if rec.Status == StatusReviewing {
			return fmt.Errorf("state validate: worker %q stores display-only status %q", key, StatusReviewing)
		}
		if rec.Status == StatusNeedsReview && rec.ReviewCommit == "" {
			return fmt.Errorf("state validate: worker %q is needs_review without a review commit", key)
		}
		if rec.Status == StatusOffline && rec.ResumeStatus == StatusReviewing {
			return fmt.Errorf("state validate: worker %q preserves display-only status", key)
		}
		if err := validateTimestamps(rec, now); err != nil {
			return err
		}
	}
	for _, name := range s.AutoWorkers {
		if s.Worker(name) == nil {
			return fmt.Errorf("state validate: auto worker %q has no record", name)
		}
	}
	if err := validateOptionalTime("last_task_assignment", s.LastTaskAssignmentUnix, now); err != nil {
		return err
	}
	if err := validateOptionalTime("last_task_completion", s.LastTaskCompletionUnix, now); err != nil {
		return err
	}
	return nil
}

func validateTimestamps(rec *WorkerRecord, now int64) error {
	stamps := []struct {
		name  string
		value int64
	}{
		{"created_at", rec.CreatedAtUnix},
		{"last_activity", rec.LastActivityUnix},
	}
	for _, ts := range stamps {
		if ts.value > now {
			return fmt.Errorf("state validate: worker %q has %s in the future", rec.Name, ts.name)
		}
	}
	optional := []struct {
		name  string
		value *int64
	}{
		{"last_crash", rec.LastCrashUnix},
		{"on_complete_sent_at", rec.OnCompleteSentAtUnix},
		{"pending_task_prompt_since", rec.PendingTaskPromptSinceUnix},
		{"last_api_error", rec.LastAPIErrorUnix},
		{"commits_first_seen", rec.CommitsFirstSeenUnix},
	}
	for _, ts := range optional {
		if ts.value != nil && *ts.value > now {
			return fmt.Errorf("state validate: worker %q has %s in the future", rec.Name, ts.name)
		}
	}
	return nil
}

func validateOptionalTime(name string, value *int64, now int64) error {
	if value != nil && *value > now {
		return fmt.Errorf("state validate: %s is in the future", name)
	}
	return nil
}
