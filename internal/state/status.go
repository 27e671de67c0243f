package state

import "strings"

// Status represents the recorded lifecycle state of a worker.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusWorking     Status = "working"
	StatusNeedsReview Status = "needs_review"
	StatusRejected    Status = "rejected"
	StatusRebasing    Status = "rebasing"
	StatusError       Status = "error"
	StatusOffline     Status = "offline"
	StatusNoChanges   Status = "no_changes"

	// StatusReviewing is display-only: a needs_review worker whose
	// self-review hand-off has not completed yet. It is derived by
	// DisplayStatus and never stored.
	StatusReviewing Status = "reviewing"
)

var allStatuses = []Status{
	StatusIdle,
	StatusWorking,
	StatusNeedsReview,
	StatusRejected,
	StatusRebasing,
	StatusError,
	StatusOffline,
	StatusNoChanges,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of storable statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known storable Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// CanTransition reports whether a worker may move between the two statuses.
// Rebasing, error, and offline are reachable from every state; everything
// else follows the task lifecycle.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusRebasing, StatusError, StatusOffline:
		return true
	case StatusWorking:
		return from == StatusIdle || from == StatusRejected || from == StatusRebasing ||
			from == StatusNoChanges || from == StatusOffline
	case StatusNeedsReview:
		return from == StatusWorking || from == StatusRejected || from == StatusRebasing
	case StatusNoChanges:
		return from == StatusWorking || from == StatusRebasing
	case StatusIdle:
		return from == StatusNeedsReview || from == StatusRejected || from == StatusNoChanges ||
			from == StatusError || from == StatusOffline
	case StatusRejected:
		return from == StatusNeedsReview || from == StatusRebasing
	default:
		return false
	}
}
