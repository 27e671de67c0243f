package taskpool

import "strings"

// Status is the lifecycle state of a pool task.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

var statusSet = map[Status]struct{}{
	StatusPending: {},
	StatusClaimed: {},
	StatusDone:    {},
	StatusFailed:  {},
}

// ParseStatus converts a string into a known task status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Task is one unit of work waiting in, or claimed from, the pool.
type Task struct {
	ID            int64
	Prompt        string
	TaskCmd       string
	Status        Status
	ClaimedBy     string
	FailureReason string
	CreatedAt     string
	UpdatedAt     string
}

// Stats summarizes the pool by status.
type Stats struct {
	Pending int64
	Claimed int64
	Done    int64
	Failed  int64
}

// Total returns the number of tasks across all statuses.
func (s Stats) Total() int64 {
	return s.Pending + s.Claimed + s.Done + s.Failed
}
