package daemonctl

import (
	"fmt"
	"time"

	"foreman/internal/heartbeat"
	"foreman/internal/state"
)

// Cause classifies a health check result.
type Cause string

const (
	CauseHealthy          Cause = "healthy"
	CauseIdentityMismatch Cause = "identity_mismatch"
	CauseProcessGone      Cause = "process_gone"
	CauseHeartbeatStale   Cause = "heartbeat_stale"
	CauseStalled          Cause = "stalled"
)

// HealthStatus is one health check observation.
type HealthStatus struct {
	Cause   Cause
	Detail  string
	AgeSecs int64
}

// Healthy reports whether the observation found nothing wrong.
func (h HealthStatus) Healthy() bool {
	return h.Cause == CauseHealthy
}

// StateReader provides the no-lock snapshot the stall check reads.
type StateReader interface {
	Snapshot() (*state.State, error)
}

// Monitor performs the layered daemon health check: identity, process
// liveness, heartbeat freshness, then fleet stall.
type Monitor struct {
	registrationPath string
	heartbeatPath    string
	states           StateReader

	heartbeatTimeout time.Duration
	stallTimeout     time.Duration
}

// NewMonitor constructs a monitor over the given files and state source.
func NewMonitor(registrationPath, heartbeatPath string, states StateReader, heartbeatTimeout, stallTimeout time.Duration) *Monitor {
	return &Monitor{
		registrationPath: registrationPath,
		heartbeatPath:    heartbeatPath,
		states:           states,
		heartbeatTimeout: heartbeatTimeout,
		stallTimeout:     stallTimeout,
	}
}

// Check evaluates daemon health against the registration the overseer
// received at launch. Checks run cheapest first and the first failure wins.
func (m *Monitor) Check(expected heartbeat.Registration, now time.Time) HealthStatus {
	reg, err := heartbeat.ReadRegistration(m.registrationPath)
	if err != nil {
		return HealthStatus{
			Cause:  CauseIdentityMismatch,
			Detail: fmt.Sprintf("registration unreadable: %v", err),
		}
	}
	if reg.PID != expected.PID || reg.InstanceID != expected.InstanceID {
		return HealthStatus{
			Cause: CauseIdentityMismatch,
			Detail: fmt.Sprintf("registration names pid %d instance %s, expected pid %d instance %s",
				reg.PID, reg.InstanceID, expected.PID, expected.InstanceID),
		}
	}

	if !processAlive(expected.PID) {
		return HealthStatus{
			Cause:  CauseProcessGone,
			Detail: fmt.Sprintf("pid %d is gone", expected.PID),
		}
	}

	beat, err := heartbeat.ReadBeat(m.heartbeatPath)
	if err != nil {
		return HealthStatus{
			Cause:  CauseHeartbeatStale,
			Detail: fmt.Sprintf("heartbeat unreadable: %v", err),
		}
	}
	if heartbeat.Stale(beat, expected.InstanceID, now, m.heartbeatTimeout) {
		return HealthStatus{
			Cause:   CauseHeartbeatStale,
			Detail:  "heartbeat older than timeout",
			AgeSecs: now.Unix() - beat.TimestampUnix,
		}
	}

	return m.checkStall(now)
}

// checkStall declares a stall only when both the last task assignment and the
// last task completion are older than the stall timeout. A fleet that is
// assigning but slow to finish is not stalled, and neither is one that just
// finished everything.
func (m *Monitor) checkStall(now time.Time) HealthStatus {
	if m.states == nil || m.stallTimeout <= 0 {
		return HealthStatus{Cause: CauseHealthy}
	}
	st, err := m.states.Snapshot()
	if err != nil {
		// An unreadable state file is not the daemon's fault; the next
		// check will see a repaired file or a real failure elsewhere.
		return HealthStatus{Cause: CauseHealthy}
	}

	limit := int64(m.stallTimeout / time.Second)
	assignmentAge, hasAssignment := age(st.LastTaskAssignmentUnix, now)
	completionAge, hasCompletion := age(st.LastTaskCompletionUnix, now)
	if !hasAssignment && !hasCompletion {
		// A fleet that has never run a task has nothing to stall.
		return HealthStatus{Cause: CauseHealthy}
	}

	stalledAssignment := !hasAssignment || assignmentAge > limit
	stalledCompletion := !hasCompletion || completionAge > limit
	if stalledAssignment && stalledCompletion {
		oldest := assignmentAge
		if completionAge > oldest {
			oldest = completionAge
		}
		return HealthStatus{
			Cause:   CauseStalled,
			Detail:  "no task assignment or completion inside the stall window",
			AgeSecs: oldest,
		}
	}
	return HealthStatus{Cause: CauseHealthy}
}

func age(ts *int64, now time.Time) (int64, bool) {
	if ts == nil {
		return 0, false
	}
	return now.Unix() - *ts, true
}
