// Package daemonrun is the worker-management daemon itself: the process the
// overseer launches and supervises. It registers its identity, keeps a
// heartbeat fresh, and on every poll reconciles the fleet and feeds pool
// tasks to idle workers.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"foreman/internal/config"
	"foreman/internal/heartbeat"
	"foreman/internal/logging"
	"foreman/internal/patrol"
	"foreman/internal/state"
	"foreman/internal/statelock"
	"foreman/internal/taskpool"
)

// ErrRemediationRequired is returned when patrol demands the daemon stop so
// the overseer can hand the installation to remediation.
var ErrRemediationRequired = errors.New("daemon stopping for remediation")

// TaskSource is the slice of the pool the daemon drives.
type TaskSource interface {
	Claim(ctx context.Context, workerName string) (*taskpool.Task, error)
	Complete(ctx context.Context, id int64) error
	Release(ctx context.Context, id int64) error
}

// Patroller runs one reconciliation pass. Satisfied by *patrol.Patrol.
type Patroller interface {
	Run(ctx context.Context, st *state.State, now int64) (patrol.Report, error)
}

// PromptSender delivers a task prompt to a worker session.
type PromptSender interface {
	Send(ctx context.Context, name, text string) error
}

// Daemon runs the worker-management loop.
type Daemon struct {
	cfg      *config.Config
	states   *statelock.Service
	pool     TaskSource
	patrol   Patroller
	sessions PromptSender
	logger   *slog.Logger

	instanceID string
}

// New constructs a daemon. The pool is optional; without it the daemon only
// patrols.
func New(cfg *config.Config, states *statelock.Service, pool TaskSource, patroller Patroller, sessions PromptSender, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || states == nil || patroller == nil {
		return nil, errors.New("daemon requires config, state service, and patrol")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Daemon{
		cfg:        cfg,
		states:     states,
		pool:       pool,
		patrol:     patroller,
		sessions:   sessions,
		logger:     logger,
		instanceID: heartbeat.NewInstanceID(),
	}, nil
}

// InstanceID returns this daemon's unique identity.
func (d *Daemon) InstanceID() string {
	return d.instanceID
}

// Run registers the daemon, starts the heartbeat, and loops until the context
// ends or patrol demands remediation. Registration and heartbeat files are
// removed on the way out, and daemon_running is cleared.
func (d *Daemon) Run(ctx context.Context) error {
	reg := heartbeat.Registration{
		PID:           os.Getpid(),
		InstanceID:    d.instanceID,
		StartTimeUnix: time.Now().Unix(),
	}
	if err := heartbeat.WriteRegistration(d.cfg.RegistrationPath(), reg); err != nil {
		return fmt.Errorf("register daemon: %w", err)
	}
	if err := d.beat(); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	if err := d.setRunning(ctx, true); err != nil {
		return fmt.Errorf("mark daemon running: %w", err)
	}
	d.logger.Info("daemon registered",
		logging.Int(logging.FieldDaemonPID, reg.PID),
		logging.String(logging.FieldInstanceID, reg.InstanceID))

	defer d.shutdown()

	beatTicker := time.NewTicker(time.Duration(d.cfg.Daemon.HeartbeatIntervalSecs) * time.Second)
	defer beatTicker.Stop()
	pollTicker := time.NewTicker(time.Duration(d.cfg.Daemon.PollIntervalSecs) * time.Second)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping", logging.Error(ctx.Err()))
			return ctx.Err()
		case <-beatTicker.C:
			if err := d.beat(); err != nil {
				d.logger.Warn("heartbeat write failed", logging.Error(err))
			}
		case <-pollTicker.C:
			if err := d.PollOnce(ctx); err != nil {
				if errors.Is(err, ErrRemediationRequired) || errors.Is(err, context.Canceled) {
					return err
				}
				d.logger.Error("poll failed", logging.Error(err))
			}
		}
	}
}

// PollOnce runs one reconcile-and-assign pass under the state lock.
func (d *Daemon) PollOnce(ctx context.Context) error {
	var stop bool
	err := d.states.With(ctx, func(st *state.State) error {
		now := time.Now().Unix()
		report, err := d.patrol.Run(ctx, st, now)
		if err != nil {
			return fmt.Errorf("patrol: %w", err)
		}
		if report.Changed() {
			d.logger.Info("patrol reconciled fleet",
				logging.Int("offline", len(report.MarkedOffline)),
				logging.Int("resumed", len(report.Resumed)),
				logging.Int("retries", len(report.PromptRetries)),
				logging.Int("escalated", len(report.Escalated)))
		}
		if report.StopDaemon {
			stop = true
		}

		d.recordCompletions(ctx, st, now)
		if !stop {
			d.assignTasks(ctx, st, now)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if stop {
		return ErrRemediationRequired
	}
	return nil
}

// recordCompletions closes out pool tasks whose workers reached a terminal
// review state, stamping fleet-wide completion time.
func (d *Daemon) recordCompletions(ctx context.Context, st *state.State, now int64) {
	if d.pool == nil {
		return
	}
	for _, name := range st.WorkerNames() {
		rec := st.Worker(name)
		if rec.ClaimedTaskID == 0 {
			continue
		}
		switch rec.Status {
		case state.StatusNeedsReview, state.StatusNoChanges, state.StatusIdle:
			if err := d.pool.Complete(ctx, rec.ClaimedTaskID); err != nil {
				d.logger.Warn("failed to complete pool task",
					logging.Int64(logging.FieldTaskID, rec.ClaimedTaskID),
					logging.Error(err))
				continue
			}
			rec.ClaimedTaskID = 0
			rec.ClearTransientErrors()
			st.RecordTaskCompletion(now)
		case state.StatusError:
			if err := d.pool.Release(ctx, rec.ClaimedTaskID); err != nil {
				d.logger.Warn("failed to release pool task",
					logging.Int64(logging.FieldTaskID, rec.ClaimedTaskID),
					logging.Error(err))
				continue
			}
			rec.ClaimedTaskID = 0
		}
	}
}

// assignTasks hands pool tasks to idle auto workers, up to the configured
// concurrency of simultaneously working auto workers.
func (d *Daemon) assignTasks(ctx context.Context, st *state.State, now int64) {
	if d.pool == nil || d.sessions == nil || !st.AutoMode {
		return
	}
	if st.DirtyBackoffActive(now) {
		return
	}

	working := 0
	auto := make(map[string]struct{}, len(st.AutoWorkers))
	for _, name := range st.AutoWorkers {
		auto[name] = struct{}{}
		if rec := st.Worker(name); rec != nil && rec.Status == state.StatusWorking {
			working++
		}
	}

	for _, name := range st.WorkerNames() {
		if working >= d.cfg.Daemon.Concurrency {
			return
		}
		if _, ok := auto[name]; !ok {
			continue
		}
		rec := st.Worker(name)
		if rec.Status != state.StatusIdle || rec.PendingTaskPrompt != "" {
			continue
		}

		task, err := d.pool.Claim(ctx, name)
		if errors.Is(err, taskpool.ErrEmpty) {
			return
		}
		if err != nil {
			d.logger.Warn("failed to claim pool task",
				logging.String(logging.FieldWorker, name), logging.Error(err))
			return
		}

		if err := d.sessions.Send(ctx, rec.SessionID, task.Prompt); err != nil {
			d.logger.Warn("failed to deliver task prompt, staging for retry",
				logging.String(logging.FieldWorker, name), logging.Error(err))
			rec.StageTaskPrompt(task.Prompt, task.TaskCmd, now)
			rec.ClaimedTaskID = task.ID
			continue
		}

		if err := state.ApplyTransition(rec, state.Transition{
			To:      state.StatusWorking,
			Task:    task.Prompt,
			TaskCmd: task.TaskCmd,
		}, now); err != nil {
			d.logger.Warn("assignment transition rejected",
				logging.String(logging.FieldWorker, name), logging.Error(err))
			if releaseErr := d.pool.Release(ctx, task.ID); releaseErr != nil {
				d.logger.Warn("failed to release pool task",
					logging.Int64(logging.FieldTaskID, task.ID), logging.Error(releaseErr))
			}
			continue
		}
		rec.ClaimedTaskID = task.ID
		st.RecordTaskAssignment(now)
		working++
		d.logger.Info("task assigned",
			logging.String(logging.FieldWorker, name),
			logging.Int64(logging.FieldTaskID, task.ID))
	}
}

func (d *Daemon) beat() error {
	return heartbeat.WriteBeat(d.cfg.HeartbeatPath(), heartbeat.Beat{
		InstanceID:    d.instanceID,
		TimestampUnix: time.Now().Unix(),
	})
}

func (d *Daemon) setRunning(ctx context.Context, running bool) error {
	return d.states.With(ctx, func(st *state.State) error {
		st.DaemonRunning = running
		return nil
	})
}

// shutdown clears the daemon's footprint. It runs with a fresh context so a
// canceled run still cleans up.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.setRunning(ctx, false); err != nil {
		d.logger.Warn("failed to clear daemon_running", logging.Error(err))
	}
	if err := heartbeat.Remove(d.cfg.RegistrationPath()); err != nil {
		d.logger.Warn("failed to remove registration", logging.Error(err))
	}
	if err := heartbeat.Remove(d.cfg.HeartbeatPath()); err != nil {
		d.logger.Warn("failed to remove heartbeat", logging.Error(err))
	}
	d.logger.Info("daemon shut down")
}
