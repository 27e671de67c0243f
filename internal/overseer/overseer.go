// Package overseer supervises the worker-management daemon: it starts the
// daemon, watches its health, tears it down on failure, and hands the broken
// installation to remediation before restarting. Repeated rapid failures and
// explicit calls for a human stop the loop.
package overseer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"foreman/internal/config"
	"foreman/internal/daemonctl"
	"foreman/internal/heartbeat"
	"foreman/internal/logging"
)

// ErrFailureSpiral is returned when a daemon instance fails inside the restart
// cooldown of its own registration, meaning restarts are not helping.
var ErrFailureSpiral = errors.New("daemon failure spiral")

// ErrManualIntervention is returned when a sentinel file asks for a human.
var ErrManualIntervention = errors.New("manual intervention requested")

// ValidateConfig checks the overseer's required configuration up front, so a
// misconfigured supervisor refuses to start instead of failing at the first
// remediation.
func ValidateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Overseer.RemediationPrompt) == "" {
		return fmt.Errorf("overseer.remediation_prompt is required; add it to your config:\n\n" +
			"[overseer]\nremediation_prompt = \"Describe how the agent should repair this installation.\"")
	}
	return nil
}

// Child is the loop's view of a launched daemon process.
type Child interface {
	PID() int
	Kill()
}

// Deps are the injected operations the loop drives. Production wiring lives
// in cmd/foreman; tests substitute fakes.
type Deps struct {
	// EnsureAgent verifies the remediation agent is runnable. Optional.
	EnsureAgent func(ctx context.Context) error
	Launch      func(ctx context.Context) (Child, heartbeat.Registration, error)
	Check       func(reg heartbeat.Registration, now time.Time) daemonctl.HealthStatus
	Terminate   func(ctx context.Context, pid int) daemonctl.TerminationResult
	Remediate   func(ctx context.Context, failure daemonctl.HealthStatus) error

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Options configure the loop itself.
type Options struct {
	StateDir        string
	HealthInterval  time.Duration
	RestartCooldown time.Duration
	Logger          *slog.Logger
}

// Overseer runs the supervision loop.
type Overseer struct {
	deps Deps
	opts Options
}

// New constructs an overseer.
func New(deps Deps, opts Options) (*Overseer, error) {
	if deps.Launch == nil || deps.Check == nil || deps.Terminate == nil || deps.Remediate == nil {
		return nil, errors.New("overseer requires launch, check, terminate, and remediate operations")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.RestartCooldown <= 0 {
		opts.RestartCooldown = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Overseer{deps: deps, opts: opts}, nil
}

// Run drives the loop until the context is canceled, a failure spiral is
// declared, or a sentinel demands a human. Cancellation always tears the
// daemon down before returning.
func (o *Overseer) Run(ctx context.Context) error {
	if o.deps.EnsureAgent != nil {
		if err := o.deps.EnsureAgent(ctx); err != nil {
			return fmt.Errorf("remediation agent unavailable: %w", err)
		}
	}
	if err := o.checkSentinels(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		failure, runErr := o.superviseOnce(ctx)
		if runErr != nil {
			return runErr
		}

		if err := o.checkSentinels(); err != nil {
			return err
		}
		if err := o.deps.Remediate(ctx, failure); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed attempt is not retried here; the restarted daemon
			// either recovers or the next failure escalates.
			o.opts.Logger.Error("remediation attempt failed", logging.Error(err))
		}
		if err := o.checkSentinels(); err != nil {
			return err
		}
	}
}

// superviseOnce starts the daemon and watches it until it fails or the
// context ends. The spiral verdict belongs to this instance: a daemon that
// fails inside the restart cooldown of its own registration stops the loop.
// A non-nil error means the loop itself must stop.
func (o *Overseer) superviseOnce(ctx context.Context) (daemonctl.HealthStatus, error) {
	handle, reg, err := o.deps.Launch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return daemonctl.HealthStatus{}, ctx.Err()
		}
		o.opts.Logger.Error("daemon failed to start", logging.Error(err))
		return daemonctl.HealthStatus{
			Cause:  daemonctl.CauseProcessGone,
			Detail: fmt.Sprintf("startup failed: %v", err),
		}, nil
	}
	registeredAt := o.deps.Now()

	o.opts.Logger.Info("daemon under supervision",
		logging.Int(logging.FieldDaemonPID, reg.PID),
		logging.String(logging.FieldInstanceID, reg.InstanceID))

	failure, watchErr := o.watch(ctx, reg)

	result := o.deps.Terminate(ctx, reg.PID)
	handle.Kill()
	o.opts.Logger.Info("daemon terminated",
		logging.String("outcome", string(result.Outcome)),
		logging.String("reason", result.Reason))

	if watchErr != nil {
		return daemonctl.HealthStatus{}, watchErr
	}

	lived := o.deps.Now().Sub(registeredAt)
	if lived < o.opts.RestartCooldown {
		return failure, fmt.Errorf("%w: daemon failed %s after registering (cooldown %s), cause %s",
			ErrFailureSpiral, lived.Round(time.Second), o.opts.RestartCooldown, failure.Cause)
	}
	o.opts.Logger.Warn("daemon health check failed",
		logging.String("cause", string(failure.Cause)),
		logging.String("detail", failure.Detail))
	return failure, nil
}

func (o *Overseer) watch(ctx context.Context, reg heartbeat.Registration) (daemonctl.HealthStatus, error) {
	ticker := time.NewTicker(o.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return daemonctl.HealthStatus{}, ctx.Err()
		case <-ticker.C:
			status := o.deps.Check(reg, o.deps.Now())
			if !status.Healthy() {
				return status, nil
			}
		}
	}
}
