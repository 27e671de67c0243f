package overseer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"foreman/internal/config"
	"foreman/internal/daemonctl"
	"foreman/internal/heartbeat"
	"foreman/internal/overseer"
)

type fakeChild struct {
	pid    int
	killed int
}

func (f *fakeChild) PID() int { return f.pid }
func (f *fakeChild) Kill()    { f.killed++ }

// clock advances a fixed step on every read, so health ticks and failure
// spacing are deterministic.
type clock struct {
	now  time.Time
	step time.Duration
}

func (c *clock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

type harness struct {
	child      *fakeChild
	launches   int
	checks     int
	terminated []int
	remediated []daemonctl.Cause

	// health maps the running launch and check counts (both 1-based) to a
	// result, so per-instance behaviour is scriptable.
	health func(launch, check int) daemonctl.HealthStatus
}

func (h *harness) deps(clk *clock) overseer.Deps {
	return overseer.Deps{
		Launch: func(context.Context) (overseer.Child, heartbeat.Registration, error) {
			h.launches++
			return h.child, heartbeat.Registration{PID: h.child.pid, InstanceID: "inst"}, nil
		},
		Check: func(heartbeat.Registration, time.Time) daemonctl.HealthStatus {
			h.checks++
			return h.health(h.launches, h.checks)
		},
		Terminate: func(_ context.Context, pid int) daemonctl.TerminationResult {
			h.terminated = append(h.terminated, pid)
			return daemonctl.TerminationResult{Outcome: daemonctl.OutcomeGraceful}
		},
		Remediate: func(_ context.Context, failure daemonctl.HealthStatus) error {
			h.remediated = append(h.remediated, failure.Cause)
			return nil
		},
		Now: clk.Now,
	}
}

func newOverseer(t *testing.T, deps overseer.Deps, opts overseer.Options) *overseer.Overseer {
	t.Helper()
	if opts.HealthInterval == 0 {
		opts.HealthInterval = time.Millisecond
	}
	o, err := overseer.New(deps, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestValidateConfigRequiresRemediationPrompt(t *testing.T) {
	cfg := config.Default()
	cfg.Overseer.RemediationPrompt = ""
	err := overseer.ValidateConfig(&cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "[overseer]") {
		t.Fatalf("error should show the config stanza to add: %v", err)
	}

	cfg.Overseer.RemediationPrompt = "fix it"
	if err := overseer.ValidateConfig(&cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestRunDeclaresSpiralOnRapidFailure(t *testing.T) {
	h := &harness{
		child: &fakeChild{pid: 100},
		health: func(int, int) daemonctl.HealthStatus {
			return daemonctl.HealthStatus{Cause: daemonctl.CauseProcessGone}
		},
	}
	// The instance registers and fails two clock reads later, far inside
	// the 60s cooldown.
	clk := &clock{now: time.Unix(10_000, 0), step: time.Second}
	o := newOverseer(t, h.deps(clk), overseer.Options{RestartCooldown: 60 * time.Second})

	err := o.Run(context.Background())
	if !errors.Is(err, overseer.ErrFailureSpiral) {
		t.Fatalf("expected spiral, got %v", err)
	}
	if h.launches != 1 {
		t.Fatalf("a daemon dying right after registering must not be relaunched, launches=%d", h.launches)
	}
	if len(h.remediated) != 0 {
		t.Fatalf("the spiral must preempt remediation: %v", h.remediated)
	}
	if len(h.terminated) != 1 || h.child.killed != 1 {
		t.Fatalf("the failed daemon must be terminated and killed: %v, kills %d", h.terminated, h.child.killed)
	}
}

func TestRunSlowRemediationDoesNotMaskRapidFailures(t *testing.T) {
	h := &harness{
		child: &fakeChild{pid: 100},
		// The first instance stays healthy long enough to outlive the
		// cooldown before failing; the second fails on its first check.
		health: func(launch, check int) daemonctl.HealthStatus {
			if launch == 1 && check <= 3 {
				return daemonctl.HealthStatus{Cause: daemonctl.CauseHealthy}
			}
			return daemonctl.HealthStatus{Cause: daemonctl.CauseProcessGone}
		},
	}
	clk := &clock{now: time.Unix(10_000, 0), step: 20 * time.Second}
	deps := h.deps(clk)
	remediate := deps.Remediate
	deps.Remediate = func(ctx context.Context, failure daemonctl.HealthStatus) error {
		// A long remediation must not reset the spiral timer; each
		// instance is judged by its own lifetime.
		clk.now = clk.now.Add(10 * time.Minute)
		return remediate(ctx, failure)
	}
	o := newOverseer(t, deps, overseer.Options{RestartCooldown: 60 * time.Second})

	err := o.Run(context.Background())
	if !errors.Is(err, overseer.ErrFailureSpiral) {
		t.Fatalf("expected spiral, got %v", err)
	}
	if h.launches != 2 {
		t.Fatalf("expected the second instance to spiral, launches=%d", h.launches)
	}
	if len(h.remediated) != 1 {
		t.Fatalf("only the first failure should have been remediated: %v", h.remediated)
	}
}

func TestRunSurvivesSlowFailures(t *testing.T) {
	h := &harness{
		child: &fakeChild{pid: 100},
		health: func(int, int) daemonctl.HealthStatus {
			return daemonctl.HealthStatus{Cause: daemonctl.CauseHeartbeatStale}
		},
	}
	// 40s per clock read keeps every instance alive past the cooldown
	// before it fails.
	clk := &clock{now: time.Unix(10_000, 0), step: 40 * time.Second}
	o := newOverseer(t, h.deps(clk), overseer.Options{RestartCooldown: 60 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	deadline := time.AfterFunc(5*time.Second, cancel)
	defer deadline.Stop()

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// Let a few supervise/remediate rounds happen, then cancel.
	for i := 0; i < 200 && h.launches < 3; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if h.launches < 3 {
		t.Fatalf("expected the loop to keep restarting, launches=%d", h.launches)
	}
	if len(h.remediated) < 2 {
		t.Fatalf("expected repeated remediation, got %v", h.remediated)
	}
}

func TestRunExactCooldownIsNotASpiral(t *testing.T) {
	h := &harness{
		child: &fakeChild{pid: 100},
		// One healthy check, then a failure, every instance. That puts
		// three clock reads between registration and the lifetime stamp:
		// two watch checks plus the stamp itself.
		health: func(_, check int) daemonctl.HealthStatus {
			if check%2 == 1 {
				return daemonctl.HealthStatus{Cause: daemonctl.CauseHealthy}
			}
			return daemonctl.HealthStatus{Cause: daemonctl.CauseProcessGone}
		},
	}
	// Three 20s steps give each instance a lifetime of exactly 60s, which
	// sits on the cooldown boundary and must not spiral.
	clk := &clock{now: time.Unix(10_000, 0), step: 20 * time.Second}
	o := newOverseer(t, h.deps(clk), overseer.Options{RestartCooldown: 60 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	for i := 0; i < 200 && h.launches < 3; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; errors.Is(err, overseer.ErrFailureSpiral) {
		t.Fatalf("cooldown boundary must not be a spiral: %v", err)
	}
}

func TestRunStopsOnSentinelFile(t *testing.T) {
	stateDir := t.TempDir()
	sentinel := filepath.Join(stateDir, "manual_intervention_needed_disk.txt")
	if err := os.WriteFile(sentinel, []byte("disk full"), 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	h := &harness{
		child: &fakeChild{pid: 100},
		health: func(int, int) daemonctl.HealthStatus {
			return daemonctl.HealthStatus{Cause: daemonctl.CauseProcessGone}
		},
	}
	clk := &clock{now: time.Unix(10_000, 0), step: time.Second}
	o := newOverseer(t, h.deps(clk), overseer.Options{
		StateDir:        stateDir,
		RestartCooldown: 60 * time.Second,
	})

	err := o.Run(context.Background())
	if !errors.Is(err, overseer.ErrManualIntervention) {
		t.Fatalf("expected manual intervention, got %v", err)
	}
	if !strings.Contains(err.Error(), "manual_intervention_needed_disk.txt") {
		t.Fatalf("error should name the sentinel: %v", err)
	}
	if h.launches != 0 {
		t.Fatal("a pre-existing sentinel must stop the loop before any launch")
	}
}

func TestRunStopsOnSentinelWrittenByRemediation(t *testing.T) {
	stateDir := t.TempDir()
	h := &harness{
		child: &fakeChild{pid: 100},
		health: func(int, int) daemonctl.HealthStatus {
			return daemonctl.HealthStatus{Cause: daemonctl.CauseStalled}
		},
	}
	// The instance must outlive the cooldown so its failure reaches
	// remediation instead of spiralling.
	clk := &clock{now: time.Unix(10_000, 0), step: 40 * time.Second}
	deps := h.deps(clk)
	deps.Remediate = func(context.Context, daemonctl.HealthStatus) error {
		return os.WriteFile(
			filepath.Join(stateDir, "manual_intervention_needed_state.txt"),
			[]byte("state file beyond repair"), 0o644)
	}
	o := newOverseer(t, deps, overseer.Options{
		StateDir:        stateDir,
		RestartCooldown: 60 * time.Second,
	})

	err := o.Run(context.Background())
	if !errors.Is(err, overseer.ErrManualIntervention) {
		t.Fatalf("expected manual intervention, got %v", err)
	}
	if h.launches != 1 {
		t.Fatalf("the loop must stop before relaunching, launches=%d", h.launches)
	}
}

func TestRunFailedAgentCheckStopsEarly(t *testing.T) {
	h := &harness{child: &fakeChild{pid: 100}, health: func(int, int) daemonctl.HealthStatus {
		return daemonctl.HealthStatus{Cause: daemonctl.CauseHealthy}
	}}
	clk := &clock{now: time.Unix(10_000, 0), step: time.Second}
	deps := h.deps(clk)
	deps.EnsureAgent = func(context.Context) error {
		return errors.New("agent not on PATH")
	}
	o := newOverseer(t, deps, overseer.Options{})

	err := o.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "remediation agent unavailable") {
		t.Fatalf("expected agent check failure, got %v", err)
	}
	if h.launches != 0 {
		t.Fatal("agent check failure must precede any launch")
	}
}
