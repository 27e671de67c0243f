package daemonctl_test

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"foreman/internal/daemonctl"
	"foreman/internal/heartbeat"
	"foreman/internal/state"
)

func TestLaunchStartupTimeoutDoesNotHang(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "daemon.json")

	start := time.Now()
	_, _, err := daemonctl.Launch(context.Background(), daemonctl.LaunchOptions{
		Binary:           "/bin/sleep",
		Args:             []string{"60"},
		RegistrationPath: regPath,
		StartupTimeout:   400 * time.Millisecond,
		PollInterval:     50 * time.Millisecond,
		Stdout:           io.Discard,
		Stderr:           io.Discard,
	})
	if !errors.Is(err, daemonctl.ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("launch blocked for %v", elapsed)
	}
}

func TestLaunchDetectsEarlyExit(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "daemon.json")

	_, _, err := daemonctl.Launch(context.Background(), daemonctl.LaunchOptions{
		Binary:           "/bin/true",
		RegistrationPath: regPath,
		StartupTimeout:   5 * time.Second,
		PollInterval:     50 * time.Millisecond,
		Stdout:           io.Discard,
		Stderr:           io.Discard,
	})
	if !errors.Is(err, daemonctl.ErrStartupExit) {
		t.Fatalf("expected ErrStartupExit, got %v", err)
	}
}

func TestLaunchSucceedsOnceRegistered(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "daemon.json")

	script := `printf '{"pid": %d, "instance_id": "test-instance", "start_time_unix": 1}' "$$" > '` +
		regPath + `'; exec sleep 30`

	handle, reg, err := daemonctl.Launch(context.Background(), daemonctl.LaunchOptions{
		Binary:           "/bin/sh",
		Args:             []string{"-c", script},
		RegistrationPath: regPath,
		StartupTimeout:   10 * time.Second,
		PollInterval:     50 * time.Millisecond,
		Stdout:           io.Discard,
		Stderr:           io.Discard,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer handle.Kill()

	if reg.InstanceID != "test-instance" {
		t.Fatalf("unexpected registration: %+v", reg)
	}
	if reg.PID != handle.PID() {
		t.Fatalf("registration pid %d does not match child %d", reg.PID, handle.PID())
	}
	if exited, _ := handle.Exited(); exited {
		t.Fatal("child should still be running")
	}

	handle.Kill()
	if exited, _ := handle.Exited(); !exited {
		t.Fatal("child should be reaped after Kill")
	}
}

type fakeStates struct {
	st  *state.State
	err error
}

func (f *fakeStates) Snapshot() (*state.State, error) {
	return f.st, f.err
}

// reapedPID returns the pid of a process that has already exited and been
// reaped, so no live process can own it during the test.
func reapedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return pid
}

func writeHealthFiles(t *testing.T, dir string, reg heartbeat.Registration, beat heartbeat.Beat) (string, string) {
	t.Helper()
	regPath := filepath.Join(dir, "daemon.json")
	beatPath := filepath.Join(dir, "heartbeat.json")
	if err := heartbeat.WriteRegistration(regPath, reg); err != nil {
		t.Fatalf("WriteRegistration: %v", err)
	}
	if err := heartbeat.WriteBeat(beatPath, beat); err != nil {
		t.Fatalf("WriteBeat: %v", err)
	}
	return regPath, beatPath
}

func TestMonitorChecks(t *testing.T) {
	now := time.Now()
	livePID := os.Getpid()
	reg := heartbeat.Registration{PID: livePID, InstanceID: "inst-a", StartTimeUnix: now.Unix() - 100}
	freshBeat := heartbeat.Beat{InstanceID: "inst-a", TimestampUnix: now.Unix() - 1}

	t.Run("healthy", func(t *testing.T) {
		regPath, beatPath := writeHealthFiles(t, t.TempDir(), reg, freshBeat)
		m := daemonctl.NewMonitor(regPath, beatPath, &fakeStates{st: state.NewState()}, 30*time.Second, time.Hour)
		if got := m.Check(reg, now); !got.Healthy() {
			t.Fatalf("expected healthy, got %+v", got)
		}
	})

	t.Run("identity mismatch", func(t *testing.T) {
		other := reg
		other.InstanceID = "inst-b"
		regPath, beatPath := writeHealthFiles(t, t.TempDir(), other, freshBeat)
		m := daemonctl.NewMonitor(regPath, beatPath, nil, 30*time.Second, time.Hour)
		if got := m.Check(reg, now); got.Cause != daemonctl.CauseIdentityMismatch {
			t.Fatalf("expected identity mismatch, got %+v", got)
		}
	})

	t.Run("registration missing", func(t *testing.T) {
		dir := t.TempDir()
		m := daemonctl.NewMonitor(filepath.Join(dir, "daemon.json"), filepath.Join(dir, "heartbeat.json"), nil, 30*time.Second, time.Hour)
		if got := m.Check(reg, now); got.Cause != daemonctl.CauseIdentityMismatch {
			t.Fatalf("expected identity mismatch, got %+v", got)
		}
	})

	t.Run("process gone", func(t *testing.T) {
		gone := heartbeat.Registration{PID: reapedPID(t), InstanceID: "inst-a", StartTimeUnix: now.Unix() - 100}
		regPath, beatPath := writeHealthFiles(t, t.TempDir(), gone, freshBeat)
		m := daemonctl.NewMonitor(regPath, beatPath, nil, 30*time.Second, time.Hour)
		if got := m.Check(gone, now); got.Cause != daemonctl.CauseProcessGone {
			t.Fatalf("expected process gone, got %+v", got)
		}
	})

	t.Run("heartbeat stale", func(t *testing.T) {
		stale := heartbeat.Beat{InstanceID: "inst-a", TimestampUnix: now.Unix() - 120}
		regPath, beatPath := writeHealthFiles(t, t.TempDir(), reg, stale)
		m := daemonctl.NewMonitor(regPath, beatPath, nil, 30*time.Second, time.Hour)
		got := m.Check(reg, now)
		if got.Cause != daemonctl.CauseHeartbeatStale {
			t.Fatalf("expected heartbeat stale, got %+v", got)
		}
		if got.AgeSecs != 120 {
			t.Fatalf("expected age 120, got %d", got.AgeSecs)
		}
	})
}

func TestMonitorStall(t *testing.T) {
	now := time.Now()
	reg := heartbeat.Registration{PID: os.Getpid(), InstanceID: "inst-a", StartTimeUnix: now.Unix() - 100}
	beat := heartbeat.Beat{InstanceID: "inst-a", TimestampUnix: now.Unix()}

	old := now.Unix() - 7200
	recent := now.Unix() - 60

	cases := []struct {
		name       string
		assignment *int64
		completion *int64
		want       daemonctl.Cause
	}{
		{"both stale", &old, &old, daemonctl.CauseStalled},
		{"assignment recent", &recent, &old, daemonctl.CauseHealthy},
		{"completion recent", &old, &recent, daemonctl.CauseHealthy},
		{"never ran a task", nil, nil, daemonctl.CauseHealthy},
		{"assignment stale completion absent", &old, nil, daemonctl.CauseStalled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := state.NewState()
			st.LastTaskAssignmentUnix = tc.assignment
			st.LastTaskCompletionUnix = tc.completion
			regPath, beatPath := writeHealthFiles(t, t.TempDir(), reg, beat)
			m := daemonctl.NewMonitor(regPath, beatPath, &fakeStates{st: st}, 30*time.Second, time.Hour)
			if got := m.Check(reg, now); got.Cause != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, got)
			}
		})
	}
}

func TestTerminateAlreadyGone(t *testing.T) {
	res := daemonctl.Terminate(context.Background(), reapedPID(t), daemonctl.TerminateOptions{
		Grace:        time.Second,
		PollInterval: 50 * time.Millisecond,
	})
	if res.Outcome != daemonctl.OutcomeAlreadyGone {
		t.Fatalf("expected already gone, got %+v", res)
	}
}

func TestTerminateGraceful(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	reaped := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(reaped)
	}()

	res := daemonctl.Terminate(context.Background(), cmd.Process.Pid, daemonctl.TerminateOptions{
		Grace:        5 * time.Second,
		PollInterval: 50 * time.Millisecond,
	})
	if res.Outcome != daemonctl.OutcomeGraceful {
		t.Fatalf("expected graceful shutdown, got %+v", res)
	}
	select {
	case <-reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("child was never reaped")
	}
}

func TestTerminateCleansUpFiles(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "daemon.json")
	beatPath := filepath.Join(dir, "heartbeat.json")
	if err := heartbeat.WriteRegistration(regPath, heartbeat.Registration{PID: 1234, InstanceID: "x", StartTimeUnix: 1}); err != nil {
		t.Fatalf("WriteRegistration: %v", err)
	}
	if err := heartbeat.WriteBeat(beatPath, heartbeat.Beat{InstanceID: "x", TimestampUnix: 1}); err != nil {
		t.Fatalf("WriteBeat: %v", err)
	}

	res := daemonctl.Terminate(context.Background(), reapedPID(t), daemonctl.TerminateOptions{
		Grace:            time.Second,
		PollInterval:     50 * time.Millisecond,
		RegistrationPath: regPath,
		HeartbeatPath:    beatPath,
	})
	if res.Outcome != daemonctl.OutcomeAlreadyGone {
		t.Fatalf("expected already gone, got %+v", res)
	}
	if _, err := os.Stat(regPath); !os.IsNotExist(err) {
		t.Fatal("registration file should be removed")
	}
	if _, err := os.Stat(beatPath); !os.IsNotExist(err) {
		t.Fatal("heartbeat file should be removed")
	}
}
