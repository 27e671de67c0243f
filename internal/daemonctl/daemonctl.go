// Package daemonctl launches, monitors, and terminates the worker-management
// daemon on behalf of the overseer. The overseer is the only holder of a
// child Handle; everything else observes the daemon through its registration
// and heartbeat files.
package daemonctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"foreman/internal/heartbeat"
	"foreman/internal/logging"
)

// ErrStartupTimeout is returned when the daemon never registers in time.
var ErrStartupTimeout = errors.New("daemon did not register before the startup timeout")

// ErrStartupExit is returned when the daemon exits before registering.
var ErrStartupExit = errors.New("daemon exited during startup")

const (
	defaultStartupTimeout = 60 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
)

// LaunchOptions configure how the daemon child is spawned.
type LaunchOptions struct {
	// Binary is the executable to spawn; defaults to the current binary.
	Binary string
	// Args passed to the child; defaults to the daemon subcommand.
	Args []string
	// RegistrationPath is polled until the child registers.
	RegistrationPath string
	// Stdout and Stderr receive the child's relayed output lines.
	Stdout io.Writer
	Stderr io.Writer

	StartupTimeout time.Duration
	PollInterval   time.Duration

	Logger *slog.Logger
}

func (o *LaunchOptions) fill() error {
	if o.RegistrationPath == "" {
		return errors.New("launch daemon: registration path required")
	}
	if o.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		o.Binary = exe
	}
	if len(o.Args) == 0 {
		o.Args = []string{"daemon"}
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = defaultStartupTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return nil
}

// Handle owns one daemon child process. It is held by exactly one caller and
// never shared.
type Handle struct {
	pid int

	waitOnce sync.Once
	waitErr  error
	waitCh   chan struct{}

	process *os.Process
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.pid
}

// Exited reports whether the child has been reaped, and its wait error.
func (h *Handle) Exited() (bool, error) {
	select {
	case <-h.waitCh:
		return true, h.waitErr
	default:
		return false, nil
	}
}

// WaitDone returns a channel closed when the child has been reaped.
func (h *Handle) WaitDone() <-chan struct{} {
	return h.waitCh
}

// Kill force-terminates the child and waits for it to be reaped. Killing an
// already-gone child is not an error.
func (h *Handle) Kill() {
	if h.process != nil {
		_ = h.process.Kill()
	}
	<-h.waitCh
}

// Launch spawns the daemon child, relays its output, and waits until it has
// written a registration matching its pid. Failure to register kills the
// child before returning.
func Launch(ctx context.Context, opts LaunchOptions) (*Handle, heartbeat.Registration, error) {
	if err := opts.fill(); err != nil {
		return nil, heartbeat.Registration{}, err
	}

	// A registration left behind by a previous daemon must not satisfy the
	// startup poll.
	if err := heartbeat.Remove(opts.RegistrationPath); err != nil {
		return nil, heartbeat.Registration{}, fmt.Errorf("clear stale registration: %w", err)
	}

	cmd := exec.Command(opts.Binary, opts.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, heartbeat.Registration{}, fmt.Errorf("pipe daemon stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, heartbeat.Registration{}, fmt.Errorf("pipe daemon stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, heartbeat.Registration{}, fmt.Errorf("start daemon: %w", err)
	}

	handle := &Handle{
		pid:     cmd.Process.Pid,
		waitCh:  make(chan struct{}),
		process: cmd.Process,
	}

	var relays sync.WaitGroup
	relays.Add(2)
	go relayLines(&relays, stdout, opts.Stdout)
	go relayLines(&relays, stderr, opts.Stderr)
	go func() {
		relays.Wait()
		err := cmd.Wait()
		handle.waitOnce.Do(func() {
			handle.waitErr = err
			close(handle.waitCh)
		})
	}()

	opts.Logger.Info("daemon child started",
		logging.Int(logging.FieldDaemonPID, handle.pid))

	reg, err := awaitRegistration(ctx, handle, opts)
	if err != nil {
		handle.Kill()
		return nil, heartbeat.Registration{}, err
	}

	opts.Logger.Info("daemon registered",
		logging.Int(logging.FieldDaemonPID, reg.PID),
		logging.String(logging.FieldInstanceID, reg.InstanceID))
	return handle, reg, nil
}

func awaitRegistration(ctx context.Context, handle *Handle, opts LaunchOptions) (heartbeat.Registration, error) {
	deadline := time.NewTimer(opts.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return heartbeat.Registration{}, ctx.Err()
		case <-handle.waitCh:
			return heartbeat.Registration{}, fmt.Errorf("%w: %v", ErrStartupExit, handle.waitErr)
		case <-deadline.C:
			return heartbeat.Registration{}, ErrStartupTimeout
		case <-ticker.C:
			reg, err := heartbeat.ReadRegistration(opts.RegistrationPath)
			if errors.Is(err, heartbeat.ErrNotFound) {
				continue
			}
			if err != nil {
				// A half-written file on one poll is not fatal.
				continue
			}
			if reg.PID != handle.pid {
				continue
			}
			return reg, nil
		}
	}
}

func relayLines(wg *sync.WaitGroup, from io.Reader, to io.Writer) {
	defer wg.Done()
	scanner := bufio.NewScanner(from)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(to, scanner.Text())
	}
}

// processAlive reports whether a pid refers to a live process we could
// signal. EPERM means alive but owned by someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
