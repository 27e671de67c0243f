// Package sessions wraps tmux control of interactive agent sessions. Each
// worker owns one named session; patrol and the daemon observe and drive
// workers only through these operations.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Prober is the minimal view patrol needs: does a worker session exist.
type Prober interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Controller is the full session surface used by the daemon.
type Controller interface {
	Prober
	Send(ctx context.Context, name, text string) error
	SendRaw(ctx context.Context, name string, keys ...string) error
	Clear(ctx context.Context, name string) error
	Kill(ctx context.Context, name string) error
	Capture(ctx context.Context, name string, lines int) (string, error)
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args ...string) (string, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(executor Executor) Option {
	return func(c *Client) {
		if executor != nil {
			c.exec = executor
		}
	}
}

// Client drives tmux sessions.
type Client struct {
	binary string
	exec   Executor
}

// New constructs a tmux session client.
func New(opts ...Option) *Client {
	client := &Client{binary: "tmux", exec: commandExecutor{}}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Exists reports whether a session with the given name is alive.
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, errors.New("session name required")
	}
	_, err := c.exec.Run(ctx, c.binary, "has-session", "-t", name)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("probe session %s: %w", name, err)
}

// Send types text into a session followed by Enter.
func (c *Client) Send(ctx context.Context, name, text string) error {
	if _, err := c.exec.Run(ctx, c.binary, "send-keys", "-t", name, text, "Enter"); err != nil {
		return fmt.Errorf("send to session %s: %w", name, err)
	}
	return nil
}

// SendRaw sends raw key names (for example Escape, C-c) into a session.
func (c *Client) SendRaw(ctx context.Context, name string, keys ...string) error {
	args := append([]string{"send-keys", "-t", name}, keys...)
	if _, err := c.exec.Run(ctx, c.binary, args...); err != nil {
		return fmt.Errorf("send keys to session %s: %w", name, err)
	}
	return nil
}

// Clear interrupts whatever the session is doing and empties its input line.
func (c *Client) Clear(ctx context.Context, name string) error {
	return c.SendRaw(ctx, name, "Escape", "C-u")
}

// Kill terminates a session. Killing an absent session is not an error.
func (c *Client) Kill(ctx context.Context, name string) error {
	if _, err := c.exec.Run(ctx, c.binary, "kill-session", "-t", name); err != nil {
		exists, probeErr := c.Exists(ctx, name)
		if probeErr == nil && !exists {
			return nil
		}
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	return nil
}

// Capture returns the last lines of a session's pane.
func (c *Client) Capture(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := c.exec.Run(ctx, c.binary, "capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("capture session %s: %w", name, err)
	}
	return out, nil
}
