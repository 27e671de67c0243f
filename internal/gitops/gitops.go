// Package gitops reads working-copy signals from worker worktrees: dirtiness,
// head commits, and how far a branch has run ahead of its base.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Inspector is the read-only git view used by patrol and remediation.
type Inspector interface {
	DirtyWorktree(ctx context.Context, dir string) (bool, error)
	HeadCommit(ctx context.Context, dir string) (string, error)
	AheadCount(ctx context.Context, dir, base string) (int, error)
	StatusSummary(ctx context.Context, dir string) (string, error)
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
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

// Client shells out to git.
type Client struct {
	exec Executor
}

// New constructs a git inspector.
func New(opts ...Option) *Client {
	client := &Client{exec: commandExecutor{}}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// DirtyWorktree reports whether a worktree has uncommitted changes.
func (c *Client) DirtyWorktree(ctx context.Context, dir string) (bool, error) {
	out, err := c.exec.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("inspect worktree %s: %w", dir, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// HeadCommit returns the current head commit id of a worktree.
func (c *Client) HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := c.exec.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve head in %s: %w", dir, err)
	}
	return strings.TrimSpace(out), nil
}

// AheadCount returns how many commits the worktree's head is ahead of base.
func (c *Client) AheadCount(ctx context.Context, dir, base string) (int, error) {
	out, err := c.exec.Run(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("count commits ahead of %s in %s: %w", base, dir, err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", strings.TrimSpace(out), err)
	}
	return count, nil
}

// StatusSummary returns a short human-readable status for a worktree.
func (c *Client) StatusSummary(ctx context.Context, dir string) (string, error) {
	out, err := c.exec.Run(ctx, dir, "status", "--short", "--branch")
	if err != nil {
		return "", fmt.Errorf("summarize worktree %s: %w", dir, err)
	}
	return strings.TrimSpace(out), nil
}
