// Package statelock serializes access to the persisted fleet state with an
// advisory file lock, so every process on the host mutates state.json through
// the same lock-load-mutate-save-unlock cycle.
package statelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"foreman/internal/state"
)

const lockRetryInterval = 100 * time.Millisecond

// ErrLockBusy is returned when the lock could not be acquired in time.
var ErrLockBusy = errors.New("state lock held by another process")

// Service guards one state.json file with a sibling .lock file.
type Service struct {
	statePath string
	lockPath  string
}

// New creates a service for the given state file path.
func New(statePath string) *Service {
	return &Service{
		statePath: statePath,
		lockPath:  statePath + ".lock",
	}
}

// StatePath returns the guarded file path.
func (s *Service) StatePath() string {
	return s.statePath
}

// With acquires the lock, loads the state, runs fn, and persists the result
// when fn succeeds. The lock is released in every case. Mutations made by a
// failing fn are discarded.
func (s *Service) With(ctx context.Context, fn func(st *state.State) error) error {
	lock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock()
	}()

	st, err := state.Load(s.statePath)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return state.Save(s.statePath, st)
}

// View acquires the lock and runs fn against the loaded state without
// persisting anything afterwards.
func (s *Service) View(ctx context.Context, fn func(st *state.State) error) error {
	lock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock()
	}()

	st, err := state.Load(s.statePath)
	if err != nil {
		return err
	}
	return fn(st)
}

// Snapshot reads the state without taking the lock. The result may be one
// generation behind a writer mid-save; callers that only display state accept
// that in exchange for never blocking.
func (s *Service) Snapshot() (*state.State, error) {
	st, err := state.Load(s.statePath)
	if err == nil {
		return st, nil
	}
	// A writer may have just renamed over the file; the backup still holds
	// the previous complete generation.
	if backup, backupErr := state.LoadBackup(s.statePath); backupErr == nil {
		return backup, nil
	}
	return nil, err
}

func (s *Service) acquire(ctx context.Context) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(s.lockPath)
	ok, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s", ErrLockBusy, s.lockPath)
		}
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, s.lockPath)
	}
	return lock, nil
}
