package statelock_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"foreman/internal/state"
	"foreman/internal/statelock"
)

func TestWithPersistsMutations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	svc := statelock.New(path)
	now := time.Now().Unix() - 5

	err := svc.With(context.Background(), func(st *state.State) error {
		return st.AddWorker(state.NewWorkerRecord("alpha", "/tmp/a", "b", "s", now))
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	st, err := svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.Worker("alpha") == nil {
		t.Fatal("mutation was not persisted")
	}
}

func TestWithDiscardsOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	svc := statelock.New(path)
	now := time.Now().Unix() - 5

	boom := errors.New("boom")
	err := svc.With(context.Background(), func(st *state.State) error {
		if err := st.AddWorker(state.NewWorkerRecord("alpha", "/tmp/a", "b", "s", now)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	st, err := svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.Worker("alpha") != nil {
		t.Fatal("failed mutation must not be persisted")
	}
}

func TestWithReleasesLockAfterError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	svc := statelock.New(path)

	_ = svc.With(context.Background(), func(*state.State) error {
		return errors.New("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.With(ctx, func(*state.State) error { return nil }); err != nil {
		t.Fatalf("lock was not released: %v", err)
	}
}

func TestViewDoesNotPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	svc := statelock.New(path)
	now := time.Now().Unix() - 5

	err := svc.View(context.Background(), func(st *state.State) error {
		return st.AddWorker(state.NewWorkerRecord("alpha", "/tmp/a", "b", "s", now))
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	st, err := svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.Worker("alpha") != nil {
		t.Fatal("View must not persist mutations")
	}
}

func TestSnapshotOnFreshDirectory(t *testing.T) {
	svc := statelock.New(filepath.Join(t.TempDir(), "state.json"))
	st, err := svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(st.Workers) != 0 {
		t.Fatalf("expected empty state, got %+v", st)
	}
}
