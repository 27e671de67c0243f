package state_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"foreman/internal/state"
)

func TestLoadMissingFileReturnsEmptyState(t *testing.T) {
	st, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Workers) != 0 || st.DaemonRunning {
		t.Fatalf("expected empty state, got %+v", st)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Now().Unix() - 10

	st := state.NewState()
	rec := state.NewWorkerRecord("alpha", "/tmp/wt/alpha", "foreman/alpha", "sess-1", now)
	rec.Status = state.StatusNeedsReview
	rec.ReviewCommit = "abc123"
	rec.SelfReview = true
	sent := now + 1
	rec.OnCompleteSentAtUnix = &sent
	if err := st.AddWorker(rec); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	st.DaemonRunning = true
	st.AutoMode = true
	st.AutoWorkers = []string{"alpha"}
	st.RecordTaskCompletion(now + 2)

	if err := state.Save(path, st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := state.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded := got.Worker("alpha")
	if loaded == nil {
		t.Fatal("worker alpha missing after round trip")
	}
	if loaded.Status != state.StatusNeedsReview || loaded.ReviewCommit != "abc123" {
		t.Fatalf("worker fields lost: %+v", loaded)
	}
	if loaded.OnCompleteSentAtUnix == nil || *loaded.OnCompleteSentAtUnix != sent {
		t.Fatalf("optional timestamp lost: %+v", loaded)
	}
	if !got.DaemonRunning || !got.AutoMode || len(got.AutoWorkers) != 1 {
		t.Fatalf("fleet fields lost: %+v", got)
	}
	if got.LastTaskCompletionUnix == nil || *got.LastTaskCompletionUnix != now+2 {
		t.Fatalf("completion timestamp lost: %+v", got)
	}
}

func TestSaveKeepsRecoverableBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Now().Unix() - 10

	first := state.NewState()
	if err := first.AddWorker(state.NewWorkerRecord("alpha", "/tmp/a", "b", "s", now)); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	if err := state.Save(path, first); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	second := state.NewState()
	if err := second.AddWorker(state.NewWorkerRecord("beta", "/tmp/b", "b", "s", now)); err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	if err := state.Save(path, second); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	backup, err := state.LoadBackup(path)
	if err != nil {
		t.Fatalf("LoadBackup: %v", err)
	}
	if backup.Worker("alpha") == nil || backup.Worker("beta") != nil {
		t.Fatalf("backup should hold the previous generation: %+v", backup)
	}

	current, err := state.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if current.Worker("beta") == nil {
		t.Fatalf("current file should hold the latest generation: %+v", current)
	}
}

func TestSaveRejectsInvalidState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	st := state.NewState()
	rec := state.NewWorkerRecord("alpha", "/tmp/a", "b", "s", time.Now().Unix())
	rec.Status = state.StatusNeedsReview // no review commit
	st.Workers["alpha"] = rec

	if err := state.Save(path, st); err == nil {
		t.Fatal("expected validation failure")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("invalid state must not reach disk")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("no temp files should remain, found %d entries", len(entries))
	}
}

func TestLoadRejectsInvalidState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	// Well-formed JSON that breaks two invariants: the map key does not
	// match the record name, and needs_review carries no review commit.
	content := `{
  "workers": {
    "alpha": {
      "name": "beta",
      "worktree_path": "/tmp/wt/beta",
      "branch": "foreman/beta",
      "status": "needs_review",
      "session_id": "sess-beta",
      "created_at_unix": 1000,
      "last_activity_unix": 1000
    }
  }
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := state.Load(path); err == nil {
		t.Fatal("a state file violating invariants must be rejected at load")
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := state.Load(path); err == nil {
		t.Fatal("expected decode error for corrupt file")
	}
}
