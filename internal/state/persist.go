package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// BackupPath returns the sibling backup file for a state path.
func BackupPath(path string) string {
	return path + ".bak"
}

func tempPath(path string) string {
	return fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
}

// Load reads the persisted state and re-validates its invariants, so a corrupt
// or hand-edited file is rejected at read time rather than at the next save.
// A missing file yields an empty state, which is how a fresh installation
// boots.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	if st.Workers == nil {
		st.Workers = make(map[string]*WorkerRecord)
	}
	if err := st.Validate(time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("validate state %s: %w", path, err)
	}
	return st, nil
}

// LoadBackup reads the last-known-good backup for a state path.
func LoadBackup(path string) (*State, error) {
	return Load(BackupPath(path))
}

// Save validates and atomically persists the state: the encoded bytes land in
// a pid-suffixed temp file, the previous file is preserved as .bak, then the
// temp file is renamed into place. A crash at any point leaves either the old
// file or the new file intact.
func Save(path string, st *State) error {
	if st == nil {
		return fmt.Errorf("save state: nil state")
	}
	if err := st.Validate(time.Now().Unix()); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	tmp := tempPath(path)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}

	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(BackupPath(path), prev, 0o644); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("write state backup: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmp)
		return fmt.Errorf("read previous state: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
