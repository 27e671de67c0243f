// Package heartbeat persists the daemon's registration and liveness files.
// The overseer reads both to decide whether the daemon it launched is still
// the daemon that is running, and whether it is still alive.
package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a registration or beat file is absent.
var ErrNotFound = errors.New("heartbeat file not found")

// Registration identifies one daemon instance. It is written once at daemon
// startup and removed on graceful shutdown.
type Registration struct {
	PID           int    `json:"pid"`
	InstanceID    string `json:"instance_id"`
	StartTimeUnix int64  `json:"start_time_unix"`
}

// Beat is the periodically refreshed liveness stamp for a registration.
type Beat struct {
	InstanceID    string `json:"instance_id"`
	TimestampUnix int64  `json:"timestamp_unix"`
}

// NewInstanceID returns a fresh unique daemon instance id.
func NewInstanceID() string {
	return uuid.NewString()
}

// WriteRegistration persists a registration file.
func WriteRegistration(path string, reg Registration) error {
	return writeJSON(path, reg)
}

// ReadRegistration loads a registration file. Absence is ErrNotFound.
func ReadRegistration(path string) (Registration, error) {
	var reg Registration
	if err := readJSON(path, &reg); err != nil {
		return Registration{}, err
	}
	if reg.PID <= 0 || reg.InstanceID == "" {
		return Registration{}, fmt.Errorf("registration %s is incomplete", path)
	}
	return reg, nil
}

// WriteBeat persists a liveness stamp.
func WriteBeat(path string, beat Beat) error {
	return writeJSON(path, beat)
}

// ReadBeat loads a liveness stamp. Absence is ErrNotFound.
func ReadBeat(path string) (Beat, error) {
	var beat Beat
	if err := readJSON(path, &beat); err != nil {
		return Beat{}, err
	}
	return beat, nil
}

// Remove deletes a heartbeat or registration file, tolerating absence.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Stale reports whether a beat is older than the timeout. A beat from another
// instance is always stale for the asking instance.
func Stale(beat Beat, instanceID string, now time.Time, timeout time.Duration) bool {
	if beat.InstanceID != instanceID {
		return true
	}
	age := now.Unix() - beat.TimestampUnix
	return age > int64(timeout/time.Second)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
