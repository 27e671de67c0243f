package testsupport

import (
	"testing"

	"foreman/internal/config"
	"foreman/internal/taskpool"
)

// MustOpenPool opens the pool store for a test config and closes it with the
// test.
func MustOpenPool(t testing.TB, cfg *config.Config) *taskpool.Store {
	t.Helper()
	store, err := taskpool.Open(cfg.PoolPath())
	if err != nil {
		t.Fatalf("open pool store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close pool store: %v", err)
		}
	})
	return store
}
