package testsupport

import (
	"testing"

	"intake/internal/config"
	"intake/internal/logging"
	"intake/internal/tracker"
)

// MustOpenTracker opens the configured tracker backend for a namespace and
// registers cleanup.
func MustOpenTracker(t testing.TB, cfg *config.Config, namespace string) tracker.Tracker {
	t.Helper()

	store, err := tracker.BuildTracker(cfg.TrackerDSN(), namespace, logging.NewNop())
	if err != nil {
		t.Fatalf("tracker.BuildTracker: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
