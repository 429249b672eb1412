package watch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"intake/internal/logging"
	"intake/internal/testsupport"
)

func collectingRunner(calls chan<- string) Runner {
	return func(_ context.Context, pipeline string) error {
		calls <- pipeline
		return nil
	}
}

func waitCall(t *testing.T, calls <-chan string, want string) {
	t.Helper()
	select {
	case got := <-calls:
		if got != want {
			t.Fatalf("expected %s run, got %s", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s run", want)
	}
}

func TestWatcherTriggersOwningPipeline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	calls := make(chan string, 16)

	w, err := New(cfg, collectingRunner(calls), logging.NewNop())
	if err != nil {
		t.Fatalf("watch.New: %v", err)
	}
	w.debounce = 50 * time.Millisecond
	w.rescan = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Startup runs every enabled pipeline once, in name order.
	waitCall(t, calls, "clinical")
	waitCall(t, calls, "dicom")

	testsupport.WriteFile(t,
		filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "visits.csv"),
		"subject_id\nEXT001\n")
	waitCall(t, calls, "clinical")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatcherRescansPeriodically(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	calls := make(chan string, 16)

	w, err := New(cfg, collectingRunner(calls), logging.NewNop())
	if err != nil {
		t.Fatalf("watch.New: %v", err)
	}
	w.debounce = time.Hour
	w.rescan = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitCall(t, calls, "clinical")
	waitCall(t, calls, "dicom")

	// No filesystem activity: the next runs come from the rescan ticker.
	waitCall(t, calls, "clinical")
	waitCall(t, calls, "dicom")

	cancel()
	<-done
}

func TestNewRejectsBadWiring(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := New(cfg, nil, logging.NewNop()); err == nil {
		t.Fatal("expected error for nil runner")
	}

	cfg.Watch.Pipelines = nil
	if _, err := New(cfg, collectingRunner(make(chan string, 1)), logging.NewNop()); err == nil {
		t.Fatal("expected error for empty pipeline list")
	}

	cfg.Watch.Pipelines = []string{"bids-reid"}
	if _, err := New(cfg, collectingRunner(make(chan string, 1)), logging.NewNop()); err == nil {
		t.Fatal("expected error for unwatchable pipeline")
	}
}

func TestOwnerMatchesRootsExactly(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	w, err := New(cfg, collectingRunner(make(chan string, 1)), logging.NewNop())
	if err != nil {
		t.Fatalf("watch.New: %v", err)
	}

	if name, ok := w.owner(filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "a.csv")); !ok || name != "clinical" {
		t.Fatalf("expected clinical owner, got %q ok=%v", name, ok)
	}
	if name, ok := w.owner(filepath.Join(cfg.Paths.DICOMIncomingDir, "x")); !ok || name != "dicom" {
		t.Fatalf("expected dicom owner, got %q ok=%v", name, ok)
	}
	if _, ok := w.owner(filepath.Join(cfg.Paths.ArchiveDir, "neuro")); ok {
		t.Fatal("archive root must have no owner")
	}
	// A sibling path sharing the root as a string prefix is not inside it.
	if _, ok := w.owner(cfg.Paths.ClinicalIncomingDir + "-other"); ok {
		t.Fatal("prefix sibling must have no owner")
	}
}
