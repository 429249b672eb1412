package bids_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"intake/internal/bids"
	"intake/internal/engine"
	"intake/internal/logging"
	"intake/internal/testsupport"
)

func TestReidWritesReidentifiedDataset(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	fake.Register("EXT001", "100001")
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))

	dir := seedDataset(t, cfg, "neuro", "pilot", validDescriptor, "participant_id\tage\nsub-EXT001\t44\n")
	testsupport.WriteFile(t, filepath.Join(dir, "sub-EXT001", "anat", "T1w.nii"), "imaging bytes")
	testsupport.WriteFile(t, filepath.Join(dir, "sub-EXT001", "sub-EXT001_scans.tsv"), "filename\nanat/T1w.nii\n")

	pipeline := bids.NewReid(cfg, engine.Scope{}, logging.NewNop())
	store := testsupport.MustOpenTracker(t, cfg, pipeline.Name())
	rep := runEngine(t, cfg, pipeline, nil, store, engine.RunContext{})

	if summary := rep.Summary(); summary.Success != 1 || summary.Total != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	out := filepath.Join(cfg.Paths.ReidOutputDir, "neuro", "pilot")
	assertFile(t, filepath.Join(out, "sub-100001", "anat", "T1w.nii"), "imaging bytes")
	assertFile(t, filepath.Join(out, "sub-100001", "sub-EXT001_scans.tsv"), "filename\nanat/T1w.nii\n")
	assertFile(t, filepath.Join(out, "dataset_description.json"), validDescriptor)
	assertFile(t, filepath.Join(out, "participants.tsv"), "participant_id\tage\nsub-100001\t44\n")
	assertFile(t, filepath.Join(out, "mapping.tsv"), "external_id\tinternal_id\nEXT001\t100001\n")

	if record := recordFor(t, store, "neuro/pilot/sub-EXT001"); record.Detail != "sub-100001, 2 files" {
		t.Fatalf("unexpected tracker detail: %q", record.Detail)
	}
}

func TestReidForcedRerunRewritesRows(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	fake.Register("EXT001", "100001")
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))

	dir := seedDataset(t, cfg, "neuro", "pilot", validDescriptor, "participant_id\tage\nsub-EXT001\t44\n")
	testsupport.WriteFile(t, filepath.Join(dir, "sub-EXT001", "anat", "T1w.nii"), "imaging bytes")

	pipeline := bids.NewReid(cfg, engine.Scope{}, logging.NewNop())
	runEngine(t, cfg, pipeline, nil, testsupport.MustOpenTracker(t, cfg, pipeline.Name()), engine.RunContext{})
	runEngine(t, cfg, pipeline, nil, testsupport.MustOpenTracker(t, cfg, pipeline.Name()), engine.RunContext{Force: true})

	// Upserts keep the tables at one data row apiece.
	out := filepath.Join(cfg.Paths.ReidOutputDir, "neuro", "pilot")
	assertFile(t, filepath.Join(out, "participants.tsv"), "participant_id\tage\nsub-100001\t44\n")
	assertFile(t, filepath.Join(out, "mapping.tsv"), "external_id\tinternal_id\nEXT001\t100001\n")
}

func TestReidUnknownParticipantFails(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))

	dir := seedDataset(t, cfg, "neuro", "pilot", validDescriptor, "participant_id\nsub-EXT009\n")
	testsupport.WriteFile(t, filepath.Join(dir, "sub-EXT009", "anat", "T1w.nii"), "imaging bytes")

	pipeline := bids.NewReid(cfg, engine.Scope{}, logging.NewNop())
	rep := runEngine(t, cfg, pipeline, nil, testsupport.MustOpenTracker(t, cfg, pipeline.Name()), engine.RunContext{})

	summary := rep.Summary()
	if summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if reason := summary.FailedByReason[0].Reason; reason != engine.ReasonNoInternalID {
		t.Fatalf("unexpected reason: %q", reason)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.ReidOutputDir, "neuro")); !os.IsNotExist(err) {
		t.Fatal("failed unit must write nothing to the output root")
	}
	if fake.CreateCalls() != 0 {
		t.Fatalf("reidentification must not create subjects, got %d calls", fake.CreateCalls())
	}
}

func TestReidMissingParticipantDirFails(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	fake.Register("EXT001", "100001")
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	seedDataset(t, cfg, "neuro", "pilot", validDescriptor, "participant_id\nsub-EXT001\n")

	pipeline := bids.NewReid(cfg, engine.Scope{}, logging.NewNop())
	rep := runEngine(t, cfg, pipeline, nil, testsupport.MustOpenTracker(t, cfg, pipeline.Name()), engine.RunContext{})

	summary := rep.Summary()
	if summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if reason := summary.FailedByReason[0].Reason; reason != "bids: validate: participant directory missing" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestReidStripsPrefixBeforeLookup(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	fake.Register("EXT001", "100001")
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))

	dir := seedDataset(t, cfg, "neuro", "pilot", validDescriptor, "participant_id\nsub-EXT001\n")
	testsupport.WriteFile(t, filepath.Join(dir, "sub-EXT001", "data.txt"), "x")

	pipeline := bids.NewReid(cfg, engine.Scope{}, logging.NewNop())
	units, err := pipeline.Units(context.Background())
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	if err := pipeline.Validate(context.Background(), &units[0]); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(units[0].ExternalIDs) != 1 || units[0].ExternalIDs[0] != "EXT001" {
		t.Fatalf("unexpected external IDs: %v", units[0].ExternalIDs)
	}
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if got := string(data); got != want {
		t.Fatalf("unexpected contents of %s:\ngot  %q\nwant %q", filepath.Base(path), got, want)
	}
}
