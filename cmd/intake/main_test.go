package main

import (
	"path/filepath"
	"testing"

	"intake/internal/testsupport"
)

func TestClinicalRunEndToEnd(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	configPath := writeConfigFile(t, cfg)

	testsupport.WriteFile(t,
		filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "demographics.csv"),
		"subject_id,age\nEXT001,44\n")

	out, _, err := runCLI(t, configPath, "clinical")
	if err != nil {
		t.Fatalf("clinical run: %v\n%s", err, out)
	}
	requireContains(t, out, "neuro/pilot/demographics.csv")
	if fake.UploadCalls() != 1 {
		t.Fatalf("expected 1 upload, got %d", fake.UploadCalls())
	}
	if fake.CreateCalls() != 1 {
		t.Fatalf("expected 1 create, got %d", fake.CreateCalls())
	}

	// A second invocation skips everything the tracker already holds.
	out, _, err = runCLI(t, configPath, "clinical")
	if err != nil {
		t.Fatalf("second clinical run: %v\n%s", err, out)
	}
	requireContains(t, out, "already processed")
	if fake.UploadCalls() != 1 {
		t.Fatalf("rerun must not upload again, got %d calls", fake.UploadCalls())
	}
}

func TestFailedUnitsExitNonZero(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	configPath := writeConfigFile(t, cfg)

	testsupport.WriteFile(t,
		filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "broken.csv"),
		"participant,age\nEXT001,44\n")

	out, _, err := runCLI(t, configPath, "clinical")
	if err == nil {
		t.Fatalf("expected failure exit, output:\n%s", out)
	}
	requireContains(t, err.Error(), "units failed")
	requireContains(t, out, "missing subject_id column")
}

func TestDryRunTouchesNothing(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	configPath := writeConfigFile(t, cfg)

	testsupport.WriteFile(t,
		filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "demographics.csv"),
		"subject_id,age\nEXT001,44\n")

	out, _, err := runCLI(t, configPath, "clinical", "--dry-run")
	if err != nil {
		t.Fatalf("dry run: %v\n%s", err, out)
	}
	requireContains(t, out, "dry run")
	if fake.UploadCalls() != 0 || fake.CreateCalls() != 0 || fake.LookupCalls() != 0 {
		t.Fatal("dry run must not reach the DMS")
	}
}

func TestProjectFlagRequiresCollection(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	configPath := writeConfigFile(t, cfg)

	_, _, err := runCLI(t, configPath, "clinical", "--project", "pilot")
	if err == nil {
		t.Fatal("expected flag validation error")
	}
	requireContains(t, err.Error(), "--project requires --collection")
}

func TestAllRunsEveryPipeline(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	configPath := writeConfigFile(t, cfg)

	out, _, err := runCLI(t, configPath, "all")
	if err != nil {
		t.Fatalf("all: %v\n%s", err, out)
	}
	// Empty roots: four runs, each rendering an empty table.
	requireContains(t, out, "Total")
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runCLI(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	requireContains(t, out, "intake")
}
