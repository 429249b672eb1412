package bids_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"intake/internal/bids"
	"intake/internal/config"
	"intake/internal/dms"
	"intake/internal/engine"
	"intake/internal/identity"
	"intake/internal/logging"
	"intake/internal/report"
	"intake/internal/testsupport"
	"intake/internal/tracker"
)

const validDescriptor = `{"Name": "Pilot Study", "BIDSVersion": "1.8.0"}`

func newClient(t *testing.T, cfg *config.Config) *dms.Client {
	t.Helper()
	client, err := dms.FromConfig(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("dms.FromConfig: %v", err)
	}
	return client
}

func seedDataset(t *testing.T, cfg *config.Config, collection, project, descriptor, table string) string {
	t.Helper()
	dir := filepath.Join(cfg.Paths.BIDSRootDir, collection, project)
	if descriptor != "" {
		testsupport.WriteFile(t, filepath.Join(dir, "dataset_description.json"), descriptor)
	}
	if table != "" {
		testsupport.WriteFile(t, filepath.Join(dir, "participants.tsv"), table)
	}
	return dir
}

type pipelineSource interface {
	engine.Pipeline
	engine.UnitSource
}

func runEngine(t *testing.T, cfg *config.Config, pipeline pipelineSource, creator engine.SubjectCreator, store tracker.Tracker, run engine.RunContext) *report.Report {
	t.Helper()
	eng, err := engine.New(engine.Params{
		Run:      run,
		Pipeline: pipeline,
		Source:   pipeline,
		Tracker:  store,
		Resolver: identity.New(newClient(t, cfg), cfg.DMS.LookupBatchSize, logging.NewNop()),
		Creator:  creator,
		Logger:   logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	rep, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return rep
}

func recordFor(t *testing.T, store tracker.Tracker, name string) tracker.Record {
	t.Helper()
	for _, record := range store.Records() {
		if record.Name == name {
			return record
		}
	}
	t.Fatalf("no tracker record for %s", name)
	return tracker.Record{}
}

func TestParticipantsCreatesUnknownAndSkipsKnown(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	fake.Register("EXT001", "100001")
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	seedDataset(t, cfg, "neuro", "pilot", validDescriptor,
		"participant_id\tsex\tdate_of_birth\nsub-EXT001\tM\t1988-01-12\nsub-EXT002\tF\t1991-06-30\n")

	pipeline := bids.NewParticipants(cfg, newClient(t, cfg), engine.Scope{})
	store := testsupport.MustOpenTracker(t, cfg, pipeline.Name())
	rep := runEngine(t, cfg, pipeline, pipeline, store, engine.RunContext{})

	summary := rep.Summary()
	if summary.Success != 1 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.SkippedByReason[0].Reason != engine.ReasonAlreadyExists {
		t.Fatalf("unexpected skip reason: %q", summary.SkippedByReason[0].Reason)
	}

	creates := fake.Creates()
	if len(creates) != 1 {
		t.Fatalf("expected 1 create, got %d", len(creates))
	}
	want := testsupport.SubjectRequest{
		ExternalID:  "EXT002",
		Collection:  "neuro",
		Project:     "pilot",
		Sex:         "F",
		DateOfBirth: "1991-06-30",
	}
	if creates[0] != want {
		t.Fatalf("unexpected create: %+v", creates[0])
	}

	// The known participant is tracked as existing, the created one as synced.
	if record := recordFor(t, store, "neuro/pilot/sub-EXT001"); record.Status != tracker.StatusExists {
		t.Fatalf("unexpected status for known participant: %q", record.Status)
	}
	if record := recordFor(t, store, "neuro/pilot/sub-EXT002"); record.Status != tracker.StatusSuccess {
		t.Fatalf("unexpected status for created participant: %q", record.Status)
	}
}

func TestParticipantsRerunSkipsEverything(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	seedDataset(t, cfg, "neuro", "pilot", validDescriptor,
		"participant_id\nsub-EXT001\nsub-EXT002\n")

	pipeline := bids.NewParticipants(cfg, newClient(t, cfg), engine.Scope{})
	runEngine(t, cfg, pipeline, pipeline, testsupport.MustOpenTracker(t, cfg, pipeline.Name()), engine.RunContext{})
	if fake.CreateCalls() != 2 {
		t.Fatalf("expected 2 creates on first run, got %d", fake.CreateCalls())
	}

	rerun := bids.NewParticipants(cfg, newClient(t, cfg), engine.Scope{})
	rep := runEngine(t, cfg, rerun, rerun, testsupport.MustOpenTracker(t, cfg, rerun.Name()), engine.RunContext{})
	if summary := rep.Summary(); summary.Skipped != 2 || summary.Success != 0 {
		t.Fatalf("unexpected rerun summary: %+v", summary)
	}
	if fake.CreateCalls() != 2 {
		t.Fatalf("rerun must not create again, got %d calls", fake.CreateCalls())
	}
}

func TestParticipantsSchemaGateFailsDataset(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	seedDataset(t, cfg, "neuro", "pilot", `{"Name": "No Version"}`,
		"participant_id\nsub-EXT001\nsub-EXT002\n")

	pipeline := bids.NewParticipants(cfg, newClient(t, cfg), engine.Scope{})
	rep := runEngine(t, cfg, pipeline, pipeline, testsupport.MustOpenTracker(t, cfg, pipeline.Name()), engine.RunContext{})

	summary := rep.Summary()
	if summary.Failed != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	// One shared reason for the whole dataset, so the report groups it.
	if len(summary.FailedByReason) != 1 {
		t.Fatalf("expected one failure group, got %+v", summary.FailedByReason)
	}
	if reason := summary.FailedByReason[0].Reason; !strings.Contains(reason, "dataset description invalid") {
		t.Fatalf("unexpected reason: %q", reason)
	}
	if fake.CreateCalls() != 0 {
		t.Fatalf("gated dataset must not create subjects, got %d calls", fake.CreateCalls())
	}
}

func TestParticipantsMissingIDColumn(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))
	seedDataset(t, cfg, "neuro", "pilot", validDescriptor, "name\tage\nAlice\t44\n")

	pipeline := bids.NewParticipants(cfg, newClient(t, cfg), engine.Scope{})
	rep := runEngine(t, cfg, pipeline, pipeline, testsupport.MustOpenTracker(t, cfg, pipeline.Name()), engine.RunContext{})

	summary := rep.Summary()
	if summary.Total != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if reason := summary.FailedByReason[0].Reason; reason != "bids: validate: participants.tsv has no participant_id column" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestParticipantUnitsSpanDatasets(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedDataset(t, cfg, "neuro", "pilot", validDescriptor, "participant_id\nsub-A\nsub-B\n")
	seedDataset(t, cfg, "cardio", "main", validDescriptor, "participant_id\nsub-C\n")
	// An unrelated directory under the root is not a dataset.
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.BIDSRootDir, "neuro", "scratch", "notes.txt"), "not a dataset")

	pipeline := bids.NewParticipants(cfg, nil, engine.Scope{})
	units, err := pipeline.Units(context.Background())
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	names := make([]string, len(units))
	for i, unit := range units {
		names[i] = unit.Name
	}
	want := []string{"cardio/main/sub-C", "neuro/pilot/sub-A", "neuro/pilot/sub-B"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestDescriptorValidation(t *testing.T) {
	cases := []struct {
		name       string
		descriptor string
		ok         bool
	}{
		{"complete", `{"Name": "X", "BIDSVersion": "1.8.0", "DatasetType": "raw"}`, true},
		{"missing name", `{"BIDSVersion": "1.8.0"}`, false},
		{"missing version", `{"Name": "X"}`, false},
		{"empty name", `{"Name": "", "BIDSVersion": "1.8.0"}`, false},
		{"bad version", `{"Name": "X", "BIDSVersion": "latest"}`, false},
		{"bad dataset type", `{"Name": "X", "BIDSVersion": "1.8.0", "DatasetType": "weird"}`, false},
		{"not json", `{"Name": `, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "dataset_description.json")
			testsupport.WriteFile(t, path, tc.descriptor)
			err := bids.ValidateDescription(path)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDescriptorMissingFile(t *testing.T) {
	err := bids.ValidateDescription(filepath.Join(t.TempDir(), "dataset_description.json"))
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected missing-file error, got %v", err)
	}
}
