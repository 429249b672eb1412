package clinical_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"intake/internal/clinical"
	"intake/internal/config"
	"intake/internal/dms"
	"intake/internal/engine"
	"intake/internal/identity"
	"intake/internal/logging"
	"intake/internal/services"
	"intake/internal/testsupport"
)

func newClient(t *testing.T, cfg *config.Config) *dms.Client {
	t.Helper()
	client, err := dms.FromConfig(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("dms.FromConfig: %v", err)
	}
	return client
}

func runPipeline(t *testing.T, cfg *config.Config, pipeline *clinical.Pipeline) *engine.Engine {
	t.Helper()
	client := newClient(t, cfg)
	eng, err := engine.New(engine.Params{
		Pipeline: pipeline,
		Source:   pipeline,
		Tracker:  testsupport.MustOpenTracker(t, cfg, pipeline.Name()),
		Resolver: identity.New(client, cfg.DMS.LookupBatchSize, logging.NewNop()),
		Creator:  pipeline,
		Logger:   logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func TestPipelineSyncsCSV(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	fake.Register("EXT001", "100001")
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))

	path := filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "demographics.csv")
	testsupport.WriteFile(t, path, "subject_id,age\nEXT001,44\nEXT002,31\n")

	pipeline := clinical.New(cfg, newClient(t, cfg), engine.Scope{})
	rep, err := runPipeline(t, cfg, pipeline).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary := rep.Summary(); summary.Success != 1 || summary.Total != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	uploads := fake.Uploads()
	if len(uploads) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(uploads))
	}
	upload := uploads[0]
	if upload.Instrument != "demographics" || upload.Mode != "insert" {
		t.Fatalf("unexpected upload metadata: %+v", upload)
	}
	if upload.Collection != "neuro" || upload.Project != "pilot" {
		t.Fatalf("unexpected upload scope: %+v", upload)
	}
	if upload.FileName != "demographics.csv" || upload.Size == 0 {
		t.Fatalf("unexpected upload file: %+v", upload)
	}

	// The unknown subject was registered under the unit's scope.
	creates := fake.Creates()
	if len(creates) != 1 {
		t.Fatalf("expected 1 create, got %d", len(creates))
	}
	if creates[0].ExternalID != "EXT002" || creates[0].Collection != "neuro" || creates[0].Project != "pilot" {
		t.Fatalf("unexpected create: %+v", creates[0])
	}
}

func TestPipelineRerunSkips(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	fake.Register("EXT001", "100001")
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))

	path := filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "visits.csv")
	testsupport.WriteFile(t, path, "subject_id,visit\nEXT001,baseline\n")

	pipeline := clinical.New(cfg, newClient(t, cfg), engine.Scope{})
	if _, err := runPipeline(t, cfg, pipeline).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	rep, err := runPipeline(t, cfg, clinical.New(cfg, newClient(t, cfg), engine.Scope{})).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary := rep.Summary(); summary.Skipped != 1 || summary.Success != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if fake.UploadCalls() != 1 {
		t.Fatalf("rerun must not upload again, got %d calls", fake.UploadCalls())
	}
}

func TestPipelineUploadRejectionFailsUnit(t *testing.T) {
	fake := testsupport.NewFakeDMS(t)
	fake.Register("EXT001", "100001")
	fake.FailUploads("unknown field visit_label")
	cfg := testsupport.NewConfig(t, testsupport.WithDMS(fake.URL()))

	path := filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "visits.csv")
	testsupport.WriteFile(t, path, "subject_id,visit_label\nEXT001,baseline\n")

	pipeline := clinical.New(cfg, newClient(t, cfg), engine.Scope{})
	store := testsupport.MustOpenTracker(t, cfg, pipeline.Name())
	client := newClient(t, cfg)
	eng, err := engine.New(engine.Params{
		Pipeline: pipeline,
		Source:   pipeline,
		Tracker:  store,
		Resolver: identity.New(client, cfg.DMS.LookupBatchSize, logging.NewNop()),
		Creator:  pipeline,
		Logger:   logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	rep, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	summary := rep.Summary()
	if summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if reason := summary.FailedByReason[0].Reason; !strings.Contains(reason, "unknown field visit_label") {
		t.Fatalf("server message missing from reason: %q", reason)
	}
	if store.IsProcessed("neuro/pilot/visits.csv") {
		t.Fatal("rejected upload must not be marked processed")
	}
}

func TestDiscoveryHonorsScope(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "a.csv"), "subject_id\nEXT001\n")
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "main", "b.csv"), "subject_id\nEXT002\n")
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.ClinicalIncomingDir, "cardio", "pilot", "c.csv"), "subject_id\nEXT003\n")
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "notes.txt"), "not a unit")

	pipeline := clinical.New(cfg, nil, engine.Scope{Collection: "neuro"})
	units, err := pipeline.Units(context.Background())
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].Name != "neuro/main/b.csv" || units[1].Name != "neuro/pilot/a.csv" {
		t.Fatalf("unexpected units: %q, %q", units[0].Name, units[1].Name)
	}

	scoped := clinical.New(cfg, nil, engine.Scope{Collection: "neuro", Project: "pilot"})
	units, err = scoped.Units(context.Background())
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if len(units) != 1 || units[0].Name != "neuro/pilot/a.csv" {
		t.Fatalf("unexpected scoped units: %+v", units)
	}
}

func TestValidateCollectsDistinctIDs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	path := filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "visits.csv")
	testsupport.WriteFile(t, path, "Subject_ID,visit\nEXT001,baseline\nEXT002,baseline\nEXT001,followup\n")

	pipeline := clinical.New(cfg, nil, engine.Scope{})
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
	want := []string{"EXT001", "EXT002"}
	if len(units[0].ExternalIDs) != len(want) {
		t.Fatalf("expected %v, got %v", want, units[0].ExternalIDs)
	}
	for i, externalID := range want {
		if units[0].ExternalIDs[i] != externalID {
			t.Fatalf("expected %v, got %v", want, units[0].ExternalIDs)
		}
	}
}

func TestValidateRejectsBadFiles(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		wantIn   string
	}{
		{"empty file", "", "file is empty"},
		{"missing id column", "participant,age\nEXT001,40\n", "missing subject_id column"},
		{"no data rows", "subject_id,age\n", "no data rows"},
		{"row without id", "subject_id,age\nEXT001,40\n,41\n", "row 3 has no subject_id value"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t)
			path := filepath.Join(cfg.Paths.ClinicalIncomingDir, "neuro", "pilot", "data.csv")
			testsupport.WriteFile(t, path, tc.contents)

			pipeline := clinical.New(cfg, nil, engine.Scope{})
			units, err := pipeline.Units(context.Background())
			if err != nil {
				t.Fatalf("units: %v", err)
			}
			err = pipeline.Validate(context.Background(), &units[0])
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation sentinel, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantIn) {
				t.Fatalf("expected %q in error, got %q", tc.wantIn, err.Error())
			}
		})
	}
}
