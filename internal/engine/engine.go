// Package engine runs the per-unit sync loop shared by every pipeline:
// skip check, local validation, identity resolution, then the pipeline's
// side effect. Pipelines differ only in how they discover units, what a
// valid unit looks like, and what the side effect is; the loop, the
// outcome accounting, and the idempotence rules live here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"intake/internal/identity"
	"intake/internal/logging"
	"intake/internal/report"
	"intake/internal/services"
	"intake/internal/tracker"
)

// Canonical skip and failure reasons. Reports group verbatim on these, so
// pipelines must not invent spelling variants.
const (
	ReasonAlreadyProcessed = "already processed"
	ReasonDryRun           = "dry run"
	ReasonAlreadyExists    = "already exists"
	ReasonNoInternalID     = "no internal identifier"
)

// Unit is one atomic item of work: a CSV file, a DICOM study directory, a
// BIDS participant. Name is the logical identity the tracker and report
// key on. Validate fills ExternalIDs and may stash a parsed form in
// Payload for Sync; Sync may set Detail for the tracker record.
type Unit struct {
	Name        string
	Path        string
	ExternalIDs []string
	Payload     any
	Detail      string
}

// RunContext carries the run-level switches every pipeline call sees.
type RunContext struct {
	RunID    string
	Pipeline string
	Scope    string
	Started  time.Time
	DryRun   bool
	Force    bool
}

// Flow declares how a pipeline treats resolution results: whether unknown
// identifiers may be registered, and whether an already-known identifier
// ends the unit early instead of proceeding to the side effect.
type Flow struct {
	CreateMissing bool
	SkipExisting  bool
}

// UnitSource discovers the units of one run, in a stable order.
type UnitSource interface {
	Units(ctx context.Context) ([]Unit, error)
}

// Pipeline is the per-modality behavior plugged into the loop.
type Pipeline interface {
	Name() string
	Flow() Flow
	Validate(ctx context.Context, unit *Unit) error
	Sync(ctx context.Context, run *RunContext, unit *Unit, mappings []identity.Mapping) error
}

// Resolver is the slice of the identity resolver the engine needs.
type Resolver interface {
	ResolveAll(ctx context.Context, externalIDs []string) (map[string]identity.Mapping, error)
	Refresh(ctx context.Context, externalID string) (identity.Mapping, error)
	Prime(mappings ...identity.Mapping)
}

// SubjectCreator registers one missing subject and returns the internal
// identifier the server minted.
type SubjectCreator interface {
	CreateSubject(ctx context.Context, externalID string) (string, error)
}

// CreatorFunc adapts a function to SubjectCreator.
type CreatorFunc func(ctx context.Context, externalID string) (string, error)

func (f CreatorFunc) CreateSubject(ctx context.Context, externalID string) (string, error) {
	return f(ctx, externalID)
}

// Params wire an Engine. Pipeline, Source, Tracker, and Resolver are
// required; Creator only when the pipeline's flow registers subjects.
type Params struct {
	Run      RunContext
	Pipeline Pipeline
	Source   UnitSource
	Tracker  tracker.Tracker
	Resolver Resolver
	Creator  SubjectCreator
	Logger   *slog.Logger
}

// Engine processes every discovered unit exactly once per run.
type Engine struct {
	run      RunContext
	flow     Flow
	pipeline Pipeline
	source   UnitSource
	tracker  tracker.Tracker
	resolver Resolver
	creator  SubjectCreator
	report   *report.Report
	logger   *slog.Logger
}

// New validates the wiring and builds an engine.
func New(params Params) (*Engine, error) {
	if params.Pipeline == nil {
		return nil, services.Wrap(services.ErrConfiguration, "engine", "new", "pipeline is required", nil)
	}
	if params.Source == nil {
		return nil, services.Wrap(services.ErrConfiguration, "engine", "new", "unit source is required", nil)
	}
	if params.Tracker == nil {
		return nil, services.Wrap(services.ErrConfiguration, "engine", "new", "tracker is required", nil)
	}
	if params.Resolver == nil {
		return nil, services.Wrap(services.ErrConfiguration, "engine", "new", "resolver is required", nil)
	}
	flow := params.Pipeline.Flow()
	if flow.CreateMissing && params.Creator == nil {
		return nil, services.Wrap(services.ErrConfiguration, "engine", "new", "flow creates subjects but no creator wired", nil)
	}

	run := params.Run
	if run.RunID == "" {
		run.RunID = uuid.NewString()[:8]
	}
	if run.Pipeline == "" {
		run.Pipeline = params.Pipeline.Name()
	}
	if run.Started.IsZero() {
		run.Started = time.Now().UTC()
	}

	rep := report.New(run.Pipeline, run.RunID)
	rep.Scope = run.Scope
	rep.Started = run.Started

	return &Engine{
		run:      run,
		flow:     flow,
		pipeline: params.Pipeline,
		source:   params.Source,
		tracker:  params.Tracker,
		resolver: params.Resolver,
		creator:  params.Creator,
		report:   rep,
		logger:   logging.NewComponentLogger(params.Logger, "engine"),
	}, nil
}

// RunID returns the identifier stamped on this run's logs and report.
func (e *Engine) RunID() string { return e.run.RunID }

// Run discovers units and processes each one. Discovery failure is the
// only error: once the loop starts, every unit lands in the report no
// matter how it went, and the report comes back whole.
func (e *Engine) Run(ctx context.Context) (*report.Report, error) {
	ctx = services.WithRunID(ctx, e.run.RunID)
	ctx = services.WithPipeline(ctx, e.run.Pipeline)

	units, err := e.source.Units(ctx)
	if err != nil {
		e.report.Finish()
		return e.report, services.Wrap(services.ErrConfiguration, "engine", "discover", "unit discovery failed", err)
	}
	logging.WithContext(ctx, e.logger).Info("run started",
		logging.Int("units", len(units)),
		logging.Bool("dry_run", e.run.DryRun),
		logging.Bool("force", e.run.Force))

	for i := range units {
		if ctx.Err() != nil {
			e.report.Finish()
			return e.report, ctx.Err()
		}
		e.Process(ctx, &units[i])
	}

	e.report.Finish()
	summary := e.report.Summary()
	logging.WithContext(ctx, e.logger).Info("run finished",
		logging.Int("total", summary.Total),
		logging.Int("success", summary.Success),
		logging.Int("failed", summary.Failed),
		logging.Int("skipped", summary.Skipped),
		logging.Duration("elapsed", e.report.Duration()))
	return e.report, nil
}

// Report exposes the accumulating report, finished or not.
func (e *Engine) Report() *report.Report { return e.report }

// Process runs one unit through the loop and records its outcome. Nothing
// escapes: a panic inside pipeline code becomes a failed outcome and the
// caller's loop moves on.
func (e *Engine) Process(ctx context.Context, unit *Unit) (outcome report.Outcome) {
	ctx = services.WithUnit(ctx, unit.Name)
	defer func() {
		if r := recover(); r != nil {
			outcome = report.Failed(fmt.Sprintf("internal error: %v", r))
		}
		e.report.Record(unit.Name, outcome)
		e.logOutcome(ctx, unit, outcome)
	}()
	outcome = e.process(ctx, unit)
	return outcome
}

func (e *Engine) process(ctx context.Context, unit *Unit) report.Outcome {
	if !e.run.Force && e.tracker.IsProcessed(unit.Name) {
		return report.Skipped(ReasonAlreadyProcessed)
	}

	if err := e.pipeline.Validate(services.WithStage(ctx, "validate"), unit); err != nil {
		return report.Failed(reasonFromError(err))
	}

	if e.run.DryRun {
		return report.Skipped(ReasonDryRun)
	}

	mappings, outcome, terminal := e.resolveIdentities(services.WithStage(ctx, "resolve"), unit)
	if terminal {
		return outcome
	}

	if err := e.pipeline.Sync(services.WithStage(ctx, "sync"), &e.run, unit, mappings); err != nil {
		return report.Failed(reasonFromError(err))
	}

	e.tracker.MarkProcessed(unit.Name, tracker.StatusSuccess, unit.Detail)
	return report.Success()
}

// resolveIdentities maps the unit's external identifiers and applies the
// flow's policy for known and unknown subjects. terminal means the unit is
// done and outcome is its result.
func (e *Engine) resolveIdentities(ctx context.Context, unit *Unit) (mappings []identity.Mapping, outcome report.Outcome, terminal bool) {
	if len(unit.ExternalIDs) == 0 {
		return nil, report.Outcome{}, false
	}

	resolved, err := e.resolver.ResolveAll(ctx, unit.ExternalIDs)
	if err != nil {
		return nil, report.Failed(reasonFromError(err)), true
	}

	mappings = make([]identity.Mapping, len(unit.ExternalIDs))
	allFound := true
	for i, externalID := range unit.ExternalIDs {
		mappings[i] = resolved[externalID]
		if !mappings[i].Found {
			allFound = false
		}
	}

	if e.flow.SkipExisting && allFound {
		if unit.Detail == "" {
			unit.Detail = joinInternalIDs(mappings)
		}
		e.tracker.MarkProcessed(unit.Name, tracker.StatusExists, unit.Detail)
		return nil, report.Skipped(ReasonAlreadyExists), true
	}

	for i := range mappings {
		if mappings[i].Found {
			continue
		}
		if !e.flow.CreateMissing {
			return nil, report.Failed(ReasonNoInternalID), true
		}
		created, createOutcome, failed := e.createSubject(services.WithStage(ctx, "create"), mappings[i].ExternalID)
		if failed {
			return nil, createOutcome, true
		}
		mappings[i] = created
	}
	return mappings, report.Outcome{}, false
}

// createSubject registers one unknown identifier. A conflict means another
// writer got there first; the subject is re-resolved and treated as
// existing, with the server's uniqueness constraint having done its job.
func (e *Engine) createSubject(ctx context.Context, externalID string) (identity.Mapping, report.Outcome, bool) {
	internalID, err := e.creator.CreateSubject(ctx, externalID)
	if err == nil {
		mapping := identity.Mapping{ExternalID: externalID, InternalID: internalID, Found: true}
		e.resolver.Prime(mapping)
		logging.WithContext(ctx, e.logger).Info("subject created",
			logging.String("external_id", externalID),
			logging.String("internal_id", internalID))
		return mapping, report.Outcome{}, false
	}

	if errors.Is(err, services.ErrConflict) {
		refreshed, refreshErr := e.resolver.Refresh(ctx, externalID)
		if refreshErr == nil && refreshed.Found {
			logging.WithContext(ctx, e.logger).Info("creation conflict, continuing with existing subject",
				logging.String("external_id", externalID),
				logging.String("internal_id", refreshed.InternalID))
			return refreshed, report.Outcome{}, false
		}
		return identity.Mapping{}, report.Failed(fmt.Sprintf("subject %s exists but is not visible", externalID)), true
	}

	return identity.Mapping{}, report.Failed(reasonFromError(err)), true
}

func (e *Engine) logOutcome(ctx context.Context, unit *Unit, outcome report.Outcome) {
	logger := logging.WithContext(ctx, e.logger)
	switch outcome.Category {
	case report.CategorySuccess:
		logger.Info("unit synced",
			logging.String(logging.FieldOutcome, string(outcome.Category)))
	case report.CategorySkipped:
		logger.Info("unit skipped",
			logging.String(logging.FieldOutcome, string(outcome.Category)),
			logging.String(logging.FieldReason, outcome.Reason))
	default:
		logger.Warn("unit failed",
			logging.String(logging.FieldOutcome, string(outcome.Category)),
			logging.String(logging.FieldReason, outcome.Reason))
	}
}

// reasonFromError turns an error into a report reason, dropping the
// sentinel prefix so groups read naturally.
func reasonFromError(err error) string {
	if err == nil {
		return "unspecified"
	}
	details := services.Extract(err)
	if details.Message != "" {
		return details.Message
	}
	return err.Error()
}

func joinInternalIDs(mappings []identity.Mapping) string {
	ids := make([]string, 0, len(mappings))
	for _, mapping := range mappings {
		if mapping.InternalID != "" {
			ids = append(ids, mapping.InternalID)
		}
	}
	return strings.Join(ids, ",")
}
