package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"intake/internal/bids"
	"intake/internal/clinical"
	"intake/internal/config"
	"intake/internal/dicom"
	"intake/internal/dms"
	"intake/internal/engine"
	"intake/internal/identity"
	"intake/internal/logging"
	"intake/internal/notifications"
	"intake/internal/report"
	"intake/internal/runlock"
	"intake/internal/tracker"
)

// pipelineNames is the run order for `intake all`.
var pipelineNames = []string{"clinical", "dicom", "bids-participants", "bids-reid"}

type runFlags struct {
	collection string
	project    string
	dryRun     bool
	force      bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.collection, "collection", "", "Restrict the run to one collection")
	cmd.Flags().StringVar(&f.project, "project", "", "Restrict the run to one project (requires --collection)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Discover and validate units without side effects")
	cmd.Flags().BoolVar(&f.force, "force", false, "Reprocess units the tracker already holds")
}

func (f *runFlags) scope() (engine.Scope, error) {
	if f.project != "" && f.collection == "" {
		return engine.Scope{}, fmt.Errorf("--project requires --collection")
	}
	return engine.Scope{Collection: f.collection, Project: f.project}, nil
}

// runRequest carries one pipeline invocation's switches.
type runRequest struct {
	pipeline string
	scope    engine.Scope
	dryRun   bool
	force    bool
}

func executeRun(cmd *cobra.Command, cctx *commandContext, pipeline string, flags *runFlags) error {
	scope, err := flags.scope()
	if err != nil {
		return err
	}
	cfg, err := cctx.ensureConfig()
	if err != nil {
		return err
	}
	rep, err := runPipeline(cmd.Context(), cmd.OutOrStdout(), cfg, runRequest{
		pipeline: pipeline,
		scope:    scope,
		dryRun:   flags.dryRun,
		force:    flags.force,
	})
	if err != nil {
		return err
	}
	if rep.HasFailures() {
		return fmt.Errorf("%s run %s: %d units failed", pipeline, rep.RunID, rep.Summary().Failed)
	}
	return nil
}

// runPipeline wires one full run: per-run logger, run lock, tracker, DMS
// client, resolver, pipeline, engine. The rendered report goes to out and
// to the notification service. The returned error is fatal wiring or
// discovery failure, never per-unit failure.
func runPipeline(ctx context.Context, out io.Writer, cfg *config.Config, req runRequest) (*report.Report, error) {
	runID := uuid.NewString()[:8]

	logger, err := logging.NewFromConfig(cfg, req.pipeline)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger = logging.WithRunID(logger, runID)
	logging.CleanupOldLogs(logger, cfg.Logging.Dir, "intake-*.log",
		cfg.Logging.RetentionDays, logging.RunLogPath(cfg, req.pipeline))

	notifier := notifications.NewService(cfg)
	fatal := func(err error) (*report.Report, error) {
		_ = notifier.Publish(ctx, notifications.EventRunFailed, notifications.Payload{
			"title":  report.New(req.pipeline, runID).Title(),
			"run_id": runID,
			"error":  err,
		})
		return nil, err
	}

	lock, err := runlock.Acquire(cfg.LockDir(), req.pipeline)
	if err != nil {
		return fatal(err)
	}
	defer lock.Release()

	store, err := tracker.BuildTracker(cfg.TrackerDSN(), req.pipeline, logger)
	if err != nil {
		return fatal(err)
	}
	defer store.Close()

	client, err := dms.FromConfig(cfg, logger)
	if err != nil {
		return fatal(err)
	}
	if !req.dryRun {
		if err := client.Authenticate(ctx); err != nil {
			return fatal(err)
		}
	}

	bundle, err := buildPipeline(req.pipeline, cfg, client, req.scope, logger)
	if err != nil {
		return fatal(err)
	}

	resolver := identity.New(client, cfg.DMS.LookupBatchSize, logger)
	eng, err := engine.New(engine.Params{
		Run: engine.RunContext{
			RunID:    runID,
			Pipeline: req.pipeline,
			Scope:    req.scope.String(),
			DryRun:   req.dryRun,
			Force:    req.force,
		},
		Pipeline: bundle.pipeline,
		Source:   bundle.source,
		Tracker:  store,
		Resolver: resolver,
		Creator:  bundle.creator,
		Logger:   logger,
	})
	if err != nil {
		return fatal(err)
	}

	rep, runErr := eng.Run(ctx)
	stats := resolver.Stats()
	logger.Info("identity lookups",
		logging.Int("cache_hits", stats.Hits),
		logging.Int("cache_misses", stats.Misses),
		logging.Int("batch_calls", stats.BatchCalls),
		logging.Int("single_calls", stats.SingleCalls),
		logging.Int("degraded", stats.Degraded))
	fmt.Fprintln(out, rep.RenderTable())
	if runErr != nil {
		_ = notifier.Publish(ctx, notifications.EventRunFailed, notifications.Payload{
			"title":  rep.Title(),
			"run_id": runID,
			"error":  runErr,
			"body":   rep.RenderText(),
		})
		return rep, runErr
	}

	summary := rep.Summary()
	if err := notifier.Publish(ctx, notifications.EventRunCompleted, notifications.Payload{
		"title":  rep.Title(),
		"run_id": runID,
		"body":   rep.RenderText(),
		"failed": summary.Failed,
	}); err != nil {
		logger.Warn("report mail failed", logging.Error(err))
	}
	return rep, nil
}

type pipelineBundle struct {
	pipeline engine.Pipeline
	source   engine.UnitSource
	creator  engine.SubjectCreator
}

func buildPipeline(name string, cfg *config.Config, client *dms.Client, scope engine.Scope, logger *slog.Logger) (pipelineBundle, error) {
	switch name {
	case "clinical":
		p := clinical.New(cfg, client, scope)
		return pipelineBundle{pipeline: p, source: p, creator: p}, nil
	case "dicom":
		p, err := dicom.New(cfg, client, scope, logger)
		if err != nil {
			return pipelineBundle{}, err
		}
		return pipelineBundle{pipeline: p, source: p, creator: p}, nil
	case "bids-participants":
		p := bids.NewParticipants(cfg, client, scope)
		return pipelineBundle{pipeline: p, source: p, creator: p}, nil
	case "bids-reid":
		p := bids.NewReid(cfg, scope, logger)
		return pipelineBundle{pipeline: p, source: p}, nil
	default:
		return pipelineBundle{}, fmt.Errorf("unknown pipeline %q", name)
	}
}
