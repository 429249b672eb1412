// Package watch runs pipelines continuously. An fsnotify watcher covers
// the configured incoming roots; filesystem events mark the owning
// pipeline dirty, and a quiet period later the dirty pipelines run. A
// periodic rescan catches anything events missed.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"intake/internal/config"
	"intake/internal/logging"
	"intake/internal/services"
)

// Runner executes one pipeline by name. The watcher never interprets run
// results beyond logging: a failed run is retried naturally by the next
// event or rescan.
type Runner func(ctx context.Context, pipeline string) error

// Watcher dispatches debounced filesystem activity to pipeline runs.
type Watcher struct {
	roots    map[string]string
	order    []string
	debounce time.Duration
	rescan   time.Duration
	run      Runner
	logger   *slog.Logger
}

// New builds a watcher for the pipelines enabled in config.
func New(cfg *config.Config, run Runner, logger *slog.Logger) (*Watcher, error) {
	if run == nil {
		return nil, services.Wrap(services.ErrConfiguration, "watch", "new", "runner is required", nil)
	}

	available := map[string]string{
		"clinical":          cfg.Paths.ClinicalIncomingDir,
		"dicom":             cfg.Paths.DICOMIncomingDir,
		"bids-participants": cfg.Paths.BIDSRootDir,
	}
	roots := make(map[string]string, len(cfg.Watch.Pipelines))
	for _, name := range cfg.Watch.Pipelines {
		root, ok := available[name]
		if !ok {
			return nil, services.Wrap(services.ErrConfiguration, "watch", "new", "pipeline "+name+" is not watchable", nil)
		}
		roots[name] = root
	}
	if len(roots) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "watch", "new", "no pipelines enabled for watching", nil)
	}

	order := make([]string, 0, len(roots))
	for name := range roots {
		order = append(order, name)
	}
	sort.Strings(order)

	return &Watcher{
		roots:    roots,
		order:    order,
		debounce: time.Duration(cfg.Watch.DebounceSeconds) * time.Second,
		rescan:   time.Duration(cfg.Watch.RescanMinutes) * time.Minute,
		run:      run,
		logger:   logging.NewComponentLogger(logger, "watch"),
	}, nil
}

// Run watches until the context is cancelled. Every enabled pipeline runs
// once at startup to clear any backlog that accumulated while the watcher
// was down.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "watch", "start", "filesystem watcher unavailable", err)
	}
	defer fsw.Close()

	for _, name := range w.order {
		if err := w.addTree(fsw, w.roots[name]); err != nil {
			return services.Wrap(services.ErrConfiguration, "watch", "start",
				"cannot watch "+name+" root", err)
		}
	}
	w.logger.InfoContext(ctx, "watching",
		logging.String("pipelines", strings.Join(w.order, ",")),
		logging.Duration("debounce", w.debounce),
		logging.Duration("rescan", w.rescan))

	w.runPipelines(ctx, w.order)

	// rescan 0 disables the periodic full pass; a nil channel never fires.
	var rescanC <-chan time.Time
	if w.rescan > 0 {
		rescan := time.NewTicker(w.rescan)
		defer rescan.Stop()
		rescanC = rescan.C
	}

	pending := make(map[string]struct{})
	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watch stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			name, ok := w.owner(event.Name)
			if !ok {
				continue
			}
			w.maybeWatchDir(fsw, event)
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending[name] = struct{}{}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounce)
			fire = debounce.C

		case <-fire:
			debounce = nil
			fire = nil
			dirty := make([]string, 0, len(pending))
			for _, name := range w.order {
				if _, ok := pending[name]; ok {
					dirty = append(dirty, name)
				}
			}
			pending = make(map[string]struct{})
			w.runPipelines(ctx, dirty)

		case <-rescanC:
			w.runPipelines(ctx, w.order)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", logging.Error(err))
		}
	}
}

func (w *Watcher) runPipelines(ctx context.Context, names []string) {
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.logger.InfoContext(ctx, "pipeline triggered", logging.String(logging.FieldPipeline, name))
		if err := w.run(ctx, name); err != nil {
			w.logger.Warn("pipeline run failed",
				logging.String(logging.FieldPipeline, name),
				logging.Bool("retryable", services.Retryable(err)),
				logging.Error(err))
		}
	}
}

// addTree watches the root and its first two directory levels: that is
// where units appear. Deeper activity still surfaces through events on
// the level above.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	if err := fsw.Add(root); err != nil {
		return err
	}
	collections, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, collection := range collections {
		if !collection.IsDir() || strings.HasPrefix(collection.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, collection.Name())
		if err := fsw.Add(dir); err != nil {
			return err
		}
		projects, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, project := range projects {
			if !project.IsDir() || strings.HasPrefix(project.Name(), ".") {
				continue
			}
			if err := fsw.Add(filepath.Join(dir, project.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeWatchDir extends the watch to collection and project directories
// created after startup.
func (w *Watcher) maybeWatchDir(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil || !info.IsDir() {
		return
	}
	root, ok := w.rootOf(event.Name)
	if !ok {
		return
	}
	rel, err := filepath.Rel(root, event.Name)
	if err != nil || rel == "." {
		return
	}
	if strings.Count(rel, string(filepath.Separator)) >= 2 {
		return
	}
	if err := fsw.Add(event.Name); err != nil {
		w.logger.Warn("cannot extend watch",
			logging.String("path", event.Name),
			logging.Error(err))
	}
}

func (w *Watcher) owner(path string) (string, bool) {
	for _, name := range w.order {
		if underRoot(w.roots[name], path) {
			return name, true
		}
	}
	return "", false
}

func (w *Watcher) rootOf(path string) (string, bool) {
	for _, name := range w.order {
		if underRoot(w.roots[name], path) {
			return w.roots[name], true
		}
	}
	return "", false
}

func underRoot(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
