// Package clinical ingests clinical CSV exports. Units are the CSV files
// under the incoming root, laid out as <collection>/<project>/<file>.csv;
// each file is validated locally, its subject identifiers resolved, and the
// whole file pushed to the DMS instrument endpoint.
package clinical

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"intake/internal/config"
	"intake/internal/dms"
	"intake/internal/engine"
	"intake/internal/fileutil"
	"intake/internal/identity"
	"intake/internal/services"
)

// Client is the slice of the DMS client the pipeline uses.
type Client interface {
	UploadInstrument(ctx context.Context, upload dms.InstrumentUpload) (*dms.UploadResult, error)
	CreateSubject(ctx context.Context, subject dms.NewSubject) (string, error)
}

// place locates a unit inside the two-level data layout.
type place struct {
	collection string
	project    string
}

// Pipeline implements the clinical CSV flow. It doubles as the unit source
// and the subject creator: validation records where each identifier was
// seen so creation can carry the right collection and project.
type Pipeline struct {
	root     string
	idColumn string
	mode     string
	create   bool
	scope    engine.Scope
	client   Client

	mu     sync.Mutex
	places map[string]place
}

// New builds the pipeline from config. The scope restricts discovery to one
// collection or project subtree.
func New(cfg *config.Config, client Client, scope engine.Scope) *Pipeline {
	return &Pipeline{
		root:     cfg.Paths.ClinicalIncomingDir,
		idColumn: cfg.Clinical.IDColumn,
		mode:     cfg.Clinical.Mode,
		create:   cfg.Clinical.CreateMissing,
		scope:    scope,
		client:   client,
		places:   make(map[string]place),
	}
}

func (p *Pipeline) Name() string { return "clinical" }

func (p *Pipeline) Flow() engine.Flow { return engine.Flow{CreateMissing: p.create} }

// Units lists the CSV files inside the scoped subtrees, in lexical order.
func (p *Pipeline) Units(_ context.Context) ([]engine.Unit, error) {
	collections, err := fileutil.ListSubdirs(p.root)
	if err != nil {
		return nil, fmt.Errorf("read clinical root: %w", err)
	}

	var units []engine.Unit
	for _, collection := range collections {
		projects, err := fileutil.ListSubdirs(filepath.Join(p.root, collection))
		if err != nil {
			return nil, fmt.Errorf("read collection %s: %w", collection, err)
		}
		for _, project := range projects {
			if !p.scope.Matches(collection, project) {
				continue
			}
			dir := filepath.Join(p.root, collection, project)
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("read project %s/%s: %w", collection, project, err)
			}
			for _, entry := range entries {
				if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
					continue
				}
				units = append(units, engine.Unit{
					Name:    collection + "/" + project + "/" + entry.Name(),
					Path:    filepath.Join(dir, entry.Name()),
					Payload: place{collection: collection, project: project},
				})
			}
		}
	}
	return units, nil
}

// Validate parses the CSV and collects the distinct subject identifiers.
// Every data row must carry a value in the configured ID column.
func (p *Pipeline) Validate(_ context.Context, unit *engine.Unit) error {
	f, err := os.Open(unit.Path)
	if err != nil {
		return services.Wrap(services.ErrValidation, "clinical", "validate", "file unreadable", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return services.Wrap(services.ErrValidation, "clinical", "validate", "file is empty", nil)
	}
	if err != nil {
		return services.Wrap(services.ErrValidation, "clinical", "validate", "malformed CSV", err)
	}

	idIndex := -1
	for i, column := range header {
		if strings.EqualFold(strings.TrimSpace(column), p.idColumn) {
			idIndex = i
			break
		}
	}
	if idIndex < 0 {
		return services.Wrap(services.ErrValidation, "clinical", "validate",
			fmt.Sprintf("missing %s column", p.idColumn), nil)
	}

	seen := make(map[string]struct{})
	var externalIDs []string
	rows := 0
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return services.Wrap(services.ErrValidation, "clinical", "validate", "malformed CSV", err)
		}
		rows++
		value := ""
		if idIndex < len(row) {
			value = strings.TrimSpace(row[idIndex])
		}
		if value == "" {
			return services.Wrap(services.ErrValidation, "clinical", "validate",
				fmt.Sprintf("row %d has no %s value", line, p.idColumn), nil)
		}
		if _, ok := seen[value]; !ok {
			seen[value] = struct{}{}
			externalIDs = append(externalIDs, value)
		}
	}
	if rows == 0 {
		return services.Wrap(services.ErrValidation, "clinical", "validate", "no data rows", nil)
	}

	unit.ExternalIDs = externalIDs
	p.remember(externalIDs, unit)
	return nil
}

// Sync pushes the whole CSV to the instrument endpoint. The server can
// reject an import inside a successful response, so the result's OK flag is
// the real verdict; its message becomes the tracker detail either way.
func (p *Pipeline) Sync(ctx context.Context, _ *engine.RunContext, unit *engine.Unit, _ []identity.Mapping) error {
	data, err := os.ReadFile(unit.Path)
	if err != nil {
		return services.Wrap(services.ErrTransient, "clinical", "sync", "file unreadable", err)
	}

	where := unitPlace(unit)
	result, err := p.client.UploadInstrument(ctx, dms.InstrumentUpload{
		Instrument: instrumentName(unit.Path),
		Mode:       p.mode,
		FileName:   filepath.Base(unit.Path),
		Data:       data,
		Collection: where.collection,
		Project:    where.project,
	})
	if err != nil {
		return err
	}
	if !result.OK {
		message := result.Message
		if message == "" {
			message = "server rejected the import"
		}
		return services.Wrap(services.ErrValidation, "clinical", "sync", message, nil)
	}
	unit.Detail = result.Message
	return nil
}

// CreateSubject registers one identifier under the collection and project
// of the unit that carried it.
func (p *Pipeline) CreateSubject(ctx context.Context, externalID string) (string, error) {
	where, ok := p.placeOf(externalID)
	if !ok {
		return "", services.Wrap(services.ErrValidation, "clinical", "create",
			fmt.Sprintf("identifier %s seen in no validated unit", externalID), nil)
	}
	return p.client.CreateSubject(ctx, dms.NewSubject{
		ExternalID: externalID,
		Collection: where.collection,
		Project:    where.project,
	})
}

func (p *Pipeline) remember(externalIDs []string, unit *engine.Unit) {
	where := unitPlace(unit)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, externalID := range externalIDs {
		p.places[externalID] = where
	}
}

func (p *Pipeline) placeOf(externalID string) (place, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	where, ok := p.places[externalID]
	return where, ok
}

func unitPlace(unit *engine.Unit) place {
	if where, ok := unit.Payload.(place); ok {
		return where
	}
	return place{}
}

// instrumentName derives the DMS instrument from the file name: the base
// name without its extension.
func instrumentName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
