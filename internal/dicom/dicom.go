// Package dicom imports DICOM study directories. A study is one directory
// named <externalID>_<YYYYMMDD>_<description> under the incoming root's
// <collection>/<project> layout; syncing archives the study tree with
// per-file verification and registers the imaging session with the DMS.
package dicom

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"intake/internal/config"
	"intake/internal/dms"
	"intake/internal/engine"
	"intake/internal/fileutil"
	"intake/internal/identity"
	"intake/internal/logging"
	"intake/internal/services"
)

// Client is the slice of the DMS client the pipeline uses.
type Client interface {
	RegisterImagingSession(ctx context.Context, session dms.ImagingSession) (string, error)
	CreateSubject(ctx context.Context, subject dms.NewSubject) (string, error)
}

// study is the parsed form of a validated unit.
type study struct {
	collection string
	project    string
	subject    string
	date       time.Time
	desc       string
}

// Pipeline implements the DICOM study flow. Like the other pipelines it is
// its own unit source and subject creator.
type Pipeline struct {
	root        string
	archiveRoot string
	pattern     *regexp.Regexp
	create      bool
	scope       engine.Scope
	client      Client
	logger      *slog.Logger

	mu     sync.Mutex
	places map[string]study
}

// New builds the pipeline from config. The study pattern must compile and
// carry subject, date, and desc groups.
func New(cfg *config.Config, client Client, scope engine.Scope, logger *slog.Logger) (*Pipeline, error) {
	pattern, err := regexp.Compile(cfg.DICOM.StudyPattern)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "dicom", "new", "study pattern does not compile", err)
	}
	for _, group := range []string{"subject", "date", "desc"} {
		if pattern.SubexpIndex(group) < 0 {
			return nil, services.Wrap(services.ErrConfiguration, "dicom", "new",
				fmt.Sprintf("study pattern lacks a %s group", group), nil)
		}
	}
	return &Pipeline{
		root:        cfg.Paths.DICOMIncomingDir,
		archiveRoot: cfg.Paths.ArchiveDir,
		pattern:     pattern,
		create:      cfg.DICOM.CreateMissing,
		scope:       scope,
		client:      client,
		logger:      logging.NewComponentLogger(logger, "dicom"),
		places:      make(map[string]study),
	}, nil
}

func (p *Pipeline) Name() string { return "dicom" }

func (p *Pipeline) Flow() engine.Flow { return engine.Flow{CreateMissing: p.create} }

// Units lists every study directory inside the scoped subtrees. Directories
// that do not look like studies still become units so their rejection shows
// up in the report instead of being silently ignored.
func (p *Pipeline) Units(_ context.Context) ([]engine.Unit, error) {
	collections, err := fileutil.ListSubdirs(p.root)
	if err != nil {
		return nil, fmt.Errorf("read dicom root: %w", err)
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
			studies, err := fileutil.ListSubdirs(filepath.Join(p.root, collection, project))
			if err != nil {
				return nil, fmt.Errorf("read project %s/%s: %w", collection, project, err)
			}
			for _, name := range studies {
				units = append(units, engine.Unit{
					Name:    collection + "/" + project + "/" + name,
					Path:    filepath.Join(p.root, collection, project, name),
					Payload: study{collection: collection, project: project},
				})
			}
		}
	}
	return units, nil
}

// Validate parses the study name, checks the embedded date, and requires at
// least one DICOM file somewhere under the directory.
func (p *Pipeline) Validate(_ context.Context, unit *engine.Unit) error {
	base := filepath.Base(unit.Path)
	match := p.pattern.FindStringSubmatch(base)
	if match == nil {
		return services.Wrap(services.ErrValidation, "dicom", "validate", "directory name does not match study pattern", nil)
	}
	parsed := unitStudy(unit)
	parsed.subject = match[p.pattern.SubexpIndex("subject")]
	parsed.desc = match[p.pattern.SubexpIndex("desc")]

	date, err := time.Parse("20060102", match[p.pattern.SubexpIndex("date")])
	if err != nil {
		return services.Wrap(services.ErrValidation, "dicom", "validate",
			fmt.Sprintf("study date %s is not a calendar date", match[p.pattern.SubexpIndex("date")]), nil)
	}
	parsed.date = date

	found, err := containsDICOMFile(unit.Path)
	if err != nil {
		return services.Wrap(services.ErrValidation, "dicom", "validate", "study directory unreadable", err)
	}
	if !found {
		return services.Wrap(services.ErrValidation, "dicom", "validate", "no DICOM files in study directory", nil)
	}

	unit.ExternalIDs = []string{parsed.subject}
	unit.Payload = parsed
	p.remember(parsed)
	return nil
}

// Sync archives the study tree with per-file verification, then registers
// the imaging session against the resolved subject.
func (p *Pipeline) Sync(ctx context.Context, _ *engine.RunContext, unit *engine.Unit, mappings []identity.Mapping) error {
	parsed := unitStudy(unit)
	mapping, ok := mappingFor(mappings, parsed.subject)
	if !ok {
		return services.Wrap(services.ErrValidation, "dicom", "sync",
			fmt.Sprintf("no identity resolved for %s", parsed.subject), nil)
	}

	dst := filepath.Join(p.archiveRoot, parsed.collection, parsed.project, filepath.Base(unit.Path))
	stats, err := fileutil.CopyTreeVerified(unit.Path, dst)
	if err != nil {
		return services.Wrap(services.ErrTransient, "dicom", "sync", "archive copy failed", err)
	}

	sessionID, err := p.client.RegisterImagingSession(ctx, dms.ImagingSession{
		InternalID:  mapping.InternalID,
		StudyDate:   parsed.date.Format("2006-01-02"),
		Description: parsed.desc,
		ArchivePath: dst,
		FileCount:   stats.Files,
		ByteSize:    stats.Bytes,
	})
	if err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "study archived",
		logging.String("session_id", sessionID),
		logging.String("archive_path", dst),
		logging.Int("files", stats.Files),
		logging.Int64("bytes", stats.Bytes))
	unit.Detail = fmt.Sprintf("session %s, %d files", sessionID, stats.Files)
	return nil
}

// CreateSubject registers one identifier under the collection and project
// of the study that carried it.
func (p *Pipeline) CreateSubject(ctx context.Context, externalID string) (string, error) {
	parsed, ok := p.placeOf(externalID)
	if !ok {
		return "", services.Wrap(services.ErrValidation, "dicom", "create",
			fmt.Sprintf("identifier %s seen in no validated study", externalID), nil)
	}
	return p.client.CreateSubject(ctx, dms.NewSubject{
		ExternalID: externalID,
		Collection: parsed.collection,
		Project:    parsed.project,
	})
}

func (p *Pipeline) remember(parsed study) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.places[parsed.subject] = parsed
}

func (p *Pipeline) placeOf(externalID string) (study, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	parsed, ok := p.places[externalID]
	return parsed, ok
}

func unitStudy(unit *engine.Unit) study {
	if parsed, ok := unit.Payload.(study); ok {
		return parsed
	}
	return study{}
}

func mappingFor(mappings []identity.Mapping, externalID string) (identity.Mapping, bool) {
	for _, mapping := range mappings {
		if mapping.ExternalID == externalID && mapping.Found {
			return mapping, true
		}
	}
	return identity.Mapping{}, false
}

// containsDICOMFile walks the study directory until it sees a .dcm file.
func containsDICOMFile(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".dcm") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found, err
}
