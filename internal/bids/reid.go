package bids

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"intake/internal/config"
	"intake/internal/engine"
	"intake/internal/fileutil"
	"intake/internal/identity"
	"intake/internal/logging"
	"intake/internal/services"
)

const mappingName = "mapping.tsv"

// Reid writes the reidentified copy of each dataset: participant data moved
// under internal-identifier labels, the participants table rewritten, and a
// mapping table recording which external label became which internal one.
// Unknown participants fail; this pipeline never registers subjects.
type Reid struct {
	root    string
	outRoot string
	prefix  string
	scope   engine.Scope
	logger  *slog.Logger
}

// NewReid builds the pipeline from config.
func NewReid(cfg *config.Config, scope engine.Scope, logger *slog.Logger) *Reid {
	return &Reid{
		root:    cfg.Paths.BIDSRootDir,
		outRoot: cfg.Paths.ReidOutputDir,
		prefix:  cfg.BIDS.ParticipantPrefix,
		scope:   scope,
		logger:  logging.NewComponentLogger(logger, "bids-reid"),
	}
}

func (p *Reid) Name() string { return "bids-reid" }

func (p *Reid) Flow() engine.Flow { return engine.Flow{} }

// Units lists the same participant rows the sync pipeline sees.
func (p *Reid) Units(_ context.Context) ([]engine.Unit, error) {
	return participantUnits(p.root, p.scope)
}

// Validate surfaces the dataset gate and requires the participant's data
// directory to exist: a row without a directory has nothing to copy.
func (p *Reid) Validate(_ context.Context, unit *engine.Unit) error {
	pu, ok := unit.Payload.(participantUnit)
	if !ok || pu.ds == nil {
		return services.Wrap(services.ErrValidation, "bids", "validate", "unit carries no dataset", nil)
	}
	if pu.ds.gateErr != nil {
		return services.Wrap(services.ErrValidation, "bids", "validate", pu.ds.gateErr.Error(), nil)
	}

	externalID, err := externalIDFrom(pu.row.participantID, p.prefix)
	if err != nil {
		return services.Wrap(services.ErrValidation, "bids", "validate", err.Error(), nil)
	}

	dir := filepath.Join(pu.ds.path, pu.row.participantID)
	info, statErr := os.Stat(dir)
	if statErr != nil || !info.IsDir() {
		return services.Wrap(services.ErrValidation, "bids", "validate", "participant directory missing", nil)
	}

	unit.ExternalIDs = []string{externalID}
	return nil
}

// Sync builds the participant's slice of the output dataset: the data tree
// copied with verification under the new label, the descriptor carried
// over, and the participants and mapping tables upserted so reruns rewrite
// rows instead of duplicating them.
func (p *Reid) Sync(ctx context.Context, _ *engine.RunContext, unit *engine.Unit, mappings []identity.Mapping) error {
	pu := unit.Payload.(participantUnit)
	mapping := mappings[0]
	newLabel := p.prefix + mapping.InternalID

	outDir := filepath.Join(p.outRoot, pu.ds.collection, pu.ds.project)
	stats, err := fileutil.CopyTreeVerified(
		filepath.Join(pu.ds.path, pu.row.participantID),
		filepath.Join(outDir, newLabel))
	if err != nil {
		return services.Wrap(services.ErrTransient, "bids", "sync", "participant copy failed", err)
	}

	if err := fileutil.CopyFile(
		filepath.Join(pu.ds.path, descriptorName),
		filepath.Join(outDir, descriptorName)); err != nil {
		return services.Wrap(services.ErrTransient, "bids", "sync", "descriptor copy failed", err)
	}

	if err := p.upsertParticipantRow(outDir, pu, newLabel); err != nil {
		return services.Wrap(services.ErrTransient, "bids", "sync", "participants table update failed", err)
	}
	if err := upsertMappingRow(outDir, mapping.ExternalID, mapping.InternalID); err != nil {
		return services.Wrap(services.ErrTransient, "bids", "sync", "mapping table update failed", err)
	}

	p.logger.InfoContext(ctx, "participant reidentified",
		logging.String("external_id", mapping.ExternalID),
		logging.String("internal_id", mapping.InternalID),
		logging.Int("files", stats.Files),
		logging.Int64("bytes", stats.Bytes))
	unit.Detail = fmt.Sprintf("%s, %d files", newLabel, stats.Files)
	return nil
}

// upsertParticipantRow writes the participant's row into the output
// participants table under the new label, replacing an existing row from a
// previous run.
func (p *Reid) upsertParticipantRow(outDir string, pu participantUnit, newLabel string) error {
	path := filepath.Join(outDir, participantsName)
	records, err := readTSV(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		records = [][]string{pu.ds.columns}
	}

	updated := make([]string, len(pu.row.values))
	copy(updated, pu.row.values)
	if pu.ds.idIndex < len(updated) {
		updated[pu.ds.idIndex] = newLabel
	}

	replaced := false
	for i := 1; i < len(records); i++ {
		if pu.ds.idIndex < len(records[i]) && records[i][pu.ds.idIndex] == newLabel {
			records[i] = updated
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, updated)
	}
	return writeTSV(path, records)
}

// upsertMappingRow records external -> internal in the dataset's mapping
// table, keyed on the external identifier.
func upsertMappingRow(outDir, externalID, internalID string) error {
	path := filepath.Join(outDir, mappingName)
	records, err := readTSV(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		records = [][]string{{"external_id", "internal_id"}}
	}

	replaced := false
	for i := 1; i < len(records); i++ {
		if len(records[i]) > 0 && records[i][0] == externalID {
			records[i] = []string{externalID, internalID}
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, []string{externalID, internalID})
	}
	return writeTSV(path, records)
}
