package bids

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"intake/internal/engine"
	"intake/internal/fileutil"
)

const (
	descriptorName   = "dataset_description.json"
	participantsName = "participants.tsv"
)

// dataset is one curated directory under the BIDS root. gateErr, when set,
// is a dataset-wide defect (bad descriptor, unreadable participants table)
// that fails every unit the dataset produces.
type dataset struct {
	collection string
	project    string
	path       string

	columns []string
	idIndex int
	rows    []row
	gateErr error
}

// row is one participants.tsv data row, keyed by its participant label.
type row struct {
	participantID string
	values        []string
}

// participantUnit is the payload both BIDS pipelines receive per unit.
type participantUnit struct {
	ds  *dataset
	row row
}

// discoverDatasets walks the two-level layout under root and loads each
// dataset within scope. A directory with neither a descriptor nor a
// participants table is not a dataset and is skipped; one with either is
// loaded, and anything wrong with it lands in gateErr rather than aborting
// discovery.
func discoverDatasets(root string, scope engine.Scope) ([]*dataset, error) {
	collections, err := fileutil.ListSubdirs(root)
	if err != nil {
		return nil, fmt.Errorf("read BIDS root: %w", err)
	}

	var datasets []*dataset
	for _, collection := range collections {
		projects, err := fileutil.ListSubdirs(filepath.Join(root, collection))
		if err != nil {
			return nil, fmt.Errorf("read collection %s: %w", collection, err)
		}
		for _, project := range projects {
			if !scope.Matches(collection, project) {
				continue
			}
			dir := filepath.Join(root, collection, project)
			descriptor := filepath.Join(dir, descriptorName)
			table := filepath.Join(dir, participantsName)
			if !exists(descriptor) && !exists(table) {
				continue
			}

			ds := &dataset{collection: collection, project: project, path: dir, idIndex: -1}
			if err := ValidateDescription(descriptor); err != nil {
				ds.gateErr = fmt.Errorf("dataset description invalid: %s", oneLine(err))
			}
			if err := ds.loadParticipants(table); err != nil && ds.gateErr == nil {
				ds.gateErr = err
			}
			datasets = append(datasets, ds)
		}
	}
	return datasets, nil
}

// loadParticipants reads participants.tsv into rows. The table is loaded
// even when the descriptor already failed, so per-row units still exist to
// carry the gate reason.
func (ds *dataset) loadParticipants(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("participants.tsv is missing")
		}
		return fmt.Errorf("open participants.tsv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("participants.tsv is empty")
	}
	if err != nil {
		return fmt.Errorf("participants.tsv is malformed")
	}

	ds.columns = header
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "participant_id") {
			ds.idIndex = i
			break
		}
	}
	if ds.idIndex < 0 {
		return fmt.Errorf("participants.tsv has no participant_id column")
	}

	seen := make(map[string]struct{})
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("participants.tsv is malformed")
		}
		id := ""
		if ds.idIndex < len(record) {
			id = strings.TrimSpace(record[ds.idIndex])
		}
		if id == "" {
			return fmt.Errorf("participants.tsv row %d has no participant_id", line)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("participants.tsv lists %s twice", id)
		}
		seen[id] = struct{}{}
		ds.rows = append(ds.rows, row{participantID: id, values: record})
	}
	if len(ds.rows) == 0 {
		return fmt.Errorf("participants.tsv has no participants")
	}
	return nil
}

// column returns the row's value under the named header, case-insensitively.
func (ds *dataset) column(r row, name string) string {
	for i, header := range ds.columns {
		if i < len(r.values) && strings.EqualFold(strings.TrimSpace(header), name) {
			return strings.TrimSpace(r.values[i])
		}
	}
	return ""
}

// participantUnits turns the scoped datasets into engine units, one per
// participant row. A dataset whose table yielded no rows still emits one
// unit named after the table itself, so its gate failure shows up in the
// report instead of vanishing.
func participantUnits(root string, scope engine.Scope) ([]engine.Unit, error) {
	datasets, err := discoverDatasets(root, scope)
	if err != nil {
		return nil, err
	}

	var units []engine.Unit
	for _, ds := range datasets {
		prefix := ds.collection + "/" + ds.project + "/"
		if len(ds.rows) == 0 {
			units = append(units, engine.Unit{
				Name:    prefix + participantsName,
				Path:    filepath.Join(ds.path, participantsName),
				Payload: participantUnit{ds: ds},
			})
			continue
		}
		for _, r := range ds.rows {
			units = append(units, engine.Unit{
				Name:    prefix + r.participantID,
				Path:    ds.path,
				Payload: participantUnit{ds: ds, row: r},
			})
		}
	}
	return units, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// oneLine collapses a multi-line error (schema validators produce them)
// into a single line so report reasons group cleanly.
func oneLine(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
