package bids

import (
	"encoding/csv"
	"os"
	"path/filepath"
)

// readTSV loads a tab-separated file whole. A missing file is an empty
// table, not an error.
func readTSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	return reader.ReadAll()
}

// writeTSV rewrites a tab-separated file atomically via a sibling temp file.
func writeTSV(path string, records [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	writer := csv.NewWriter(tmp)
	writer.Comma = '\t'
	if err := writer.WriteAll(records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
