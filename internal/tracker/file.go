package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"intake/internal/logging"
)

type fileRecord struct {
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// fileTracker keeps one JSON object per namespace,
// {name: {status, detail, timestamp}}, rewritten in full on every mark.
type fileTracker struct {
	namespace string
	path      string
	logger    *slog.Logger

	mu      sync.Mutex
	records map[string]fileRecord
}

func openFile(dir, namespace string, logger *slog.Logger) (*fileTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tracker directory: %w", err)
	}
	t := &fileTracker{
		namespace: namespace,
		path:      filepath.Join(dir, namespace+".json"),
		logger:    logging.NewComponentLogger(logger, "tracker"),
		records:   make(map[string]fileRecord),
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *fileTracker) load() error {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tracker ledger %s: %w", t.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &t.records); err != nil {
		return fmt.Errorf("parse tracker ledger %s: %w", t.path, err)
	}
	return nil
}

func (t *fileTracker) Namespace() string { return t.namespace }

func (t *fileTracker) IsProcessed(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[name]
	return ok
}

func (t *fileTracker) MarkProcessed(name, status, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[name] = fileRecord{Status: status, Detail: detail, Timestamp: time.Now().UTC()}
	if err := t.rewrite(); err != nil {
		t.logger.Error("tracker write failed, unit will be rechecked next run",
			logging.String("namespace", t.namespace),
			logging.String("unit", name),
			logging.Error(err))
	}
}

// rewrite persists the whole ledger through a temp file and rename so a
// crash mid-write never leaves a half-written ledger behind.
func (t *fileTracker) rewrite() error {
	data, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tracker ledger: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write tracker ledger: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace tracker ledger: %w", err)
	}
	return nil
}

func (t *fileTracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]Record, 0, len(t.records))
	for name, record := range t.records {
		records = append(records, Record{
			Name:      name,
			Status:    record.Status,
			Detail:    record.Detail,
			Timestamp: record.Timestamp,
		})
	}
	sortRecords(records)
	return records
}

func (t *fileTracker) Close() error { return nil }
