package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"intake/internal/logging"
)

// sqliteTracker keeps all namespaces in one database file. Records load on
// open; marks update memory and upsert the single changed row, since the
// table is always consistent on its own.
type sqliteTracker struct {
	namespace string
	db        *sql.DB
	logger    *slog.Logger

	mu      sync.Mutex
	records map[string]Record
}

func openSQLite(path, namespace string, logger *slog.Logger) (*sqliteTracker, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create tracker directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	t := &sqliteTracker{
		namespace: namespace,
		db:        db,
		logger:    logging.NewComponentLogger(logger, "tracker"),
		records:   make(map[string]Record),
	}
	if err := t.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := t.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *sqliteTracker) load(ctx context.Context) error {
	rows, err := t.db.QueryContext(ctx,
		"SELECT name, status, detail, processed_at FROM processed_records WHERE namespace = ?",
		t.namespace)
	if err != nil {
		return fmt.Errorf("load tracker records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record Record
		var processedAt string
		if err := rows.Scan(&record.Name, &record.Status, &record.Detail, &processedAt); err != nil {
			return fmt.Errorf("scan tracker record: %w", err)
		}
		record.Timestamp, _ = time.Parse(time.RFC3339Nano, processedAt)
		t.records[record.Name] = record
	}
	return rows.Err()
}

func (t *sqliteTracker) Namespace() string { return t.namespace }

func (t *sqliteTracker) IsProcessed(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[name]
	return ok
}

func (t *sqliteTracker) MarkProcessed(name, status, detail string) {
	now := time.Now().UTC()
	t.mu.Lock()
	t.records[name] = Record{Name: name, Status: status, Detail: detail, Timestamp: now}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO processed_records (namespace, name, status, detail, processed_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (namespace, name)
         DO UPDATE SET status = excluded.status, detail = excluded.detail, processed_at = excluded.processed_at`,
		t.namespace, name, status, detail, now.Format(time.RFC3339Nano))
	if err != nil {
		t.logger.Error("tracker write failed, unit will be rechecked next run",
			logging.String("namespace", t.namespace),
			logging.String("unit", name),
			logging.Error(err))
	}
}

func (t *sqliteTracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]Record, 0, len(t.records))
	for _, record := range t.records {
		records = append(records, record)
	}
	sortRecords(records)
	return records
}

func (t *sqliteTracker) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}
