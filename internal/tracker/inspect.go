package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// NamespaceSummary is one row of `intake tracker list`.
type NamespaceSummary struct {
	Namespace string
	Count     int
	LastMark  time.Time
}

// Summaries enumerates the namespaces a DSN holds, with record counts.
// Read-only: a missing ledger directory, database file, or table yields an
// empty list, never an error.
func Summaries(dsn string) ([]NamespaceSummary, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqliteSummaries(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgresSummaries(dsn)
	case strings.HasPrefix(dsn, "file:"):
		return fileSummaries(strings.TrimPrefix(dsn, "file:"))
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported tracker DSN scheme %q", dsn[:strings.Index(dsn, "://")])
	default:
		return fileSummaries(dsn)
	}
}

func fileSummaries(dir string) ([]NamespaceSummary, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tracker directory: %w", err)
	}

	summaries := make([]NamespaceSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read ledger %s: %w", entry.Name(), err)
		}
		records := make(map[string]fileRecord)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &records); err != nil {
				return nil, fmt.Errorf("parse ledger %s: %w", entry.Name(), err)
			}
		}
		summary := NamespaceSummary{
			Namespace: strings.TrimSuffix(entry.Name(), ".json"),
			Count:     len(records),
		}
		for _, record := range records {
			if record.Timestamp.After(summary.LastMark) {
				summary.LastMark = record.Timestamp
			}
		}
		summaries = append(summaries, summary)
	}
	sortSummaries(summaries)
	return summaries, nil
}

func sqliteSummaries(path string) ([]NamespaceSummary, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var tables int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = 'processed_records'").Scan(&tables)
	if err != nil {
		return nil, fmt.Errorf("inspect sqlite schema: %w", err)
	}
	if tables == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT namespace, COUNT(1), MAX(processed_at)
         FROM processed_records GROUP BY namespace ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("summarize tracker records: %w", err)
	}
	defer rows.Close()

	var summaries []NamespaceSummary
	for rows.Next() {
		var summary NamespaceSummary
		var lastMark string
		if err := rows.Scan(&summary.Namespace, &summary.Count, &lastMark); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summary.LastMark, _ = time.Parse(time.RFC3339Nano, lastMark)
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func postgresSummaries(dsn string) ([]NamespaceSummary, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", postgresTableName).Scan(&exists); err != nil {
		return nil, fmt.Errorf("inspect postgres schema: %w", err)
	}
	if !exists {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT namespace, COUNT(1), MAX(processed_at)
         FROM %s GROUP BY namespace ORDER BY namespace`, postgresTableName)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("summarize tracker records: %w", err)
	}
	defer rows.Close()

	var summaries []NamespaceSummary
	for rows.Next() {
		var summary NamespaceSummary
		if err := rows.Scan(&summary.Namespace, &summary.Count, &summary.LastMark); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func sortSummaries(summaries []NamespaceSummary) {
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Namespace < summaries[j].Namespace })
}
