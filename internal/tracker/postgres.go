package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"intake/internal/logging"
)

const (
	postgresTableName        = "intake_processed_records"
	postgresOperationTimeout = 5 * time.Second
)

// postgresTracker shares one table across namespaces. The connection is
// established by the first statement; BuildTracker runs the schema check
// and initial load eagerly so an unreachable database fails the run before
// the unit loop starts.
type postgresTracker struct {
	namespace string
	dsn       string
	logger    *slog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu      sync.Mutex
	records map[string]Record
}

func openPostgres(dsn, namespace string, logger *slog.Logger) (*postgresTracker, error) {
	t := &postgresTracker{
		namespace: namespace,
		dsn:       dsn,
		logger:    logging.NewComponentLogger(logger, "tracker"),
		records:   make(map[string]Record),
	}
	if err := t.ensureReady(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *postgresTracker) ensureReady() error {
	t.initOnce.Do(func() {
		db, err := sql.Open("postgres", t.dsn)
		if err != nil {
			t.initErr = fmt.Errorf("open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		schema := fmt.Sprintf(`
            CREATE TABLE IF NOT EXISTS %s (
                namespace TEXT NOT NULL,
                name TEXT NOT NULL,
                status TEXT NOT NULL,
                detail TEXT NOT NULL DEFAULT '',
                processed_at TIMESTAMPTZ NOT NULL,
                PRIMARY KEY (namespace, name)
            )`, postgresTableName)
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			t.initErr = fmt.Errorf("ensure tracker table: %w", err)
			return
		}

		query := fmt.Sprintf(
			"SELECT name, status, detail, processed_at FROM %s WHERE namespace = $1",
			postgresTableName)
		rows, err := db.QueryContext(ctx, query, t.namespace)
		if err != nil {
			_ = db.Close()
			t.initErr = fmt.Errorf("load tracker records: %w", err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var record Record
			if err := rows.Scan(&record.Name, &record.Status, &record.Detail, &record.Timestamp); err != nil {
				_ = db.Close()
				t.initErr = fmt.Errorf("scan tracker record: %w", err)
				return
			}
			t.records[record.Name] = record
		}
		if err := rows.Err(); err != nil {
			_ = db.Close()
			t.initErr = fmt.Errorf("read tracker records: %w", err)
			return
		}
		t.db = db
	})
	return t.initErr
}

func (t *postgresTracker) Namespace() string { return t.namespace }

func (t *postgresTracker) IsProcessed(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[name]
	return ok
}

func (t *postgresTracker) MarkProcessed(name, status, detail string) {
	now := time.Now().UTC()
	t.mu.Lock()
	t.records[name] = Record{Name: name, Status: status, Detail: detail, Timestamp: now}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
        INSERT INTO %s (namespace, name, status, detail, processed_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (namespace, name)
        DO UPDATE SET status = EXCLUDED.status, detail = EXCLUDED.detail, processed_at = EXCLUDED.processed_at`,
		postgresTableName)
	if _, err := t.db.ExecContext(ctx, query, t.namespace, name, status, detail, now); err != nil {
		t.logger.Error("tracker write failed, unit will be rechecked next run",
			logging.String("namespace", t.namespace),
			logging.String("unit", name),
			logging.Error(err))
	}
}

func (t *postgresTracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]Record, 0, len(t.records))
	for _, record := range t.records {
		records = append(records, record)
	}
	sortRecords(records)
	return records
}

func (t *postgresTracker) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}
