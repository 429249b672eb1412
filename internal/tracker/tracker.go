// Package tracker persists which units of work have already been synced.
// One tracker instance covers one namespace (pipeline plus scope); records
// load on open and live in memory, so membership checks never touch the
// backend. Backends are selected by DSN scheme: a JSON ledger per
// namespace, SQLite, or Postgres.
package tracker

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Record states. Success means the unit's side effect completed; exists
// means the subject was already on the server and nothing was pushed.
const (
	StatusSuccess = "success"
	StatusExists  = "exists"
)

// Record is one processed unit inside a namespace.
type Record struct {
	Name      string
	Status    string
	Detail    string
	Timestamp time.Time
}

// Tracker is the processed-unit ledger for one namespace. MarkProcessed
// never fails the caller: a unit whose work succeeded stays succeeded even
// when the ledger write does not, and the worst case is a redundant retry
// next run. Concurrent runs against one namespace are not supported;
// runlock enforces that.
type Tracker interface {
	Namespace() string
	IsProcessed(name string) bool
	MarkProcessed(name, status, detail string)
	Records() []Record
	Close() error
}

// BuildTracker opens the backend the DSN names for one namespace.
//
//	file:/var/lib/intake/tracker   JSON ledger per namespace (default)
//	/var/lib/intake/tracker        same, bare path
//	sqlite:/var/lib/intake/intake.db
//	postgres://user:pw@host/db
func BuildTracker(dsn, namespace string, logger *slog.Logger) (Tracker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("tracker DSN is empty")
	}
	namespace = sanitizeNamespace(namespace)
	if namespace == "" {
		return nil, fmt.Errorf("tracker namespace is empty")
	}

	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return openSQLite(strings.TrimPrefix(dsn, "sqlite:"), namespace, logger)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return openPostgres(dsn, namespace, logger)
	case strings.HasPrefix(dsn, "file:"):
		return openFile(strings.TrimPrefix(dsn, "file:"), namespace, logger)
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported tracker DSN scheme %q", dsn[:strings.Index(dsn, "://")])
	default:
		return openFile(dsn, namespace, logger)
	}
}

// sanitizeNamespace keeps namespaces safe to use as file names and SQL
// keys. Anything outside [A-Za-z0-9._-] becomes a dash.
func sanitizeNamespace(namespace string) string {
	namespace = strings.TrimSpace(namespace)
	var b strings.Builder
	b.Grow(len(namespace))
	for _, r := range namespace {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
}
