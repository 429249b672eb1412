// Package identity resolves external study identifiers to the internal
// identifiers the data management service assigns. Results are cached for
// the duration of a run, including explicit not-founds, so one identifier
// costs at most one network call per run.
package identity

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"intake/internal/dms"
	"intake/internal/logging"
	"intake/internal/services"
)

// How a mapping entered the run cache.
const (
	SourceLookup  = "lookup_service"
	SourceCreated = "newly_created"
)

// Mapping relates one external identifier to at most one internal
// identifier. Found is false when the service does not know the external
// ID; that is a signal to create, not an error. Source records how a found
// mapping was established; cache hits return it unchanged.
type Mapping struct {
	ExternalID string
	InternalID string
	Found      bool
	Source     string
}

// Lookup is the remote surface the resolver needs.
type Lookup interface {
	LookupBatch(ctx context.Context, externalIDs []string) ([]dms.LookupRow, error)
	LookupOne(ctx context.Context, externalID string) (dms.LookupRow, error)
}

// Stats counts cache and network activity for one run.
type Stats struct {
	Hits        int
	Misses      int
	BatchCalls  int
	SingleCalls int
	Degraded    int
}

// Resolver caches lookups for one run. Discard it when the run ends.
type Resolver struct {
	lookup    Lookup
	batchSize int
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]Mapping
	stats Stats
}

const defaultBatchSize = 50

// New builds a resolver around the given lookup surface.
func New(lookup Lookup, batchSize int, logger *slog.Logger) *Resolver {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Resolver{
		lookup:    lookup,
		batchSize: batchSize,
		logger:    logging.NewComponentLogger(logger, "identity"),
		cache:     make(map[string]Mapping),
	}
}

// Resolve returns the mapping for one external identifier. Lookup failures
// degrade to a not-found mapping: the service's own uniqueness constraint
// is the backstop against duplicate creation downstream.
func (r *Resolver) Resolve(ctx context.Context, externalID string) (Mapping, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Mapping{}, services.Wrap(services.ErrValidation, "identity", "resolve", "empty external identifier", nil)
	}

	if mapping, ok := r.cached(externalID); ok {
		return mapping, nil
	}
	return r.fetchSingle(ctx, externalID)
}

func (r *Resolver) fetchSingle(ctx context.Context, externalID string) (Mapping, error) {
	row, err := r.lookup.LookupOne(ctx, externalID)
	r.countSingle()
	if err != nil {
		if ctx.Err() != nil {
			return Mapping{}, ctx.Err()
		}
		r.countDegraded()
		r.logger.WarnContext(ctx, "lookup failed, treating identifier as unknown",
			logging.String("external_id", externalID),
			logging.Error(err))
		row = dms.LookupRow{ExternalID: externalID}
	}
	mapping := Mapping{ExternalID: externalID, InternalID: row.InternalID, Found: row.Found}
	if mapping.Found {
		mapping.Source = SourceLookup
	}
	r.store(mapping)
	return mapping, nil
}

// ResolveAll resolves a set of identifiers, batching the uncached ones.
// When a batch call fails the resolver retries each of its identifiers
// individually before degrading stragglers to not-found. The returned map
// has one entry per distinct requested identifier.
func (r *Resolver) ResolveAll(ctx context.Context, externalIDs []string) (map[string]Mapping, error) {
	result := make(map[string]Mapping, len(externalIDs))
	pending := make([]string, 0, len(externalIDs))
	for _, raw := range externalIDs {
		externalID := strings.TrimSpace(raw)
		if externalID == "" {
			continue
		}
		if _, seen := result[externalID]; seen {
			continue
		}
		if mapping, ok := r.cached(externalID); ok {
			result[externalID] = mapping
			continue
		}
		result[externalID] = Mapping{ExternalID: externalID}
		pending = append(pending, externalID)
	}

	for start := 0; start < len(pending); start += r.batchSize {
		end := start + r.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		rows, err := r.lookup.LookupBatch(ctx, chunk)
		r.countBatch()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.WarnContext(ctx, "batch lookup failed, retrying identifiers individually",
				logging.Int("batch_size", len(chunk)),
				logging.Error(err))
			for _, externalID := range chunk {
				mapping, singleErr := r.fetchSingle(ctx, externalID)
				if singleErr != nil {
					return nil, singleErr
				}
				result[externalID] = mapping
			}
			continue
		}
		for _, row := range rows {
			mapping := Mapping{ExternalID: row.ExternalID, InternalID: row.InternalID, Found: row.Found}
			if mapping.Found {
				mapping.Source = SourceLookup
			}
			r.store(mapping)
			if _, wanted := result[row.ExternalID]; wanted {
				result[row.ExternalID] = mapping
			}
		}
	}
	return result, nil
}

// Refresh re-queries one identifier, replacing whatever the cache holds.
// Needed after a creation conflict: the server knows the identifier even
// though this run cached it as missing.
func (r *Resolver) Refresh(ctx context.Context, externalID string) (Mapping, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Mapping{}, services.Wrap(services.ErrValidation, "identity", "refresh", "empty external identifier", nil)
	}
	return r.fetchSingle(ctx, externalID)
}

// Prime seeds the cache, typically with the mapping a subject creation
// just minted. Later resolves for the same identifier stay local.
func (r *Resolver) Prime(mappings ...Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mapping := range mappings {
		if mapping.ExternalID == "" {
			continue
		}
		if mapping.Found && mapping.Source == "" {
			mapping.Source = SourceCreated
		}
		r.cache[mapping.ExternalID] = mapping
	}
}

// Stats returns a snapshot of the run's cache and network counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Resolver) cached(externalID string) (Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mapping, ok := r.cache[externalID]
	if ok {
		r.stats.Hits++
	} else {
		r.stats.Misses++
	}
	return mapping, ok
}

func (r *Resolver) store(mapping Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[mapping.ExternalID] = mapping
}

func (r *Resolver) countSingle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.SingleCalls++
}

func (r *Resolver) countBatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.BatchCalls++
}

func (r *Resolver) countDegraded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Degraded++
}
