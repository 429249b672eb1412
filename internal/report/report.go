package report

import (
	"sort"
	"time"
)

// Category classifies the terminal state a unit reached during a run.
type Category string

const (
	CategorySuccess Category = "success"
	CategoryFailed  Category = "failed"
	CategorySkipped Category = "skipped"
)

// Outcome is the terminal result attached to one unit for the duration of a
// run. Failed and skipped outcomes carry a reason; success never does.
type Outcome struct {
	Category Category
	Reason   string
}

// Success returns the success outcome.
func Success() Outcome {
	return Outcome{Category: CategorySuccess}
}

// Failed returns a failed outcome with the given reason.
func Failed(reason string) Outcome {
	return Outcome{Category: CategoryFailed, Reason: reason}
}

// Skipped returns a skipped outcome with the given reason.
func Skipped(reason string) Outcome {
	return Outcome{Category: CategorySkipped, Reason: reason}
}

// Entry pairs a unit's logical name with its outcome, in discovery order.
type Entry struct {
	Unit    string
	Outcome Outcome
}

// Report accumulates per-unit outcomes for one pipeline invocation.
// Units are recorded in processing order; aggregation groups failed and
// skipped outcomes by their literal reason string.
type Report struct {
	Pipeline string
	RunID    string
	Scope    string
	Started  time.Time
	Finished time.Time

	entries []Entry
}

// New creates an empty report for the named pipeline run.
func New(pipeline, runID string) *Report {
	return &Report{
		Pipeline: pipeline,
		RunID:    runID,
		Started:  time.Now().UTC(),
	}
}

// Record appends one unit's outcome.
func (r *Report) Record(unit string, outcome Outcome) {
	r.entries = append(r.entries, Entry{Unit: unit, Outcome: outcome})
}

// Finish stamps the report's end time. Safe to call more than once; the
// first call wins.
func (r *Report) Finish() {
	if r.Finished.IsZero() {
		r.Finished = time.Now().UTC()
	}
}

// Duration returns the elapsed run time, using the current time when the
// report has not been finished yet.
func (r *Report) Duration() time.Duration {
	end := r.Finished
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if r.Started.IsZero() {
		return 0
	}
	return end.Sub(r.Started)
}

// Entries returns the recorded outcomes in processing order.
func (r *Report) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// HasFailures reports whether any unit reached the failed category. The
// process exit code derives from this.
func (r *Report) HasFailures() bool {
	for _, entry := range r.entries {
		if entry.Outcome.Category == CategoryFailed {
			return true
		}
	}
	return false
}

// ReasonGroup lists the units that share one reason string.
type ReasonGroup struct {
	Reason string
	Units  []string
}

// Summary holds the aggregated view of a run: counts per category plus
// reason-grouped unit lists for failed and skipped outcomes. The counts
// always satisfy Success+Failed+Skipped == Total.
type Summary struct {
	Total   int
	Success int
	Failed  int
	Skipped int

	FailedByReason  []ReasonGroup
	SkippedByReason []ReasonGroup
}

// Summary aggregates the recorded outcomes. Reason groups are ordered by
// first appearance of the reason; units within a group keep processing order.
func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.entries)}
	failed := newReasonIndex()
	skipped := newReasonIndex()
	for _, entry := range r.entries {
		switch entry.Outcome.Category {
		case CategorySuccess:
			s.Success++
		case CategoryFailed:
			s.Failed++
			failed.add(entry.Outcome.Reason, entry.Unit)
		case CategorySkipped:
			s.Skipped++
			skipped.add(entry.Outcome.Reason, entry.Unit)
		}
	}
	s.FailedByReason = failed.groups()
	s.SkippedByReason = skipped.groups()
	return s
}

type reasonIndex struct {
	order []string
	units map[string][]string
}

func newReasonIndex() *reasonIndex {
	return &reasonIndex{units: make(map[string][]string)}
}

func (ri *reasonIndex) add(reason, unit string) {
	if reason == "" {
		reason = "unspecified"
	}
	if _, ok := ri.units[reason]; !ok {
		ri.order = append(ri.order, reason)
	}
	ri.units[reason] = append(ri.units[reason], unit)
}

func (ri *reasonIndex) groups() []ReasonGroup {
	if len(ri.order) == 0 {
		return nil
	}
	groups := make([]ReasonGroup, 0, len(ri.order))
	for _, reason := range ri.order {
		groups = append(groups, ReasonGroup{Reason: reason, Units: ri.units[reason]})
	}
	return groups
}

// UnitsFor returns the names of units that reached the given category, in
// processing order.
func (r *Report) UnitsFor(category Category) []string {
	var names []string
	for _, entry := range r.entries {
		if entry.Outcome.Category == category {
			names = append(names, entry.Unit)
		}
	}
	return names
}

// Reasons returns the distinct failure reasons sorted alphabetically,
// useful for compact log fields.
func (r *Report) Reasons(category Category) []string {
	seen := make(map[string]struct{})
	for _, entry := range r.entries {
		if entry.Outcome.Category != category {
			continue
		}
		reason := entry.Outcome.Reason
		if reason == "" {
			reason = "unspecified"
		}
		seen[reason] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	reasons := make([]string, 0, len(seen))
	for reason := range seen {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	return reasons
}
