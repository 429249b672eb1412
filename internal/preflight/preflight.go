package preflight

import (
	"context"

	"intake/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Clinical incoming", cfg.Paths.ClinicalIncomingDir))
	results = append(results, CheckDirectoryAccess("DICOM incoming", cfg.Paths.DICOMIncomingDir))
	results = append(results, CheckDirectoryAccess("BIDS root", cfg.Paths.BIDSRootDir))
	results = append(results, CheckDirectoryAccess("Archive", cfg.Paths.ArchiveDir))
	results = append(results, CheckDirectoryAccess("Reid output", cfg.Paths.ReidOutputDir))
	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))

	results = append(results, CheckTracker(cfg.TrackerDSN()))
	results = append(results, CheckDMS(ctx, cfg))

	if cfg.Notifications.Enabled {
		results = append(results, CheckNotifications(cfg))
	}

	return results
}

// AllPassed reports whether every check in the set passed.
func AllPassed(results []Result) bool {
	for _, result := range results {
		if !result.Passed {
			return false
		}
	}
	return true
}
