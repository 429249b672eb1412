// Package version exposes build metadata stamped at link time.
package version

import "fmt"

// Filled via -ldflags at release build time; the zero values identify a
// from-source development build.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("intake %s (commit %s, built %s)", Version, Commit, Date)
}
