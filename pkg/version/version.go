// Package version holds build information for the stackscope binary.
// Values are injected at build time with ldflags.
package version

import "fmt"

// Build information variables.
// Example: go build -ldflags "-X stackscope/pkg/version.Version=v0.3.0".
//
//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	// Version is the semantic version ("dev" for local builds).
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("stackscope %s (commit %s, built %s)", Version, Commit, Date)
}
