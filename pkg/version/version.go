// Package version carries build information for the gameforge binary.
// Values are injected at link time, e.g.
// go build -ldflags "-X gameforge/pkg/version.Version=v0.3.0".
package version

import "fmt"

//nolint:gochecknoglobals // must be package-level vars for ldflags injection
var (
	// Version is the semantic version, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String renders the one-line form printed by `gameforge version`.
func String() string {
	return fmt.Sprintf("gameforge %s (commit %s, built %s)", Version, Commit, Date)
}
