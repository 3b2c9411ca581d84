// Package version provides build version information for appbuilder.
// These variables are set at build time via ldflags.
package version

import "fmt"

// Build information variables, injected with
// go build -ldflags "-X appbuilder/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	// Version is the semantic version ("dev" for development builds).
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String formats the build information for the version command.
func String() string {
	return fmt.Sprintf("appbuilder %s (commit %s, built %s)", Version, Commit, Date)
}
