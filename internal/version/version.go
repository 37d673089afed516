// Package version carries the build identity reported by the health and
// metrics surfaces.
package version

import "fmt"

// Set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// String returns the human-readable build identity.
func String() string {
	return fmt.Sprintf("warden %s (%s)", Version, Commit)
}
