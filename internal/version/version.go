// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata for logs and the admin page.
func String() string {
	return fmt.Sprintf("aimlink %s (%s, built %s)", Version, GitSHA, BuildTime)
}
