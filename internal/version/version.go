// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X relaygate/internal/version.Version=v1.2.3 -X relaygate/internal/version.Commit=abc123"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("relaygate %s (commit %s, built %s)", Version, Commit, Date)
}
