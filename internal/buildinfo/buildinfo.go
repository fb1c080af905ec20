// Package buildinfo holds version information injected at build time via ldflags.
package buildinfo

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/crewtrack/crewtrack/internal/buildinfo.Version=1.0.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String renders the full build description for startup logs:
// "1.0.0 (commit 3f9c2a1, built 2026-08-25T10:00:00Z)".
func String() string {
	return Version + " (commit " + GitCommit + ", built " + BuildTime + ")"
}
