// Package version holds build-time version information, injected via
// -ldflags at build time.
package version

var (
	// Version is the semantic version or git tag.
	Version = "dev"
	// GitCommit is the short commit hash.
	GitCommit = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)
