package core

// Version information for fedquery
var (
	// Version is the current release, set with -ldflags at build time
	Version = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
