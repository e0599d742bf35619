package config

// Set via -ldflags, e.g.
//
//	go build -ldflags "-X pushpipe/internal/config.version=1.2.3 \
//	    -X pushpipe/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}
