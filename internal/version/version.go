// Package version reports build information of the procwatch binary.
// Variables are injected at build time via ldflags:
//
//	-X github.com/HerbHall/procwatch/internal/version.Version=1.2.0
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Build is the structured form used by `procwatch version` and the health
// endpoint.
type Build struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	OS        string `json:"os" yaml:"os"`
	Arch      string `json:"arch" yaml:"arch"`
}

// Current returns the build information of the running binary.
func Current() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Info returns a one-line description for --version output.
func Info() string {
	return fmt.Sprintf("procwatch %s (commit: %s, built: %s, go: %s, %s/%s)",
		Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version string (e.g., "0.1.0" or "dev").
func Short() string {
	return Version
}
