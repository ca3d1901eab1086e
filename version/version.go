// Package version holds build details set with -ldflags at link time.
package version

import (
	"fmt"
	"runtime"
)

// Build and version details
var (
	GitCommit = ""
	GitBranch = ""
	BuildDate = ""
	Version   = "unknown"
)

// Info describes the running build.
type Info struct {
	GitCommit string
	GitBranch string
	BuildDate string
	Version   string
	GoVersion string
}

// Get returns the details of the running build.
func Get() Info {
	return Info{
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildDate: BuildDate,
		Version:   Version,
		GoVersion: runtime.Version(),
	}
}

var tpl = `git commit: %s
git branch: %s
build date: %s
version: %s
go: %s`

// String formats a string with version details.
func String() string {
	i := Get()
	return fmt.Sprintf(tpl, i.GitCommit, i.GitBranch, i.BuildDate, i.Version, i.GoVersion)
}

// LogFields returns build details as logger key-value pairs.
func LogFields() []interface{} {
	i := Get()
	return []interface{}{
		"GitCommit", i.GitCommit,
		"GitBranch", i.GitBranch,
		"BuildDate", i.BuildDate,
		"Version", i.Version,
	}
}
