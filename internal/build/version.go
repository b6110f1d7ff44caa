package build

import (
	"fmt"
	"runtime"
	"strings"
)

// Semantic version components for the current release.
const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0

	// appPreRelease must only contain characters from the semantic
	// version alphabet per rule 9. It is empty for final releases.
	appPreRelease = "beta"
)

var (
	// Commit is the full git commit hash, set by the linker at build
	// time.
	Commit string

	// CommitHash is the abbreviated commit hash, set by the linker.
	CommitHash string

	// RawTags is the comma separated list of build tags, set by the
	// linker.
	RawTags string

	// GoVersion is the go version the binary was built with, set by the
	// linker.
	GoVersion string
)

// Version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 spec.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}

	return version
}

// Tags returns the build tags compiled into the binary.
func Tags() []string {
	if RawTags == "" {
		return nil
	}

	return strings.Split(RawTags, ",")
}

// init backfills GoVersion from the runtime when the linker left it empty.
func init() {
	if GoVersion == "" {
		GoVersion = runtime.Version()
	}
}
