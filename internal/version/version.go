// Package version reports the build of the strata binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/pthm/strata/pkg/migrator"
)

// These variables are set via ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func init() {
	// Without ldflags, fall back to module info, which is present for
	// "go install github.com/pthm/strata/cmd/strata@version".
	if Version != "dev" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			Commit = setting.Value[:min(7, len(setting.Value))]
		case "vcs.time":
			Date = setting.Value
		}
	}
}

// Info returns formatted version information, including the DDL generator
// version recorded with every migration.
func Info() string {
	return fmt.Sprintf("strata %s (commit: %s, built: %s, generator: %s) %s",
		Version, Commit, Date, migrator.GeneratorVersion, runtime.Version())
}

// Short returns just the version string
func Short() string {
	return Version
}
