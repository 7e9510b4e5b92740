// Package version reports build information for the qdqpack binary and API.
package version

import (
	"runtime"
	"runtime/debug"

	"github.com/samcharles93/qdqpack/pkg/layout"
)

// Set with -ldflags "-X github.com/samcharles93/qdqpack/internal/version.Version=...".
var (
	Version   = ""
	Commit    = ""
	BuildTime = ""
)

// Info is served by GET /v1/version and printed by `qdqpack version`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	// LayoutVersions lists the blob layout generations this build can emit.
	LayoutVersions []int `json:"layout_versions"`
}

func Resolve() Info {
	info := Info{
		Version:        Version,
		Commit:         Commit,
		BuildTime:      BuildTime,
		GoVersion:      runtime.Version(),
		LayoutVersions: []int{int(layout.LayoutV1), int(layout.LayoutV2)},
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			}
		}
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

// String renders "version (commit)".
func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	return info.Version + " (" + shortCommit(info.Commit) + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
