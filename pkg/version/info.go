// Package version reports which docmutex build is running. Release builds
// stamp it through ldflags:
//
//	go build -ldflags="-X github.com/nimburion/docmutex/pkg/version.AppVersion=v1.2.3 \
//	  -X github.com/nimburion/docmutex/pkg/version.GitCommit=$(git rev-parse HEAD)"
//
// Anything left unstamped is taken from the module and VCS data the Go
// toolchain embeds in the binary.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

const (
	// Unknown is reported for metadata found neither in ldflags nor in build info.
	Unknown = "unknown"
	// DevelopmentVersion is reported by local builds.
	DevelopmentVersion = "dev"
)

// Set through ldflags.
var (
	AppVersion = ""
	GitCommit  = ""
	// BuildTime is expected in RFC3339.
	BuildTime = ""
)

// Info describes the running build.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version,omitempty"`
	// Modified is set when the binary was built from a dirty work tree.
	Modified bool `json:"modified,omitempty"`
}

// Current returns the build metadata of this binary for serviceName.
func Current(serviceName string) Info {
	bi, _ := debug.ReadBuildInfo()
	return resolve(serviceName, bi)
}

func resolve(serviceName string, bi *debug.BuildInfo) Info {
	info := Info{
		Service:   orDefault(serviceName, Unknown),
		Version:   strings.TrimSpace(AppVersion),
		Commit:    strings.TrimSpace(GitCommit),
		BuildTime: strings.TrimSpace(BuildTime),
	}
	if bi != nil {
		info.GoVersion = bi.GoVersion
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
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	info.Version = orDefault(info.Version, DevelopmentVersion)
	info.Commit = orDefault(info.Commit, Unknown)
	info.BuildTime = orDefault(info.BuildTime, Unknown)
	return info
}

// ParseBuildTime parses BuildTime as RFC3339.
func (i Info) ParseBuildTime() (time.Time, bool) {
	if i.BuildTime == Unknown {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, i.BuildTime)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// String renders service@version with the short commit, for logs and --short.
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s@%s (commit=%s, build_time=%s)", i.Service, i.Version, commit, i.BuildTime)
}

func orDefault(v, fallback string) string {
	if norm := strings.TrimSpace(v); norm != "" {
		return norm
	}
	return fallback
}
