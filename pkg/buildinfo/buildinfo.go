// Package buildinfo resolves the version of the reshard binary, from
// -ldflags when the release pipeline injects them and from the VCS stamp
// of debug.ReadBuildInfo otherwise.
package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Info holds the resolved build metadata.
type Info struct {
	Version  string
	Commit   string
	Date     string
	Modified bool
	GoVer    string
}

var (
	ldflagsVersion string
	ldflagsCommit  string
	ldflagsDate    string

	once   sync.Once
	cached Info
)

// Set stores the -ldflags values. Call it from main() before Get().
//
//	go build -ldflags "-X main.version=v1.2.3 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
func Set(version, commit, date string) {
	ldflagsVersion = version
	ldflagsCommit = commit
	ldflagsDate = date
}

// Get returns the resolved build info, computed once.
func Get() Info {
	once.Do(func() {
		cached = resolve(debug.ReadBuildInfo)
	})
	return cached
}

func resolve(read func() (*debug.BuildInfo, bool)) Info {
	info := Info{Version: "dev", Commit: "unknown", Date: "unknown"}
	if bi, ok := read(); ok {
		info.GoVer = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = s.Value
			case "vcs.time":
				info.Date = s.Value
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	if ldflagsVersion != "" {
		info.Version = ldflagsVersion
	}
	if ldflagsCommit != "" {
		info.Commit = ldflagsCommit
	}
	if ldflagsDate != "" {
		info.Date = ldflagsDate
	}
	return info
}

// ShortCommit is the first 12 characters of the commit.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

func (i Info) String() string {
	dirty := ""
	if i.Modified {
		dirty = "-dirty"
	}
	return fmt.Sprintf("reshard %s (%s%s, %s, %s)", i.Version, i.ShortCommit(), dirty, i.Date, i.GoVer)
}

// LogValue lets the info be logged as a single attribute group.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", i.Version),
		slog.String("commit", i.ShortCommit()),
		slog.Bool("modified", i.Modified),
		slog.String("go", i.GoVer),
	)
}
