// Package version reports the build of the running binary.
package version

import (
	"runtime/debug"
	"strings"
)

// modulePath is the path of this module in build info.
const modulePath = "github.com/nlstn/go-channelsync"

// Version is set at link time:
//
//	go build -ldflags "-X github.com/nlstn/go-channelsync/internal/version.Version=v1.2.3"
//
// When unset, the module version recorded in the build info is used.
var Version = ""

// Info describes the build.
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"goVersion,omitempty"`
}

// Get returns the build description.
func Get() Info {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{Version: resolve(Version, "")}
	}
	return fromBuildInfo(bi, Version)
}

func fromBuildInfo(bi *debug.BuildInfo, linked string) Info {
	info := Info{GoVersion: bi.GoVersion}
	moduleVersion := ""
	if bi.Main.Path == modulePath {
		moduleVersion = bi.Main.Version
	} else {
		for _, dep := range bi.Deps {
			if dep.Path == modulePath {
				moduleVersion = dep.Version
				break
			}
		}
	}
	info.Version = resolve(linked, moduleVersion)
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func resolve(linked, module string) string {
	if v := strings.TrimSpace(linked); v != "" {
		return v
	}
	if module != "" && module != "(devel)" {
		return module
	}
	return "dev"
}

// String returns the version, with a short revision when known.
func (i Info) String() string {
	s := i.Version
	if i.Revision != "" {
		rev := i.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		s += " (" + rev
		if i.Modified {
			s += ", modified"
		}
		s += ")"
	}
	return s
}
