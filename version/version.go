// Package version reports build and protocol versions of devrelay.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Protocol is the relay wire protocol version. The hub reports it so
// inspectors can refuse hubs speaking a different protocol.
const Protocol = 1

// Set by the linker: -ldflags "-X github.com/grovetools/devrelay/version.Version=v0.3.0".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Protocol  int    `json:"protocol"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// GetInfo returns the version information. A binary built with
// `go install` carries no linker flags, so its module version and VCS
// stamp are used instead.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Protocol:  Protocol,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if Version != "dev" {
		return info
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			info.Version = v
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "none" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildDate == "unknown" {
					info.BuildDate = s.Value
				}
			}
		}
	}
	return info
}

// String formats the information for `devrelay version`.
func (i Info) String() string {
	return fmt.Sprintf("Protocol:\t%d\nCommit:\t\t%s\nBuild Date:\t%s\nGo Version:\t%s\nPlatform:\t%s",
		i.Protocol, i.Commit, i.BuildDate, i.GoVersion, i.Platform)
}
