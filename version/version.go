// Package version provides version information for wokwi-server.
// Version variables can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/MabezDev/wokwi-server/version.version=1.0.0"
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	// devVersion is the default version when not set via ldflags
	devVersion = "dev"
	// shortCommitLen is the length of the short commit hash
	shortCommitLen = 7
	// vcsRevisionKey is the build info key for git commit
	vcsRevisionKey = "vcs.revision"
)

// Build-time variables - can be overridden with -ldflags
var (
	version   = devVersion
	gitCommit = ""
	buildDate = ""
)

// GetVersion returns the current version string.
// Falls back to build info from go modules if version is "dev".
func GetVersion() string {
	if version != devVersion {
		return version
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}

	return devVersion
}

// GetCommit returns the git commit the binary was built from, preferring the
// ldflags value and falling back to VCS build info.
func GetCommit() string {
	if gitCommit != "" {
		return gitCommit
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == vcsRevisionKey && setting.Value != "" {
			return setting.Value[:min(shortCommitLen, len(setting.Value))]
		}
	}
	return ""
}

// GetVersionInfo returns detailed, human-readable version information.
func GetVersionInfo() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("wokwi-server version %s", GetVersion()))

	if commit := GetCommit(); commit != "" {
		b.WriteString(fmt.Sprintf("\ncommit: %s", commit))
	}

	if buildDate != "" {
		b.WriteString(fmt.Sprintf("\nbuilt: %s", buildDate))
	}

	return b.String()
}
