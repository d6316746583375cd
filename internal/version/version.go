// Package version reports which build of marketpulse is running.
//
// Version and Commit may be stamped with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/marketpulse/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/marketpulse/internal/version.Commit=$(git rev-parse --short HEAD)"
//
// Without ldflags, Commit falls back to the VCS revision the Go toolchain
// embeds in the binary.
package version

import (
	"runtime/debug"
	"sync"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

const shortCommit = 7

var resolveOnce = sync.OnceValue(func() string {
	if Commit != "unknown" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}
	return revision(info.Settings)
})

// ResolvedCommit returns Commit, or the embedded vcs.revision when Commit
// was not stamped.
func ResolvedCommit() string {
	return resolveOnce()
}

func revision(settings []debug.BuildSetting) string {
	rev, dirty := "", false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "unknown"
	}
	if len(rev) > shortCommit {
		rev = rev[:shortCommit]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}

// String returns "version (commit)".
func String() string {
	return Version + " (" + ResolvedCommit() + ")"
}

// LogAttrs returns the build identity as slog key/value pairs.
func LogAttrs() []any {
	return []any{"version", Version, "commit", ResolvedCommit()}
}
