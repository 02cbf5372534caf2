// Package version derives the build identity reported in logs and the
// -version flag. An -ldflags override wins over VCS build info; plain
// `go test` builds fall back to "dev".
package version

import "runtime/debug"

// AppName appears in version strings and log lines.
const AppName = "refinery"

// commitOverride is set with -ldflags for container builds that have no
// .git directory available.
var commitOverride string

// GitCommit holds the short (8 char) commit hash, or "dev".
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "refinery/<commit>" for log lines and user agents.
func Full() string {
	return AppName + "/" + GitCommit
}
