// Package version derives the runtime's build identity from build metadata.
//
// Priority: -ldflags override > VCS info from debug.BuildInfo > "dev" fallback.
package version

import (
	"runtime/debug"
	"time"
)

// AppName is the application name used in version strings and log output.
const AppName = "maestro"

// gitCommitOverride is set via -ldflags at build time for container builds
// where .git is unavailable. Empty string means no override.
var gitCommitOverride string

// Build identity, resolved once at init.
var (
	// GitCommit is the short commit hash, or "dev" when build info is
	// unavailable (`go test`, non-git builds).
	GitCommit string
	// BuildTime is the commit timestamp; zero when unavailable.
	BuildTime time.Time
	// Modified reports whether the working tree was dirty at build time.
	Modified bool
)

func init() {
	GitCommit, BuildTime, Modified = resolve()
}

func resolve() (string, time.Time, bool) {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride), time.Time{}, false
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev", time.Time{}, false
	}
	commit, at, dirty := "dev", time.Time{}, false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" {
				commit = shorten(s.Value)
			}
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				at = t
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	return commit, at, dirty
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "maestro/<commit>", with a "-dirty" suffix for builds from a
// modified tree. Used in logging and the status endpoint.
func Full() string {
	v := AppName + "/" + GitCommit
	if Modified {
		v += "-dirty"
	}
	return v
}

// Info is the build identity payload exposed by the status endpoint.
func Info() map[string]any {
	out := map[string]any{
		"app":    AppName,
		"commit": GitCommit,
	}
	if !BuildTime.IsZero() {
		out["buildTime"] = BuildTime.Format(time.RFC3339)
	}
	if Modified {
		out["modified"] = true
	}
	return out
}
