// Package version holds build identity injected at link time via -ldflags.
package version

// Overridden by the release build, e.g.
// -ldflags "-X .../internal/version.Version=v1.4.0".
var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String returns the version formatted for payload metadata and log banners,
// e.g. "dev (unknown)".
func String() string {
	return Version + " (" + GitSHA + ")"
}
