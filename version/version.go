// Package version reports how the httpool binary was built.
//
// Release builds stamp the variables below with ldflags:
//
//	go build -ldflags "-X github.com/songyanbo/http-client/version.Version=1.0.0 \
//	  -X github.com/songyanbo/http-client/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/httpool
//
// Binaries installed with go install carry the module version instead, which
// Version falls back to when it was not stamped.
package version

import "runtime/debug"

var (
	// Version is the release version, "dev" when unstamped.
	Version = "dev"
	// GitCommit is the short commit hash.
	GitCommit = ""
	// BuildTime is the RFC 3339 build timestamp.
	BuildTime = ""
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// resolved returns Version, or the main module version recorded by the Go
// toolchain when Version was left at "dev".
func resolved() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := readBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// Full renders version, commit and build time as "1.2.0-abc1234 (time)",
// omitting the parts that are unknown.
func Full() string {
	v := resolved()
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// UserAgent returns the User-Agent value httpool sends by default.
func UserAgent() string {
	return "httpool/" + resolved()
}
