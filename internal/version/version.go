// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package version holds build information about the binary.
package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	// Timestamp is the UTC timestamp of the compilation time, set via ldflags.
	Timestamp string
	// CommitHash is the git hash of the code being compiled, set via ldflags.
	CommitHash string
	// Version is the semantic version set at compilation, "v0.0.0-dev"
	// when built outside of a release.
	Version string
	// Build contains all relevant build information for the binary.
	Build Info
)

// Info is the versioning information for a binary.
type Info struct {
	Timestamp  string          `json:"timestamp,omitempty"`
	CommitHash string          `json:"commitHash,omitempty"`
	Version    *semver.Version `json:"version,omitempty"`
	Release    bool            `json:"release"`
}

func init() {
	Build = Info{
		Timestamp:  Timestamp,
		CommitHash: CommitHash,
	}

	if v, err := semver.NewVersion(strings.TrimPrefix(Version, "v")); err == nil {
		Build.Version = v
		Build.Release = Timestamp != "" && CommitHash != "" &&
			v.Prerelease() == ""
	}
}

// String returns a human readable build description.
func (info Info) String() string {
	version := "v0.0.0-dev"
	if info.Version != nil {
		version = "v" + info.Version.String()
	}
	if !info.Release {
		version += " (dev)"
	}
	if info.CommitHash == "" {
		return version
	}
	return fmt.Sprintf("%s commit=%s built=%s", version, info.CommitHash, info.Timestamp)
}
