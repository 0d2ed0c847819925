// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version houses the dcrchain version along with the source control
// details the Go toolchain records in the binary.
package version

import (
	"fmt"
	"regexp"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
)

// AppName is the name reported along with the version.
const AppName = "dcrchain"

// semanticAlphabet defines the allowed characters for the pre-release and
// build metadata portions of a semantic version string.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

// semverRE is a regular expression used to parse a semantic version string into
// its constituent parts.
var semverRE = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*` +
	`[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// Version is the application version per the semantic versioning 2.0.0 spec
// (https://semver.org/).
//
// Release builds override it with:
// '-ldflags "-X github.com/decred/dcrchain/internal/version.Version=fullsemver"'
// and set the build metadata so the commit is not appended.  Development
// builds keep the 'pre' pre-release.
var Version = "0.1.0-pre"

// current is Version parsed at init.
var current SemVer

func init() {
	var err error
	current, err = Parse(Version)
	if err != nil {
		panic(err)
	}
}

// SemVer is a parsed semantic version.
type SemVer struct {
	Major         uint
	Minor         uint
	Patch         uint
	PreRelease    string
	BuildMetadata string
}

// String returns the version formatted per the semantic versioning spec.
func (v SemVer) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		s += "-" + v.PreRelease
	}
	if v.BuildMetadata != "" {
		s += "+" + v.BuildMetadata
	}
	return s
}

// Parse parses the passed semantic version string.
func Parse(s string) (SemVer, error) {
	m := semverRE.FindStringSubmatch(s)
	if m == nil {
		return SemVer{}, fmt.Errorf("malformed version string %q: does not "+
			"conform to semver specification", s)
	}

	var parts [3]uint
	for i, name := range []string{"major", "minor", "patch"} {
		val, err := strconv.ParseUint(m[i+1], 10, 0)
		if err != nil {
			return SemVer{}, fmt.Errorf("malformed semver %s: %w", name, err)
		}
		parts[i] = uint(val)
	}
	return SemVer{
		Major:         parts[0],
		Minor:         parts[1],
		Patch:         parts[2],
		PreRelease:    m[4],
		BuildMetadata: m[5],
	}, nil
}

// Current returns the parsed application version without any build details.
func Current() SemVer {
	return current
}

// BuildInfo describes the source a binary was built from.
type BuildInfo struct {
	// Commit is the abbreviated revision or empty when the build did not
	// record one.
	Commit string

	// Modified is set when the working tree had local changes.
	Modified bool
}

// buildInfoFrom extracts the source control details of the passed build
// information.
func buildInfoFrom(bi *debug.BuildInfo) BuildInfo {
	var info BuildInfo
	if bi == nil {
		return info
	}
	var vcs string
	for _, bs := range bi.Settings {
		switch bs.Key {
		case "vcs":
			vcs = bs.Value
		case "vcs.revision":
			info.Commit = bs.Value
		case "vcs.modified":
			info.Modified = bs.Value == "true"
		}
	}
	if vcs == "" {
		return BuildInfo{}
	}
	if vcs == "git" && len(info.Commit) > 9 {
		info.Commit = info.Commit[:9]
	}
	return info
}

// ReadBuildInfo returns the source control details recorded in the running
// binary.
func ReadBuildInfo() BuildInfo {
	bi, _ := debug.ReadBuildInfo()
	return buildInfoFrom(bi)
}

// withBuild returns the passed version with the commit of the passed build as
// build metadata, marked dirty for modified trees.  Versions that already carry
// build metadata are returned unchanged.
func withBuild(v SemVer, bi BuildInfo) SemVer {
	commit := normalizeString(bi.Commit)
	if v.BuildMetadata != "" || commit == "" {
		return v
	}
	v.BuildMetadata = commit
	if bi.Modified {
		v.BuildMetadata += ".dirty"
	}
	return v
}

// String returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (https://semver.org/).  Development builds
// carry the commit they were built from as build metadata.
func String() string {
	return withBuild(current, ReadBuildInfo()).String()
}

// Summary returns the application name and version along with the Go version
// and platform of the running binary.
func Summary() string {
	return fmt.Sprintf("%s version %s (Go version %s %s/%s)", AppName,
		String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// normalizeString returns the passed string stripped of all characters which
// are not valid according to the semantic versioning guidelines for pre-release
// and build metadata strings.
func normalizeString(str string) string {
	var b strings.Builder
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
