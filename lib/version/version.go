// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of outpost binaries and
// decides whether a helper found on a remote can serve this front-end.
//
// Values are injected at build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/outpost/lib/version.Version=0.4.1"
package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"

	// Version is the semantic version. Helpers and front-ends built from
	// the same major.minor speak the same packet protocol.
	Version = "0.4.0-dev"
)

// Info returns the --version line.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds the Go toolchain and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns Version.
func Short() string {
	return Version
}

// Semver is a parsed "vMAJOR.MINOR.PATCH[-pre]" string.
type Semver struct {
	Major, Minor, Patch int
	Pre                 string
}

// Parse accepts an optional leading "v" and an optional pre-release or
// build suffix after '-' or '+'.
func Parse(s string) (Semver, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "v")
	var result Semver
	if index := strings.IndexAny(trimmed, "-+"); index >= 0 {
		result.Pre = trimmed[index+1:]
		trimmed = trimmed[:index]
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return Semver{}, fmt.Errorf("version %q: want MAJOR.MINOR.PATCH", s)
	}
	numbers := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Semver{}, fmt.Errorf("version %q: component %q is not a number", s, part)
		}
		numbers[i] = n
	}
	result.Major, result.Minor, result.Patch = numbers[0], numbers[1], numbers[2]
	return result, nil
}

func (v Semver) String() string {
	base := fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		return base + "-" + v.Pre
	}
	return base
}

// Compatible reports whether a helper at helperVersion can serve a
// front-end at frontVersion. Major and minor must match; patch and
// pre-release suffixes are ignored. An unparseable version is never
// compatible, which sends the remote down the install path.
func Compatible(frontVersion, helperVersion string) error {
	front, err := Parse(frontVersion)
	if err != nil {
		return fmt.Errorf("front-end %w", err)
	}
	helper, err := Parse(helperVersion)
	if err != nil {
		return fmt.Errorf("helper %w", err)
	}
	if front.Major != helper.Major || front.Minor != helper.Minor {
		return fmt.Errorf("helper %s is incompatible with front-end %s", helper, front)
	}
	return nil
}
