// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package appversion implements the binary-version semantics of releases
// and update requests: zero-filling of partial versions, range validation
// and canonicalisation, range satisfaction, and ordering against ranges.
package appversion

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/zeebo/errs"
)

// Error is the default appversion error class.
var Error = errs.Class("appversion")

var (
	plainIntegerRegex = regexp.MustCompile(`^\d+$`)
	missingPatchRegex = regexp.MustCompile(`^\d+\.\d+([-+].*)?$`)
)

// Normalize zero-fills missing minor and patch components, so "2" becomes
// "2.0.0" and "2.1-beta" becomes "2.1.0-beta". Anything else passes through
// unchanged. Callers keep the original string for echoing back to clients.
func Normalize(version string) string {
	if plainIntegerRegex.MatchString(version) {
		return version + ".0.0"
	}
	if missingPatchRegex.MatchString(version) {
		if i := strings.IndexAny(version, "-+"); i >= 0 {
			return version[:i] + ".0" + version[i:]
		}
		return version + ".0"
	}
	return version
}

// IsExactVersion reports whether s denotes a single concrete version rather
// than a range. An optional "v" prefix is tolerated, matching what client
// build pipelines emit.
func IsExactVersion(s string) bool {
	_, err := semver.StrictNewVersion(strings.TrimPrefix(s, "v"))
	return err == nil
}

// Parse parses a concrete version.
func Parse(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	return v, Error.Wrap(err)
}

// ValidRange reports whether s parses as a version range.
func ValidRange(s string) bool {
	_, err := parseRange(s)
	return err == nil
}

// CanonicalRange reduces a range to its primitive comparators, so that
// ranges differing only in spelling ("1.2", "1.2.x", "~1.2") compare equal.
func CanonicalRange(s string) (string, error) {
	groups, err := parseRange(s)
	if err != nil {
		return "", err
	}
	return formatGroups(groups), nil
}

// Satisfies reports whether version is admitted by the range. Unparseable
// input admits nothing.
func Satisfies(version, rang string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	groups, err := parseRange(rang)
	if err != nil {
		return false
	}
	return satisfiesGroups(v, groups)
}

func satisfiesGroups(v *semver.Version, groups []comparatorGroup) bool {
	for _, group := range groups {
		if group.admits(v) {
			return true
		}
	}
	return false
}

// GreaterThanRange reports whether version sits strictly above every version
// the range admits.
func GreaterThanRange(version, rang string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	groups, err := parseRange(rang)
	if err != nil {
		return false
	}
	if satisfiesGroups(v, groups) {
		return false
	}
	for _, group := range groups {
		if len(group) == 0 {
			// "*" is unbounded above
			return false
		}
		high, low := group[0], group[0]
		for _, c := range group[1:] {
			if c.ver.GreaterThan(high.ver) {
				high = c
			}
			if c.ver.LessThan(low.ver) {
				low = c
			}
		}
		if high.op == ">" || high.op == ">=" {
			return false
		}
		switch low.op {
		case "=", ">":
			if !v.GreaterThan(low.ver) {
				return false
			}
		case ">=":
			if v.LessThan(low.ver) {
				return false
			}
		}
	}
	return true
}
