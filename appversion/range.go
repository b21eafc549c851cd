// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package appversion

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// comparator is a primitive range constraint: an operator and a bound.
type comparator struct {
	op  string // "=", ">", ">=", "<", "<="
	ver *semver.Version
}

func (c comparator) admits(v *semver.Version) bool {
	cmp := v.Compare(c.ver)
	switch c.op {
	case "=":
		return cmp == 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	}
	return false
}

func (c comparator) String() string {
	if c.op == "=" {
		return c.ver.String()
	}
	return c.op + c.ver.String()
}

// comparatorGroup is a conjunction of comparators. An empty group admits
// every release version ("*").
type comparatorGroup []comparator

func (group comparatorGroup) admits(v *semver.Version) bool {
	for _, c := range group {
		if !c.admits(v) {
			return false
		}
	}
	// A prerelease version only satisfies a group that mentions a
	// prerelease on the same major.minor.patch tuple.
	if v.Prerelease() != "" {
		for _, c := range group {
			if c.ver.Prerelease() != "" &&
				c.ver.Major() == v.Major() &&
				c.ver.Minor() == v.Minor() &&
				c.ver.Patch() == v.Patch() {
				return true
			}
		}
		return false
	}
	return true
}

func (group comparatorGroup) String() string {
	if len(group) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(group))
	for _, c := range group {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, " ")
}

// partial is a possibly-incomplete version mentioned in a range, like "1",
// "1.2" or "1.2.x".
type partial struct {
	major, minor, patch uint64
	hasMajor            bool
	hasMinor            bool
	hasPatch            bool
	pre                 string
}

func wildcardPart(s string) bool {
	return s == "x" || s == "X" || s == "*"
}

func parsePartial(s string) (partial, error) {
	s = strings.TrimPrefix(s, "v")
	if s == "" || wildcardPart(s) {
		return partial{}, nil
	}
	var p partial
	core := s
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		core = s[:i]
		if s[i] == '-' {
			pre := s[i+1:]
			if j := strings.IndexByte(pre, '+'); j >= 0 {
				pre = pre[:j]
			}
			if pre == "" {
				return partial{}, Error.New("invalid version %q", s)
			}
			p.pre = pre
		}
	}
	parts := strings.Split(core, ".")
	if len(parts) > 3 {
		return partial{}, Error.New("invalid version %q", s)
	}
	fields := []struct {
		val *uint64
		has *bool
	}{
		{&p.major, &p.hasMajor},
		{&p.minor, &p.hasMinor},
		{&p.patch, &p.hasPatch},
	}
	for i, part := range parts {
		if wildcardPart(part) {
			break
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return partial{}, Error.New("invalid version %q", s)
		}
		*fields[i].val = n
		*fields[i].has = true
	}
	if p.pre != "" && !p.hasPatch {
		return partial{}, Error.New("prerelease on partial version %q", s)
	}
	return p, nil
}

// version zero-fills the unset components.
func (p partial) version() *semver.Version {
	s := fmt.Sprintf("%d.%d.%d", p.major, p.minor, p.patch)
	if p.pre != "" {
		s += "-" + p.pre
	}
	return semver.MustParse(s)
}

func mkver(major, minor, patch uint64) *semver.Version {
	return semver.MustParse(fmt.Sprintf("%d.%d.%d", major, minor, patch))
}

// xRange desugars a bare or "="-prefixed partial: unset trailing components
// span their whole interval.
func xRange(p partial) comparatorGroup {
	switch {
	case !p.hasMajor:
		return nil
	case !p.hasMinor:
		return comparatorGroup{
			{">=", mkver(p.major, 0, 0)},
			{"<", mkver(p.major+1, 0, 0)},
		}
	case !p.hasPatch:
		return comparatorGroup{
			{">=", mkver(p.major, p.minor, 0)},
			{"<", mkver(p.major, p.minor+1, 0)},
		}
	default:
		return comparatorGroup{{"=", p.version()}}
	}
}

// tildeRange admits patch-level changes when a minor is given, minor-level
// changes otherwise.
func tildeRange(p partial) comparatorGroup {
	switch {
	case !p.hasMajor:
		return nil
	case !p.hasMinor:
		return comparatorGroup{
			{">=", mkver(p.major, 0, 0)},
			{"<", mkver(p.major+1, 0, 0)},
		}
	default:
		return comparatorGroup{
			{">=", p.version()},
			{"<", mkver(p.major, p.minor+1, 0)},
		}
	}
}

// caretRange admits changes that do not modify the leftmost non-zero
// component.
func caretRange(p partial) comparatorGroup {
	switch {
	case !p.hasMajor:
		return nil
	case !p.hasMinor:
		return comparatorGroup{
			{">=", mkver(p.major, 0, 0)},
			{"<", mkver(p.major+1, 0, 0)},
		}
	case !p.hasPatch:
		if p.major == 0 {
			return comparatorGroup{
				{">=", mkver(0, p.minor, 0)},
				{"<", mkver(0, p.minor+1, 0)},
			}
		}
		return comparatorGroup{
			{">=", mkver(p.major, p.minor, 0)},
			{"<", mkver(p.major+1, 0, 0)},
		}
	default:
		switch {
		case p.major > 0:
			return comparatorGroup{{">=", p.version()}, {"<", mkver(p.major+1, 0, 0)}}
		case p.minor > 0:
			return comparatorGroup{{">=", p.version()}, {"<", mkver(0, p.minor+1, 0)}}
		default:
			return comparatorGroup{{">=", p.version()}, {"<", mkver(0, 0, p.patch+1)}}
		}
	}
}

// opRange desugars an operator applied to a partial version: missing
// components round the bound outward.
func opRange(op string, p partial) (comparatorGroup, error) {
	if !p.hasMajor {
		return nil, Error.New("wildcard with operator %q", op)
	}
	full := p.hasPatch
	switch op {
	case ">=":
		return comparatorGroup{{">=", p.version()}}, nil
	case ">":
		if full {
			return comparatorGroup{{">", p.version()}}, nil
		}
		if !p.hasMinor {
			return comparatorGroup{{">=", mkver(p.major+1, 0, 0)}}, nil
		}
		return comparatorGroup{{">=", mkver(p.major, p.minor+1, 0)}}, nil
	case "<":
		return comparatorGroup{{"<", p.version()}}, nil
	case "<=":
		if full {
			return comparatorGroup{{"<=", p.version()}}, nil
		}
		if !p.hasMinor {
			return comparatorGroup{{"<", mkver(p.major+1, 0, 0)}}, nil
		}
		return comparatorGroup{{"<", mkver(p.major, p.minor+1, 0)}}, nil
	case "=":
		return xRange(p), nil
	}
	return nil, Error.New("unknown operator %q", op)
}

func hyphenRange(lo, hi partial) comparatorGroup {
	group := comparatorGroup{}
	if lo.hasMajor {
		group = append(group, comparator{">=", lo.version()})
	}
	switch {
	case !hi.hasMajor:
	case !hi.hasMinor:
		group = append(group, comparator{"<", mkver(hi.major+1, 0, 0)})
	case !hi.hasPatch:
		group = append(group, comparator{"<", mkver(hi.major, hi.minor+1, 0)})
	default:
		group = append(group, comparator{"<=", hi.version()})
	}
	return group
}

func parseComparator(token string) (comparatorGroup, error) {
	op := ""
	rest := token
	for _, candidate := range []string{">=", "<=", ">", "<", "~>", "~", "^", "="} {
		if strings.HasPrefix(token, candidate) {
			op = candidate
			rest = token[len(candidate):]
			break
		}
	}
	p, err := parsePartial(rest)
	if err != nil {
		return nil, err
	}
	switch op {
	case "":
		return xRange(p), nil
	case "~", "~>":
		return tildeRange(p), nil
	case "^":
		return caretRange(p), nil
	default:
		return opRange(op, p)
	}
}

func parseGroup(s string) (comparatorGroup, error) {
	if s == "" {
		return nil, nil
	}
	tokens := strings.Fields(s)
	group := comparatorGroup{}
	for i := 0; i < len(tokens); i++ {
		if i+2 < len(tokens) && tokens[i+1] == "-" {
			lo, err := parsePartial(tokens[i])
			if err != nil {
				return nil, err
			}
			hi, err := parsePartial(tokens[i+2])
			if err != nil {
				return nil, err
			}
			group = append(group, hyphenRange(lo, hi)...)
			i += 2
			continue
		}
		comps, err := parseComparator(tokens[i])
		if err != nil {
			return nil, err
		}
		group = append(group, comps...)
	}
	return group, nil
}

// parseRange desugars a version range into groups of primitive comparators:
// a version matches when every comparator of at least one group admits it.
func parseRange(rang string) ([]comparatorGroup, error) {
	groups := []comparatorGroup{}
	for _, alternative := range strings.Split(rang, "||") {
		group, err := parseGroup(strings.TrimSpace(alternative))
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func formatGroups(groups []comparatorGroup) string {
	parts := make([]string, 0, len(groups))
	for _, group := range groups {
		parts = append(parts, group.String())
	}
	return strings.Join(parts, "||")
}
