// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package memory contains byte size types and parsing.
package memory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Size implements flag.Value for collecting byte sizes such as "32MiB".
type Size int64

// base-2 sizes
const (
	B   Size = 1 << (10 * iota)
	KiB
	MiB
	GiB
	TiB
)

// base-10 sizes
const (
	KB Size = 1e3
	MB Size = 1e6
	GB Size = 1e9
	TB Size = 1e12
)

// Int returns size as an int.
func (size Size) Int() int { return int(size) }

// Int64 returns size as an int64.
func (size Size) Int64() int64 { return int64(size) }

// Float64 returns size as a float64.
func (size Size) Float64() float64 { return float64(size) }

// KiB returns size in kibibytes.
func (size Size) KiB() float64 { return size.Float64() / KiB.Float64() }

// MiB returns size in mebibytes.
func (size Size) MiB() float64 { return size.Float64() / MiB.Float64() }

// GiB returns size in gibibytes.
func (size Size) GiB() float64 { return size.Float64() / GiB.Float64() }

// String converts size to a string using base-2 prefixes, unless the number
// is exactly a multiple of a base-10 prefix.
func (size Size) String() string {
	if size == 0 {
		return "0"
	}

	switch {
	case size >= TiB:
		return trim(size.Float64()/TiB.Float64()) + "TiB"
	case size >= GiB:
		return trim(size.Float64()/GiB.Float64()) + "GiB"
	case size >= MiB:
		return trim(size.Float64()/MiB.Float64()) + "MiB"
	case size >= KiB:
		return trim(size.Float64()/KiB.Float64()) + "KiB"
	}
	return strconv.FormatInt(size.Int64(), 10) + "B"
}

func trim(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s
}

// Set updates value from string.
func (size *Size) Set(s string) error {
	if s == "" {
		return errs.New("empty size")
	}

	value, suffix := s, ""
	for i := len(s); i > 0; i-- {
		if '0' <= s[i-1] && s[i-1] <= '9' || s[i-1] == '.' {
			value, suffix = s[:i], s[i:]
			break
		}
	}
	suffix = strings.ToUpper(strings.TrimSpace(suffix))

	multiplier := B
	switch suffix {
	case "", "B":
	case "KB":
		multiplier = KB
	case "MB":
		multiplier = MB
	case "GB":
		multiplier = GB
	case "TB":
		multiplier = TB
	case "KIB":
		multiplier = KiB
	case "MIB":
		multiplier = MiB
	case "GIB":
		multiplier = GiB
	case "TIB":
		multiplier = TiB
	default:
		return errs.New("size %q has unknown suffix %q", s, suffix)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return errs.New("size %q is not a number: %v", s, err)
	}
	if v < 0 {
		return errs.New("size %q cannot be negative", s)
	}

	*size = Size(v * multiplier.Float64())
	return nil
}

// Type implements pflag.Value.
func (Size) Type() string { return "memory.Size" }

// MarshalText returns size as a string.
func (size Size) MarshalText() ([]byte, error) {
	return []byte(size.String()), nil
}

// UnmarshalText parses text as a size.
func (size *Size) UnmarshalText(text []byte) error {
	return size.Set(string(text))
}

// FormatBytes converts a byte count to a human readable string.
func FormatBytes(bytes int64) string {
	return fmt.Sprint(Size(bytes))
}
