// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package appversion_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"updraft.dev/updraft/appversion"
)

func TestNormalize(t *testing.T) {
	for _, tt := range []struct {
		in  string
		out string
	}{
		{"2", "2.0.0"},
		{"10", "10.0.0"},
		{"2.1", "2.1.0"},
		{"2.1-beta", "2.1.0-beta"},
		{"2.1+build.7", "2.1.0+build.7"},
		{"2.1-beta+build.7", "2.1.0-beta+build.7"},
		{"1.2.3", "1.2.3"},
		{"1.2.3-rc.1", "1.2.3-rc.1"},
		{"1.2.x", "1.2.x"},
		{"not a version", "not a version"},
		{"", ""},
	} {
		require.Equal(t, tt.out, appversion.Normalize(tt.in), "input %q", tt.in)
	}
}

func TestIsExactVersion(t *testing.T) {
	for _, exact := range []string{"1.2.3", "v1.2.3", "0.0.1", "1.2.3-beta.1", "1.2.3+build"} {
		require.True(t, appversion.IsExactVersion(exact), exact)
	}
	for _, rang := range []string{"1", "1.2", "1.2.x", "^1.2.3", "~1.2.3", ">=1.0.0", "*", ""} {
		require.False(t, appversion.IsExactVersion(rang), rang)
	}
}

func TestSatisfies(t *testing.T) {
	for _, tt := range []struct {
		version string
		rang    string
		want    bool
	}{
		{"1.2.3", "1.2.3", true},
		{"1.2.4", "1.2.3", false},
		{"1.2.3", "1.2.x", true},
		{"1.3.0", "1.2.x", false},
		{"1.2.3", "1.2", true},
		{"1.2.3", "1", true},
		{"2.0.0", "1", false},
		{"1.2.3", "^1.0.0", true},
		{"2.0.0", "^1.0.0", false},
		{"0.2.5", "^0.2.3", true},
		{"0.3.0", "^0.2.3", false},
		{"1.2.9", "~1.2.3", true},
		{"1.3.0", "~1.2.3", false},
		{"1.5.0", ">=1.0.0 <2.0.0", true},
		{"2.0.0", ">=1.0.0 <2.0.0", false},
		{"1.2.3", "1.0.0 - 1.2.3", true},
		{"1.2.4", "1.0.0 - 1.2.3", false},
		{"1.5.0", "1.0.0 - 2", true},
		{"3.0.0", "1.0.0 - 2", false},
		{"1.9.0", "1.2.x || ^1.9.0", true},
		{"1.8.0", "1.2.x || ^1.9.0", false},
		{"5.2.1", "*", true},
		{"5.2.1", "", true},

		// prerelease versions need an explicit prerelease bound on the
		// same tuple
		{"1.0.0-beta", "*", false},
		{"1.0.0-beta", ">=0.5.0", false},
		{"1.0.0-beta", ">=1.0.0-alpha", true},
		{"1.0.0-beta", "1.0.0-beta", true},

		// unparseable input admits nothing
		{"garbage", "*", false},
		{"1.2.3", "not a range", false},
	} {
		require.Equal(t, tt.want, appversion.Satisfies(tt.version, tt.rang),
			"Satisfies(%q, %q)", tt.version, tt.rang)
	}
}

func TestValidRange(t *testing.T) {
	for _, valid := range []string{
		"1.2.3", "1.2", "1", "1.2.x", "1.x", "*", "",
		"^1.2.3", "~1.2.3", ">=1.2.3", ">1.2", "<=2", "<2.0.0",
		"1.2.3 - 2.3.4", "1.2 - 2", ">=1.0.0 <2.0.0", "1.2.x || 3.x",
		"v1.2.3", "=1.2.3",
	} {
		require.True(t, appversion.ValidRange(valid), valid)
	}
	for _, invalid := range []string{
		"not a range", "1.2.3.4", "1.2.3-", "-", "1.2-beta", ">=x.1",
	} {
		require.False(t, appversion.ValidRange(invalid), invalid)
	}
}

func TestCanonicalRange(t *testing.T) {
	for _, tt := range []struct {
		in  string
		out string
	}{
		{"1.2.3", "1.2.3"},
		{"=1.2.3", "1.2.3"},
		{"v1.2.3", "1.2.3"},
		{"1.2", ">=1.2.0 <1.3.0"},
		{"1.2.x", ">=1.2.0 <1.3.0"},
		{"~1.2", ">=1.2.0 <1.3.0"},
		{"~1.2.0", ">=1.2.0 <1.3.0"},
		{"1", ">=1.0.0 <2.0.0"},
		{"1.x", ">=1.0.0 <2.0.0"},
		{"^1", ">=1.0.0 <2.0.0"},
		{"^1.2.3", ">=1.2.3 <2.0.0"},
		{"^0.2.3", ">=0.2.3 <0.3.0"},
		{"^0.0.3", ">=0.0.3 <0.0.4"},
		{"*", "*"},
		{"", "*"},
		{"1 - 2", ">=1.0.0 <3.0.0"},
		{"1.2.3 - 2.3.4", ">=1.2.3 <=2.3.4"},
		{"1.2.3 - 2.3", ">=1.2.3 <2.4.0"},
		{">1.2", ">=1.3.0"},
		{">1", ">=2.0.0"},
		{"<=1.2", "<1.3.0"},
		{">=1.2", ">=1.2.0"},
		{"1.2.x || 3.x", ">=1.2.0 <1.3.0||>=3.0.0 <4.0.0"},
	} {
		got, err := appversion.CanonicalRange(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.out, got, "CanonicalRange(%q)", tt.in)
	}

	_, err := appversion.CanonicalRange("not a range")
	require.Error(t, err)
}

func TestCanonicalRangeEquivalence(t *testing.T) {
	equivalent := [][]string{
		{"1.2", "1.2.x", "~1.2", "~1.2.0", ">=1.2.0 <1.3.0"},
		{"1", "1.x", "1.x.x", "^1", "^1.x", ">=1.0.0 <2.0.0"},
		{"1.2.3", "=1.2.3", "v1.2.3"},
	}
	for _, group := range equivalent {
		first, err := appversion.CanonicalRange(group[0])
		require.NoError(t, err)
		for _, other := range group[1:] {
			canonical, err := appversion.CanonicalRange(other)
			require.NoError(t, err)
			require.Equal(t, first, canonical, "%q vs %q", group[0], other)
		}
	}
}

func TestGreaterThanRange(t *testing.T) {
	for _, tt := range []struct {
		version string
		rang    string
		want    bool
	}{
		{"2.0.1", "2.0.0", true},
		{"2.0.0", "2.0.0", false},
		{"1.9.9", "2.0.0", false},
		{"3.0.0", "^2.0.0", true},
		{"2.5.0", "^2.0.0", false},
		{"1.0.0", "^2.0.0", false},
		{"2.0.0", "1.2.x", true},
		{"1.3.0", "1.2.x", true},
		{"1.2.9", "1.2.x", false},
		{"1.1.0", "1.2.x", false},
		{"5.0.0", ">=2.0.0", false},
		{"5.0.0", "*", false},
		{"3.0.1", "1.0.0 - 3.0.0", true},
		{"2.0.0", "1.0.0 - 3.0.0", false},
		{"5.0.0", "1.2.x || 3.x", true},
		{"2.0.0", "1.2.x || 3.x", false},
		{"garbage", "1.2.x", false},
		{"1.2.3", "garbage", false},
	} {
		require.Equal(t, tt.want, appversion.GreaterThanRange(tt.version, tt.rang),
			"GreaterThanRange(%q, %q)", tt.version, tt.rang)
	}
}
