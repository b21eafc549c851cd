// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package teststore

import (
	"testing"

	"updraft.dev/updraft/kvstore/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, New())
}
