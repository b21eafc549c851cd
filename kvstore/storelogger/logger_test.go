// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package storelogger

import (
	"testing"

	"go.uber.org/zap"

	"updraft.dev/updraft/kvstore/teststore"
	"updraft.dev/updraft/kvstore/testsuite"
)

func TestSuite(t *testing.T) {
	store := teststore.New()
	logged := New(zap.NewNop(), store)
	testsuite.RunTests(t, logged)
}
