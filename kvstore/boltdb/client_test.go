// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package boltdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"updraft.dev/updraft/internal/testcontext"
	"updraft.dev/updraft/kvstore/testsuite"
)

func TestSuite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, err := New(ctx.File("bolt.db"), "test")
	require.NoError(t, err)
	defer ctx.Check(client.Close)

	testsuite.RunTests(t, client)
}
