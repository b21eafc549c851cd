// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package testredis starts disposable in-process redis servers for tests.
package testredis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// Start runs a redis server that stops with the test.
func Start(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}
