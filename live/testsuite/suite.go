// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package testsuite verifies live gateway implementations.
package testsuite

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"updraft.dev/updraft/internal/testcontext"
	"updraft.dev/updraft/live"
)

// RunTests runs the conformance suite against a gateway. Tests use distinct
// deployment keys, so a single gateway instance can serve the whole suite.
func RunTests(t *testing.T, gateway live.Gateway) {
	t.Run("Ping", func(t *testing.T) { testPing(t, gateway) })
	t.Run("ResponseCache", func(t *testing.T) { testResponseCache(t, gateway) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, gateway) })
	t.Run("RecordUpdate", func(t *testing.T) { testRecordUpdate(t, gateway) })
	t.Run("ActiveClients", func(t *testing.T) { testActiveClients(t, gateway) })
}

func testPing(t *testing.T, gateway live.Gateway) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	require.NoError(t, gateway.Ping(ctx))
}

func testResponseCache(t *testing.T, gateway live.Gateway) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const key = "cache-deployment-key-1"
	const url = "/updateCheck?appVersion=1.0.0&deploymentKey=cache-deployment-key-1"

	_, err := gateway.GetCachedResponse(ctx, key, url)
	require.True(t, live.ErrCacheMiss.Has(err))

	stored := live.CachedResponse{
		StatusCode: 200,
		Body:       json.RawMessage(`{"originalPackage":{"isAvailable":false}}`),
	}
	require.NoError(t, gateway.SetCachedResponse(ctx, key, url, stored))

	got, err := gateway.GetCachedResponse(ctx, key, url)
	require.NoError(t, err)
	require.Equal(t, 200, got.StatusCode)
	require.JSONEq(t, string(stored.Body), string(got.Body))

	_, err = gateway.GetCachedResponse(ctx, key, url+"&label=v1")
	require.True(t, live.ErrCacheMiss.Has(err))

	_, err = gateway.GetCachedResponse(ctx, "cache-deployment-key-2", url)
	require.True(t, live.ErrCacheMiss.Has(err))

	require.NoError(t, gateway.Invalidate(ctx, key))
	_, err = gateway.GetCachedResponse(ctx, key, url)
	require.True(t, live.ErrCacheMiss.Has(err))

	require.NoError(t, gateway.Invalidate(ctx, "cache-deployment-key-never-seen"))
}

func testCounters(t *testing.T, gateway live.Gateway) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const key = "counters-deployment-key"

	require.NoError(t, gateway.IncrementLabelStatus(ctx, key, "v1", live.StatusDownloaded))
	require.NoError(t, gateway.IncrementLabelStatus(ctx, key, "v1", live.StatusDownloaded))
	require.NoError(t, gateway.IncrementLabelStatus(ctx, key, "v1", live.StatusDeploymentSucceeded))
	require.NoError(t, gateway.IncrementLabelStatus(ctx, key, "v2", live.StatusDeploymentFailed))

	metrics, err := gateway.Metrics(ctx, key)
	require.NoError(t, err)
	require.Equal(t, map[string]live.LabelMetrics{
		"v1": {Downloaded: 2, Installed: 1},
		"v2": {Failed: 1},
	}, metrics)

	// the running gauge cannot be reported directly
	require.Error(t, gateway.IncrementLabelStatus(ctx, key, "v1", live.StatusActive))
	require.Error(t, gateway.IncrementLabelStatus(ctx, key, "v1", live.Status("Bogus")))

	require.NoError(t, gateway.ClearMetrics(ctx, key))
	metrics, err = gateway.Metrics(ctx, key)
	require.NoError(t, err)
	require.Empty(t, metrics)

	metrics, err = gateway.Metrics(ctx, "counters-deployment-key-never-seen")
	require.NoError(t, err)
	require.Empty(t, metrics)
}

func testRecordUpdate(t *testing.T, gateway live.Gateway) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const current = "record-deployment-key-current"
	const previous = "record-deployment-key-previous"

	require.NoError(t, gateway.RecordUpdate(ctx, current, "v2", previous, "v1"))

	metrics, err := gateway.Metrics(ctx, current)
	require.NoError(t, err)
	require.Equal(t, live.LabelMetrics{Active: 1, Installed: 1}, metrics["v2"])

	metrics, err = gateway.Metrics(ctx, previous)
	require.NoError(t, err)
	require.Equal(t, live.LabelMetrics{Active: -1}, metrics["v1"])

	// first install: nothing to decrement
	require.NoError(t, gateway.RecordUpdate(ctx, current, "v3", "", ""))

	metrics, err = gateway.Metrics(ctx, current)
	require.NoError(t, err)
	require.Equal(t, live.LabelMetrics{Active: 1, Installed: 1}, metrics["v3"])
	require.Equal(t, live.LabelMetrics{Active: 1, Installed: 1}, metrics["v2"])
}

func testActiveClients(t *testing.T, gateway live.Gateway) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const key = "active-deployment-key"

	active := func(label string) int64 {
		metrics, err := gateway.Metrics(ctx, key)
		require.NoError(t, err)
		return metrics[label].Active
	}

	label, err := gateway.ActiveLabel(ctx, key, "client-1")
	require.NoError(t, err)
	require.Empty(t, label)

	require.NoError(t, gateway.UpdateActiveClient(ctx, key, "client-1", "v1", ""))
	require.EqualValues(t, 1, active("v1"))

	label, err = gateway.ActiveLabel(ctx, key, "client-1")
	require.NoError(t, err)
	require.Equal(t, "v1", label)

	require.NoError(t, gateway.UpdateActiveClient(ctx, key, "client-1", "v2", ""))
	require.EqualValues(t, 1, active("v2"))
	require.EqualValues(t, 0, active("v1"))

	label, err = gateway.ActiveLabel(ctx, key, "client-1")
	require.NoError(t, err)
	require.Equal(t, "v2", label)

	// repeating the same label changes nothing
	require.NoError(t, gateway.UpdateActiveClient(ctx, key, "client-1", "v2", ""))
	require.EqualValues(t, 1, active("v2"))

	// untracked device: the reported previous label takes the decrement
	require.NoError(t, gateway.UpdateActiveClient(ctx, key, "client-2", "v2", "v1"))
	require.EqualValues(t, 2, active("v2"))
	require.EqualValues(t, -1, active("v1"))

	require.NoError(t, gateway.RemoveActiveClient(ctx, key, "client-1"))
	require.EqualValues(t, 1, active("v2"))

	label, err = gateway.ActiveLabel(ctx, key, "client-1")
	require.NoError(t, err)
	require.Empty(t, label)

	require.NoError(t, gateway.RemoveActiveClient(ctx, key, "client-unknown"))
	require.EqualValues(t, 1, active("v2"))
}
