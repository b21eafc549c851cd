// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package testsuite contains a suite of tests that every kvstore.Store
// implementation must pass.
package testsuite

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"updraft.dev/updraft/internal/testcontext"
	"updraft.dev/updraft/kvstore"
)

// RunTests runs the common kvstore.Store tests.
func RunTests(t *testing.T, store kvstore.Store) {
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, store) })
	t.Run("Constraints", func(t *testing.T) { testConstraints(t, store) })
	t.Run("Range", func(t *testing.T) { testRange(t, store) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, store) })
}

func testCRUD(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	items := kvstore.Items{
		{Key: kvstore.Key("a/1"), Value: kvstore.Value("one")},
		{Key: kvstore.Key("a/2"), Value: kvstore.Value("two")},
		{Key: kvstore.Key("b/1"), Value: kvstore.Value("three")},
	}
	defer cleanupItems(ctx, store, items)

	for _, item := range items {
		require.NoError(t, store.Put(ctx, item.Key, item.Value))
	}

	for _, item := range items {
		value, err := store.Get(ctx, item.Key)
		require.NoError(t, err)
		require.Equal(t, item.Value, value)
	}

	// overwrite
	require.NoError(t, store.Put(ctx, items[0].Key, kvstore.Value("uno")))
	value, err := store.Get(ctx, items[0].Key)
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("uno"), value)

	require.NoError(t, store.Delete(ctx, items[0].Key))
	_, err = store.Get(ctx, items[0].Key)
	require.True(t, kvstore.ErrKeyNotFound.Has(err))

	err = store.Delete(ctx, items[0].Key)
	require.True(t, kvstore.ErrKeyNotFound.Has(err))
}

func testConstraints(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	require.True(t, kvstore.ErrEmptyKey.Has(store.Put(ctx, nil, kvstore.Value("v"))))

	_, err := store.Get(ctx, nil)
	require.True(t, kvstore.ErrEmptyKey.Has(err))

	require.True(t, kvstore.ErrEmptyKey.Has(store.Delete(ctx, nil)))
	require.True(t, kvstore.ErrEmptyKey.Has(store.CompareAndSwap(ctx, nil, nil, kvstore.Value("v"))))

	_, err = store.Get(ctx, kvstore.Key("missing"))
	require.True(t, kvstore.ErrKeyNotFound.Has(err))
}

func testRange(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	items := kvstore.Items{
		{Key: kvstore.Key("r/1"), Value: kvstore.Value("a")},
		{Key: kvstore.Key("r/2"), Value: kvstore.Value("b")},
		{Key: kvstore.Key("s/1"), Value: kvstore.Value("c")},
	}
	defer cleanupItems(ctx, store, items)

	for _, item := range items {
		require.NoError(t, store.Put(ctx, item.Key, item.Value))
	}

	seen := map[string]string{}
	err := store.Range(ctx, func(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
		seen[string(key)] = string(value)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"r/1": "a", "r/2": "b", "s/1": "c"}, seen)

	prefixed := 0
	err = store.Range(ctx, func(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
		if bytes.HasPrefix(key, []byte("r/")) {
			prefixed++
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, prefixed)
}

func testCompareAndSwap(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	key := kvstore.Key("cas/key")
	defer func() { _ = store.Delete(ctx, key) }()

	// create when missing
	require.NoError(t, store.CompareAndSwap(ctx, key, nil, kvstore.Value("v1")))

	// creating again must fail
	err := store.CompareAndSwap(ctx, key, nil, kvstore.Value("v2"))
	require.True(t, kvstore.ErrValueChanged.Has(err))

	// swap with correct old value
	require.NoError(t, store.CompareAndSwap(ctx, key, kvstore.Value("v1"), kvstore.Value("v2")))

	// swap with stale old value
	err = store.CompareAndSwap(ctx, key, kvstore.Value("v1"), kvstore.Value("v3"))
	require.True(t, kvstore.ErrValueChanged.Has(err))

	value, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("v2"), value)

	// delete via swap
	require.NoError(t, store.CompareAndSwap(ctx, key, kvstore.Value("v2"), nil))
	_, err = store.Get(ctx, key)
	require.True(t, kvstore.ErrKeyNotFound.Has(err))

	// swap on missing key with old value expectation
	err = store.CompareAndSwap(ctx, key, kvstore.Value("v2"), kvstore.Value("v3"))
	require.True(t, kvstore.ErrKeyNotFound.Has(err))
}

func cleanupItems(ctx *testcontext.Context, store kvstore.Store, items kvstore.Items) {
	for _, item := range items {
		_ = store.Delete(ctx, item.Key)
	}
}
