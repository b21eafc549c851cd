// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package filestore_test

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"updraft.dev/updraft/blobstore"
	"updraft.dev/updraft/blobstore/filestore"
	"updraft.dev/updraft/internal/memory"
	"updraft.dev/updraft/internal/testcontext"
	"updraft.dev/updraft/internal/testrand"
)

func TestStoreLoad(t *testing.T) {
	const blobSize = 8 * memory.KiB
	const repeatCount = 16

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := filestore.New(filestore.Config{
		Path:    ctx.Dir("store"),
		BaseURL: "http://localhost:7001",
	})
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	data := testrand.Bytes(blobSize)

	refs := []blobstore.Ref{}
	for i := 0; i < repeatCount; i++ {
		ref := blobstore.Ref{
			Namespace: blobstore.NamespaceBlob,
			Key:       "payload-" + strconv.Itoa(i),
		}
		refs = append(refs, ref)

		n, err := store.Put(ctx, ref, bytes.NewReader(data))
		require.NoError(t, err)
		require.Equal(t, int64(len(data)), n)
	}

	for _, ref := range refs {
		reader, err := store.Open(ctx, ref)
		require.NoError(t, err)

		content, err := io.ReadAll(reader)
		require.NoError(t, err)
		require.NoError(t, reader.Close())
		require.Equal(t, data, content)
	}

	// overwriting an existing key replaces the content
	replaced := testrand.Bytes(blobSize / 2)
	_, err = store.Put(ctx, refs[0], bytes.NewReader(replaced))
	require.NoError(t, err)

	reader, err := store.Open(ctx, refs[0])
	require.NoError(t, err)
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, replaced, content)

	for _, ref := range refs {
		require.NoError(t, store.Delete(ctx, ref))
	}

	for _, ref := range refs {
		_, err := store.Open(ctx, ref)
		require.Error(t, err)
		require.True(t, blobstore.ErrNotFound.Has(err))
	}

	// deleting a missing blob is not an error
	require.NoError(t, store.Delete(ctx, refs[0]))
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := filestore.New(filestore.Config{
		Path:    ctx.Dir("store"),
		BaseURL: "http://localhost:7001",
	})
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	read := func(ref blobstore.Ref) string {
		reader, err := store.Open(ctx, ref)
		require.NoError(t, err)
		content, err := io.ReadAll(reader)
		require.NoError(t, err)
		require.NoError(t, reader.Close())
		return string(content)
	}

	payload := blobstore.Ref{Namespace: blobstore.NamespaceBlob, Key: "shared-key"}
	export := blobstore.Ref{Namespace: blobstore.NamespaceHistory, Key: "shared-key"}

	_, err = store.Put(ctx, payload, strings.NewReader("payload"))
	require.NoError(t, err)
	_, err = store.Put(ctx, export, strings.NewReader("history export"))
	require.NoError(t, err)

	require.Equal(t, "payload", read(payload))
	require.Equal(t, "history export", read(export))

	// deleting in one namespace leaves the other untouched
	require.NoError(t, store.Delete(ctx, payload))
	require.Equal(t, "history export", read(export))
	_, err = store.Open(ctx, payload)
	require.True(t, blobstore.ErrNotFound.Has(err))
}

func TestRefValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := filestore.New(filestore.Config{
		Path:    ctx.Dir("store"),
		BaseURL: "http://localhost:7001",
	})
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	for _, ref := range []blobstore.Ref{
		{},
		{Namespace: blobstore.NamespaceBlob},
		{Key: "orphan"},
		{Namespace: blobstore.NamespaceBlob, Key: ".."},
		{Namespace: blobstore.NamespaceBlob, Key: "../../etc/passwd"},
		{Namespace: blobstore.NamespaceBlob, Key: "a/b"},
		{Namespace: blobstore.NamespaceBlob, Key: "with space"},
	} {
		_, err := store.Put(ctx, ref, strings.NewReader("data"))
		require.Error(t, err, "%q/%q", ref.Namespace, ref.Key)
		require.True(t, blobstore.ErrInvalidRef.Has(err))
	}
}

func TestURL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	plain, err := filestore.New(filestore.Config{
		Path:    ctx.Dir("plain"),
		BaseURL: "http://cdn.example.test/",
	})
	require.NoError(t, err)
	defer ctx.Check(plain.Close)

	ref := blobstore.Ref{Namespace: blobstore.NamespaceBlob, Key: "abcdef0123456789"}

	downloadURL, err := plain.URL(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "http://cdn.example.test/files/abcdef0123456789", downloadURL)

	signed, err := filestore.New(filestore.Config{
		Path:      ctx.Dir("signed"),
		BaseURL:   "http://cdn.example.test",
		URLSecret: "sekrit",
	})
	require.NoError(t, err)
	defer ctx.Check(signed.Close)

	downloadURL, err = signed.URL(ctx, ref)
	require.NoError(t, err)
	require.Equal(t,
		"http://cdn.example.test/files/abcdef0123456789?sig="+filestore.Sign([]byte("sekrit"), ref.Key),
		downloadURL)

	sig := filestore.Sign([]byte("sekrit"), ref.Key)
	require.True(t, filestore.VerifySignature([]byte("sekrit"), ref.Key, sig))
	require.False(t, filestore.VerifySignature([]byte("sekrit"), "other-key", sig))
	require.False(t, filestore.VerifySignature([]byte("wrong"), ref.Key, sig))
	require.False(t, filestore.VerifySignature([]byte("sekrit"), ref.Key, "not-hex"))
}

func TestProbe(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := filestore.New(filestore.Config{
		Path:    ctx.Dir("store"),
		BaseURL: "http://localhost:7001",
	})
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	require.NoError(t, blobstore.Probe(ctx, store))
}
