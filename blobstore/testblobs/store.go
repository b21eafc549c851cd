// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package testblobs provides a blob store for testing.
package testblobs

import (
	"bytes"
	"context"
	"io"
	"sync"

	"updraft.dev/updraft/blobstore"
)

var _ blobstore.Blobs = (*Store)(nil)

// Store implements an in-memory blob store.
type Store struct {
	mu    sync.Mutex
	blobs map[blobstore.Ref][]byte
}

// New creates an in-memory blob store.
func New() *Store {
	return &Store{blobs: map[blobstore.Ref][]byte{}}
}

// Put stores the content of data under ref.
func (store *Store) Put(ctx context.Context, ref blobstore.Ref, data io.Reader) (int64, error) {
	if !ref.IsValid() {
		return 0, blobstore.ErrInvalidRef.New("%q/%q", ref.Namespace, ref.Key)
	}
	content, err := io.ReadAll(data)
	if err != nil {
		return 0, blobstore.Error.Wrap(err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.blobs[ref] = content
	return int64(len(content)), nil
}

// Open returns a reader over the stored content.
func (store *Store) Open(ctx context.Context, ref blobstore.Ref) (io.ReadCloser, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	content, ok := store.blobs[ref]
	if !ok {
		return nil, blobstore.ErrNotFound.New("%q/%q", ref.Namespace, ref.Key)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// Delete removes the stored blob.
func (store *Store) Delete(ctx context.Context, ref blobstore.Ref) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.blobs, ref)
	return nil
}

// URL returns a synthetic but stable download URL.
func (store *Store) URL(ctx context.Context, ref blobstore.Ref) (string, error) {
	if !ref.IsValid() {
		return "", blobstore.ErrInvalidRef.New("%q/%q", ref.Namespace, ref.Key)
	}
	return "http://blobs.test/files/" + ref.Key, nil
}

// Close releases resources held by the store.
func (store *Store) Close() error { return nil }

// Len returns the number of stored blobs.
func (store *Store) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.blobs)
}

// Bad wraps a blob store so tests can force every operation to fail.
type Bad struct {
	blobs blobstore.Blobs

	mu  sync.Mutex
	err error
}

// NewBad creates a Bad wrapping the provided blobs.
func NewBad(blobs blobstore.Blobs) *Bad {
	return &Bad{blobs: blobs}
}

// SetError causes all operations to return err until reset with nil.
func (bad *Bad) SetError(err error) {
	bad.mu.Lock()
	defer bad.mu.Unlock()
	bad.err = err
}

func (bad *Bad) injected() error {
	bad.mu.Lock()
	defer bad.mu.Unlock()
	return bad.err
}

// Put forwards to the wrapped store unless an error is set.
func (bad *Bad) Put(ctx context.Context, ref blobstore.Ref, data io.Reader) (int64, error) {
	if err := bad.injected(); err != nil {
		return 0, err
	}
	return bad.blobs.Put(ctx, ref, data)
}

// Open forwards to the wrapped store unless an error is set.
func (bad *Bad) Open(ctx context.Context, ref blobstore.Ref) (io.ReadCloser, error) {
	if err := bad.injected(); err != nil {
		return nil, err
	}
	return bad.blobs.Open(ctx, ref)
}

// Delete forwards to the wrapped store unless an error is set.
func (bad *Bad) Delete(ctx context.Context, ref blobstore.Ref) error {
	if err := bad.injected(); err != nil {
		return err
	}
	return bad.blobs.Delete(ctx, ref)
}

// URL forwards to the wrapped store unless an error is set.
func (bad *Bad) URL(ctx context.Context, ref blobstore.Ref) (string, error) {
	if err := bad.injected(); err != nil {
		return "", err
	}
	return bad.blobs.URL(ctx, ref)
}

// Close forwards to the wrapped store.
func (bad *Bad) Close() error {
	return bad.blobs.Close()
}
