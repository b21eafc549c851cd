// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package blobstore defines how release payloads are stored and served.
package blobstore

import (
	"bytes"
	"context"
	"io"

	"github.com/zeebo/errs"
)

// Error is the default blobstore error class.
var Error = errs.Class("blobstore")

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errs.Class("blob not found")

// ErrInvalidRef is returned when a blob reference is malformed.
var ErrInvalidRef = errs.Class("invalid blob ref")

// Namespaces group stored payloads by purpose.
const (
	// NamespaceBlob holds release bundles, manifests and diff archives.
	NamespaceBlob = "blob"
	// NamespaceHistory holds canonical JSON exports of deployment history.
	NamespaceHistory = "history"
	// NamespaceHealth holds the startup probe sentinel.
	NamespaceHealth = "health"
)

// Ref addresses a stored blob.
type Ref struct {
	Namespace string
	Key       string
}

// IsValid returns whether both namespace and key are specified and the key
// contains only URL- and path-safe characters.
func (ref Ref) IsValid() bool {
	if ref.Namespace == "" || ref.Key == "" {
		return false
	}
	for _, c := range ref.Key {
		switch {
		case 'a' <= c && c <= 'z':
		case 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	// dots are allowed inside a key, but a key must never be a dot path
	return ref.Key != "." && ref.Key != ".."
}

// Blobs stores immutable release payloads addressed by Ref.
//
// Writes are atomic: a blob is either fully visible or absent, never
// partially written. Blobs are written once and never modified.
type Blobs interface {
	// Put stores the content of data under ref, replacing any previous
	// content.
	Put(ctx context.Context, ref Ref, data io.Reader) (int64, error)
	// Open returns a reader for the stored blob. It returns an
	// ErrNotFound-classed error when the blob does not exist.
	Open(ctx context.Context, ref Ref) (io.ReadCloser, error)
	// Delete removes the stored blob. Deleting a missing blob is not an
	// error.
	Delete(ctx context.Context, ref Ref) error
	// URL returns the client-facing download URL for a stored blob.
	URL(ctx context.Context, ref Ref) (string, error)
	// Close releases resources held by the store.
	Close() error
}

// Probe verifies that the store is reachable and writable by writing a
// sentinel value and reading it back.
func Probe(ctx context.Context, blobs Blobs) error {
	ref := Ref{Namespace: NamespaceHealth, Key: "health"}
	if _, err := blobs.Put(ctx, ref, bytes.NewReader([]byte("health"))); err != nil {
		return Error.New("health probe write: %w", err)
	}
	reader, err := blobs.Open(ctx, ref)
	if err != nil {
		return Error.New("health probe read: %w", err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return Error.Wrap(errs.Combine(err, reader.Close()))
	}
	if err := reader.Close(); err != nil {
		return Error.Wrap(err)
	}
	if !bytes.Equal(data, []byte("health")) {
		return Error.New("health probe read back %q", data)
	}
	return nil
}
