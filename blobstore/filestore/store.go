// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package filestore implements a disk-backed blob store served over the
// acquisition server's /files route.
package filestore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"updraft.dev/updraft/blobstore"
)

var (
	// Error is the default filestore error class.
	Error = errs.Class("filestore")

	mon = monkit.Package()
)

// Config is configuration for the disk-backed blob store.
type Config struct {
	Path      string `user:"true" help:"directory for storing release payloads" default:"$CONFDIR/blobs"`
	BaseURL   string `user:"true" help:"public base URL downloads are served from" default:"http://localhost:7001"`
	URLSecret string `help:"secret for signing download URLs, empty disables signing" default:""`
}

var _ blobstore.Blobs = (*Store)(nil)

// Store implements a disk-backed blob store.
type Store struct {
	dir       string
	baseURL   string
	urlSecret []byte
}

// New creates a blob store rooted at config.Path, creating the directory
// when missing.
func New(config Config) (*Store, error) {
	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Join(config.Path, "tmp"), 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	store := &Store{
		dir:     config.Path,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
	}
	if config.URLSecret != "" {
		store.urlSecret = []byte(config.URLSecret)
	}
	return store, nil
}

func (store *Store) path(ref blobstore.Ref) (string, error) {
	if !ref.IsValid() {
		return "", blobstore.ErrInvalidRef.New("%q/%q", ref.Namespace, ref.Key)
	}
	return filepath.Join(store.dir, ref.Namespace, ref.Key), nil
}

// Put writes data to a temporary file and renames it into place, so a blob
// is never observable half-written.
func (store *Store) Put(ctx context.Context, ref blobstore.Ref, data io.Reader) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	target, err := store.path(ref)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Join(store.dir, "tmp"), "put-*")
	if err != nil {
		return 0, Error.Wrap(err)
	}
	n, err := io.Copy(tmp, data)
	if err != nil {
		return 0, Error.Wrap(errs.Combine(err, tmp.Close(), os.Remove(tmp.Name())))
	}
	if err := tmp.Sync(); err != nil {
		return 0, Error.Wrap(errs.Combine(err, tmp.Close(), os.Remove(tmp.Name())))
	}
	if err := tmp.Close(); err != nil {
		return 0, Error.Wrap(errs.Combine(err, os.Remove(tmp.Name())))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return 0, Error.Wrap(errs.Combine(err, os.Remove(tmp.Name())))
	}
	return n, nil
}

// Open returns a reader for the stored blob.
func (store *Store) Open(ctx context.Context, ref blobstore.Ref) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	target, err := store.path(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blobstore.ErrNotFound.New("%q/%q", ref.Namespace, ref.Key)
		}
		return nil, Error.Wrap(err)
	}
	return file, nil
}

// Stat returns the size of a stored blob.
func (store *Store) Stat(ctx context.Context, ref blobstore.Ref) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	target, err := store.path(ref)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, blobstore.ErrNotFound.New("%q/%q", ref.Namespace, ref.Key)
		}
		return 0, Error.Wrap(err)
	}
	return info.Size(), nil
}

// Delete removes the stored blob. Deleting a missing blob is not an error.
func (store *Store) Delete(ctx context.Context, ref blobstore.Ref) (err error) {
	defer mon.Task()(&ctx)(&err)

	target, err := store.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

// URL returns the download URL for a stored blob, HMAC-signed when a URL
// secret is configured. Only bundle payloads are served over HTTP.
func (store *Store) URL(ctx context.Context, ref blobstore.Ref) (string, error) {
	if !ref.IsValid() {
		return "", blobstore.ErrInvalidRef.New("%q/%q", ref.Namespace, ref.Key)
	}
	downloadURL := store.baseURL + "/files/" + url.PathEscape(ref.Key)
	if store.urlSecret != nil {
		downloadURL += "?sig=" + Sign(store.urlSecret, ref.Key)
	}
	return downloadURL, nil
}

// VerifyURL reports whether sig authorizes downloading key. Stores without a
// URL secret accept every request.
func (store *Store) VerifyURL(key, sig string) bool {
	if store.urlSecret == nil {
		return true
	}
	return VerifySignature(store.urlSecret, key, sig)
}

// Close releases resources held by the store.
func (store *Store) Close() error { return nil }

// Sign computes the hex signature carried by signed download URLs.
func Sign(secret []byte, key string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is a valid signature for key.
func VerifySignature(secret []byte, key, sig string) bool {
	expected, err := hex.DecodeString(Sign(secret, key))
	if err != nil {
		return false
	}
	actual, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, actual)
}
