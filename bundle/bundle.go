// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package bundle computes content hashes and file manifests for release
// payloads and assembles the diff archives served to clients that already
// hold an older release.
//
// A payload is either a flat file, whose package hash is the SHA-256 of its
// bytes, or a zip archive, whose package hash is derived from a manifest of
// per-entry digests. The manifest serialization and the hash construction
// are wire formats: client SDKs recompute them locally to verify downloads,
// so they must stay byte-for-byte stable.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the bundle package.
	Error = errs.Class("bundle")

	// ErrInvalidArchive is returned for payloads that are not readable zip
	// archives or that contain entries escaping the archive root.
	ErrInvalidArchive = errs.Class("invalid archive")
)

// Manifest maps archive-relative entry paths to hex SHA-256 digests of the
// entry contents. Paths use forward slashes.
type Manifest map[string]string

// PackageHash derives the package hash of the manifest: each entry is
// rendered as "path:digest", the entries are sorted, serialized as a JSON
// array, and the serialization is hashed once more.
func (m Manifest) PackageHash() string {
	entries := make([]string, 0, len(m))
	for path, digest := range m {
		entries = append(entries, path+":"+digest)
	}
	sort.Strings(entries)

	// encoding a []string cannot fail
	serialized, _ := marshalJSON(entries)
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

// Serialize renders the manifest as a JSON object with sorted keys. The
// output is deterministic for equal manifests.
func (m Manifest) Serialize() ([]byte, error) {
	data, err := marshalJSON(map[string]string(m))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// Paths returns the manifest's entry paths in sorted order.
func (m Manifest) Paths() []string {
	paths := make([]string, 0, len(m))
	for path := range m {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// ParseManifest parses a manifest previously rendered by Serialize.
func ParseManifest(data []byte) (Manifest, error) {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Error.Wrap(err)
	}
	return Manifest(m), nil
}

// Diff compares two manifests and reports the paths whose contents are new
// or changed in next and the paths present in prev but missing from next.
// Both slices are sorted.
func Diff(prev, next Manifest) (changed, deleted []string) {
	for path, digest := range next {
		if prev[path] != digest {
			changed = append(changed, path)
		}
	}
	for path := range prev {
		if _, ok := next[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(changed)
	sort.Strings(deleted)
	return changed, deleted
}

// HashReader returns the hex SHA-256 digest of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the hex SHA-256 digest of the file's contents.
func HashFile(path string) (_ string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, f.Close()) }()
	return HashReader(f)
}

// marshalJSON matches JavaScript's JSON.stringify output for the wire
// payloads above: no HTML escaping and no trailing newline.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
