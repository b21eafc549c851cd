// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package bundle

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path"
	"strings"

	"github.com/zeebo/errs"
)

// DeletionManifestName is the well-known archive entry listing files removed
// relative to the base release. Clients apply a diff by unpacking the
// archive over the previous bundle and deleting the listed paths.
const DeletionManifestName = "hotcodepush.json"

type deletionManifest struct {
	DeletedFiles []string `json:"deletedFiles"`
}

// zip local file header, empty archive, and spanned archive signatures
var zipSignatures = [][]byte{
	{0x50, 0x4b, 0x03, 0x04},
	{0x50, 0x4b, 0x05, 0x06},
	{0x50, 0x4b, 0x07, 0x08},
}

// IsZip reports whether the file at path starts with a zip signature. Files
// shorter than a signature are not archives.
func IsZip(path string) (_ bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, f.Close()) }()

	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, Error.Wrap(err)
	}
	for _, signature := range zipSignatures {
		if bytes.Equal(header, signature) {
			return true, nil
		}
	}
	return false, nil
}

// FromZip builds the manifest of the archive at archivePath. Directories and
// packaging noise (__MACOSX, .DS_Store, .codepushrelease) are excluded.
// Entries that escape the archive root fail with ErrInvalidArchive.
func FromZip(archivePath string) (_ Manifest, err error) {
	archive, err := zip.OpenReader(archivePath)
	// ErrInsecurePath still yields a usable reader; entry names are
	// normalized and validated one by one below.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, ErrInvalidArchive.Wrap(err)
	}
	defer func() { err = errs.Combine(err, archive.Close()) }()

	manifest := make(Manifest, len(archive.File))
	for _, file := range archive.File {
		name, ok := entryPath(file.Name)
		if !ok {
			return nil, ErrInvalidArchive.New("entry escapes the archive root: %q", file.Name)
		}
		if name == "" || strings.HasSuffix(name, "/") || file.FileInfo().IsDir() || ignoredPath(name) {
			continue
		}
		digest, err := hashZipEntry(file)
		if err != nil {
			return nil, err
		}
		manifest[name] = digest
	}
	return manifest, nil
}

// WriteDiffArchive assembles a diff at dstPath: the named entries copied
// from the archive at srcPath plus a deletion manifest for paths the client
// should remove. The deletion manifest is present even when nothing was
// deleted.
func WriteDiffArchive(dstPath, srcPath string, include, deleted []string) (err error) {
	src, err := zip.OpenReader(srcPath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return ErrInvalidArchive.Wrap(err)
	}
	defer func() { err = errs.Combine(err, src.Close()) }()

	entries := make(map[string]*zip.File, len(src.File))
	for _, file := range src.File {
		if name, ok := entryPath(file.Name); ok {
			entries[name] = file
		}
	}

	dst, err := os.Create(dstPath)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, dst.Close()) }()

	writer := zip.NewWriter(dst)

	if deleted == nil {
		deleted = []string{}
	}
	payload, err := marshalJSON(deletionManifest{DeletedFiles: deleted})
	if err != nil {
		return Error.Wrap(err)
	}
	entry, err := writer.Create(DeletionManifestName)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := entry.Write(payload); err != nil {
		return Error.Wrap(err)
	}

	for _, name := range include {
		file, ok := entries[name]
		if !ok {
			return Error.New("entry missing from archive: %q", name)
		}
		if err := copyZipEntry(writer, name, file); err != nil {
			return err
		}
	}

	return Error.Wrap(writer.Close())
}

func hashZipEntry(file *zip.File) (_ string, err error) {
	rc, err := file.Open()
	if err != nil {
		return "", ErrInvalidArchive.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()
	return HashReader(rc)
}

func copyZipEntry(writer *zip.Writer, name string, file *zip.File) (err error) {
	rc, err := file.Open()
	if err != nil {
		return ErrInvalidArchive.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()

	entry, err := writer.Create(name)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = io.Copy(entry, rc)
	return Error.Wrap(err)
}

// entryPath normalizes a zip entry name to forward slashes and reports
// whether it stays inside the archive root. The normalized spelling, not the
// cleaned one, keys the manifest so digests match what clients compute.
func entryPath(name string) (string, bool) {
	normalized := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(normalized, "/") {
		return "", false
	}
	cleaned := path.Clean(normalized)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return normalized, true
}

func ignoredPath(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") ||
		name == ".DS_Store" || strings.HasSuffix(name, "/.DS_Store") ||
		name == ".codepushrelease" || strings.HasSuffix(name, "/.codepushrelease")
}
