// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package bundle_test

import (
	"archive/zip"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"updraft.dev/updraft/bundle"
	"updraft.dev/updraft/internal/testcontext"
)

const (
	helloWorldDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	emptyDigest      = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

type zipEntry struct {
	name    string
	content string
}

func writeZip(t *testing.T, path string, entries []zipEntry) {
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for _, e := range entries {
		entry, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestHashReader(t *testing.T) {
	digest, err := bundle.HashReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloWorldDigest, digest)

	digest, err = bundle.HashReader(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, emptyDigest, digest)
}

func TestHashFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("payload.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	digest, err := bundle.HashFile(path)
	require.NoError(t, err)
	require.Equal(t, helloWorldDigest, digest)

	_, err = bundle.HashFile(ctx.File("missing"))
	require.Error(t, err)
}

func TestIsZip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	archive := ctx.File("bundle.zip")
	writeZip(t, archive, []zipEntry{{"index.html", "hello"}})
	ok, err := bundle.IsZip(archive)
	require.NoError(t, err)
	require.True(t, ok)

	flat := ctx.File("flat.bin")
	require.NoError(t, os.WriteFile(flat, []byte("just bytes"), 0644))
	ok, err = bundle.IsZip(flat)
	require.NoError(t, err)
	require.False(t, ok)

	empty := ctx.File("empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	ok, err = bundle.IsZip(empty)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFromZip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	archive := ctx.File("bundle.zip")
	writeZip(t, archive, []zipEntry{
		{"index.html", "hello world"},
		{"assets/logo.png", "logo"},
		{"assets/", ""},
		{"__MACOSX/index.html", "resource fork"},
		{".DS_Store", "finder"},
		{"assets/.DS_Store", "finder"},
		{".codepushrelease", "metadata"},
		{"nested/.codepushrelease", "metadata"},
	})

	manifest, err := bundle.FromZip(archive)
	require.NoError(t, err)
	require.Equal(t, []string{"assets/logo.png", "index.html"}, manifest.Paths())
	require.Equal(t, helloWorldDigest, manifest["index.html"])
}

func TestFromZipNormalizesBackslashes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	archive := ctx.File("bundle.zip")
	writeZip(t, archive, []zipEntry{{`win\style.css`, "body{}"}})

	manifest, err := bundle.FromZip(archive)
	require.NoError(t, err)
	require.Equal(t, []string{"win/style.css"}, manifest.Paths())
}

func TestFromZipRejectsTraversal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	for name, entry := range map[string]string{
		"dotdot":   "../evil.txt",
		"nested":   "a/../../evil.txt",
		"absolute": "/etc/evil.txt",
	} {
		archive := ctx.File(name + ".zip")
		writeZip(t, archive, []zipEntry{{entry, "payload"}})

		_, err := bundle.FromZip(archive)
		require.True(t, bundle.ErrInvalidArchive.Has(err), name)
	}
}

func TestFromZipNotAnArchive(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	flat := ctx.File("flat.bin")
	require.NoError(t, os.WriteFile(flat, []byte("just bytes"), 0644))

	_, err := bundle.FromZip(flat)
	require.True(t, bundle.ErrInvalidArchive.Has(err))
}

func TestPackageHashStability(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ordered := ctx.File("ordered.zip")
	writeZip(t, ordered, []zipEntry{
		{"a.txt", "alpha"},
		{"b.txt", "beta"},
	})
	reversed := ctx.File("reversed.zip")
	writeZip(t, reversed, []zipEntry{
		{"b.txt", "beta"},
		{"a.txt", "alpha"},
	})
	noisy := ctx.File("noisy.zip")
	writeZip(t, noisy, []zipEntry{
		{"a.txt", "alpha"},
		{"b.txt", "beta"},
		{"__MACOSX/a.txt", "junk"},
		{".DS_Store", "junk"},
	})
	modified := ctx.File("modified.zip")
	writeZip(t, modified, []zipEntry{
		{"a.txt", "alpha"},
		{"b.txt", "beta!"},
	})

	hash := func(path string) string {
		manifest, err := bundle.FromZip(path)
		require.NoError(t, err)
		return manifest.PackageHash()
	}

	base := hash(ordered)
	require.Equal(t, base, hash(reversed))
	require.Equal(t, base, hash(noisy))
	require.NotEqual(t, base, hash(modified))
}

func TestManifestSerialize(t *testing.T) {
	manifest := bundle.Manifest{
		"b/c.txt": emptyDigest,
		"a.txt":   emptyDigest,
	}

	data, err := manifest.Serialize()
	require.NoError(t, err)
	require.Equal(t,
		`{"a.txt":"`+emptyDigest+`","b/c.txt":"`+emptyDigest+`"}`,
		string(data))

	parsed, err := bundle.ParseManifest(data)
	require.NoError(t, err)
	require.Equal(t, manifest, parsed)
	require.Equal(t, manifest.PackageHash(), parsed.PackageHash())

	_, err = bundle.ParseManifest([]byte("not json"))
	require.Error(t, err)
}

func TestDiff(t *testing.T) {
	prev := bundle.Manifest{"a": "1", "b": "2", "c": "3"}
	next := bundle.Manifest{"a": "1", "b": "changed", "d": "new"}

	changed, deleted := bundle.Diff(prev, next)
	require.Equal(t, []string{"b", "d"}, changed)
	require.Equal(t, []string{"c"}, deleted)

	changed, deleted = bundle.Diff(prev, prev)
	require.Empty(t, changed)
	require.Empty(t, deleted)
}

func TestWriteDiffArchive(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	src := ctx.File("next.zip")
	writeZip(t, src, []zipEntry{
		{"index.html", "v2 content"},
		{"app.js", "js"},
		{"unchanged.txt", "same"},
	})

	dst := ctx.File("diff.zip")
	err := bundle.WriteDiffArchive(dst, src, []string{"index.html", "app.js"}, []string{"gone.txt"})
	require.NoError(t, err)

	archive, err := zip.OpenReader(dst)
	require.NoError(t, err)
	defer ctx.Check(archive.Close)

	contents := make(map[string]string)
	for _, file := range archive.File {
		rc, err := file.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		contents[file.Name] = string(data)
	}

	require.Equal(t, map[string]string{
		bundle.DeletionManifestName: `{"deletedFiles":["gone.txt"]}`,
		"index.html":                "v2 content",
		"app.js":                    "js",
	}, contents)
}

func TestWriteDiffArchiveMissingEntry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	src := ctx.File("next.zip")
	writeZip(t, src, []zipEntry{{"index.html", "v2"}})

	err := bundle.WriteDiffArchive(ctx.File("diff.zip"), src, []string{"missing.js"}, nil)
	require.Error(t, err)
}
