// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package release_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"updraft.dev/updraft/blobstore"
	"updraft.dev/updraft/blobstore/filestore"
	"updraft.dev/updraft/blobstore/testblobs"
	"updraft.dev/updraft/bundle"
	"updraft.dev/updraft/internal/testcontext"
	"updraft.dev/updraft/kvstore/teststore"
	"updraft.dev/updraft/live"
	"updraft.dev/updraft/live/memory"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/registrydb"
	"updraft.dev/updraft/release"
)

type harness struct {
	db         registry.DB
	blobs      *filestore.Store
	cache      *memory.Gateway
	service    *release.Service
	appID      string
	staging    *registry.Deployment
	production *registry.Deployment
}

func newHarness(t *testing.T, ctx *testcontext.Context, config release.Config) *harness {
	log := zaptest.NewLogger(t)
	db := registrydb.New(log, teststore.New())
	blobs, err := filestore.New(filestore.Config{
		Path:    ctx.Dir("blobs"),
		BaseURL: "http://blobs.test",
	})
	require.NoError(t, err)
	cache := memory.New()

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	app, err := db.Apps().Create(ctx, registry.App{
		Name: "Mobile",
		Collaborators: map[string]registry.Collaborator{
			owner.Email: {AccountID: owner.ID, Permission: registry.PermissionOwner},
		},
	})
	require.NoError(t, err)
	staging, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.NoError(t, err)
	production, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Production"})
	require.NoError(t, err)

	return &harness{
		db:         db,
		blobs:      blobs,
		cache:      cache,
		service:    release.New(log, db, blobs, cache, config),
		appID:      app.ID,
		staging:    staging,
		production: production,
	}
}

// reload refreshes a deployment so its head reflects recent commits.
func (h *harness) reload(t *testing.T, ctx *testcontext.Context, deployment *registry.Deployment) *registry.Deployment {
	fresh, err := h.db.Deployments().Get(ctx, h.appID, deployment.ID)
	require.NoError(t, err)
	return fresh
}

// openByURL fetches a stored blob through the key embedded in its URL.
func (h *harness) openByURL(t *testing.T, ctx *testcontext.Context, blobURL string) []byte {
	key := strings.TrimPrefix(blobURL, "http://blobs.test/files/")
	reader, err := h.blobs.Open(ctx, blobstore.Ref{Namespace: blobstore.NamespaceBlob, Key: key})
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	return data
}

func zipPayload(t *testing.T, files map[string]string) *bytes.Reader {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		entry, err := writer.Create(path)
		require.NoError(t, err)
		_, err = entry.Write([]byte(files[path]))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestReleaseFlatFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DisableDiffing: true})
	defer ctx.Check(h.service.Close)

	content := "flat bundle payload"
	sum := sha256.Sum256([]byte(content))

	pkg, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader(content), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)
	require.Equal(t, "v1", pkg.Label)
	require.Equal(t, registry.ReleaseMethodUpload, pkg.ReleaseMethod)
	require.Equal(t, hex.EncodeToString(sum[:]), pkg.PackageHash)
	require.Equal(t, int64(len(content)), pkg.Size)
	require.Equal(t, "owner@example.test", pkg.ReleasedBy)
	require.Empty(t, pkg.ManifestBlobURL)
	require.Equal(t, content, string(h.openByURL(t, ctx, pkg.BlobURL)))

	head := h.reload(t, ctx, h.staging)
	require.NotNil(t, head.Package)
	require.Equal(t, "v1", head.Package.Label)

	// same payload, same version
	_, err = h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader(content), release.Info{AppVersion: "1.0.0"})
	require.True(t, registry.ErrConflict.Has(err))

	// same payload is fine for a different binary version
	pkg2, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader(content), release.Info{AppVersion: "1.1.0"})
	require.NoError(t, err)
	require.Equal(t, "v2", pkg2.Label)
}

func TestReleaseValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DisableDiffing: true})
	defer ctx.Check(h.service.Close)

	_, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("content"), release.Info{AppVersion: "not a version"})
	require.True(t, registry.ErrInvalid.Has(err))

	_, err = h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader(""), release.Info{AppVersion: "1.0.0"})
	require.True(t, registry.ErrInvalid.Has(err))

	percent := 300
	_, err = h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("content"), release.Info{AppVersion: "1.0.0", Rollout: &percent})
	require.True(t, registry.ErrInvalid.Has(err))
}

func TestReleaseInvalidatesCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DisableDiffing: true})
	defer ctx.Check(h.service.Close)

	err := h.cache.SetCachedResponse(ctx, h.staging.Key, "/updateCheck?x=1", live.CachedResponse{
		StatusCode: 200,
		Body:       json.RawMessage(`{"updateInfo":{}}`),
	})
	require.NoError(t, err)

	_, err = h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("payload"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)

	_, err = h.cache.GetCachedResponse(ctx, h.staging.Key, "/updateCheck?x=1")
	require.True(t, live.ErrCacheMiss.Has(err))
}

// brokenCache fails invalidation while delegating everything else.
type brokenCache struct {
	live.Gateway
	err error
}

func (cache *brokenCache) Invalidate(ctx context.Context, deploymentKey string) error {
	if cache.err != nil {
		return cache.err
	}
	return cache.Gateway.Invalidate(ctx, deploymentKey)
}

func TestCommitSurvivesCacheFault(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	db := registrydb.New(log, teststore.New())
	blobs, err := filestore.New(filestore.Config{
		Path:    ctx.Dir("blobs"),
		BaseURL: "http://blobs.test",
	})
	require.NoError(t, err)
	cache := &brokenCache{Gateway: memory.New(), err: errors.New("cache unreachable")}
	service := release.New(log, db, blobs, cache, release.Config{DisableDiffing: true})
	defer ctx.Check(service.Close)

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	app, err := db.Apps().Create(ctx, registry.App{
		Name: "Mobile",
		Collaborators: map[string]registry.Collaborator{
			owner.Email: {AccountID: owner.ID, Permission: registry.PermissionOwner},
		},
	})
	require.NoError(t, err)
	staging, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.NoError(t, err)

	// invalidation runs after the commit, so its failure never surfaces
	pkg, err := service.Release(ctx, app.ID, staging, owner.Email,
		strings.NewReader("payload"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)
	require.Equal(t, "v1", pkg.Label)

	disabled := true
	pkg, err = service.Patch(ctx, app.ID, staging, release.Info{IsDisabled: &disabled})
	require.NoError(t, err)
	require.True(t, pkg.IsDisabled)

	history, err := db.History().Get(ctx, staging.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].IsDisabled)
}

func TestReleaseBlobFailureLeavesNoTrace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	db := registrydb.New(log, teststore.New())
	inner := testblobs.New()
	blobs := testblobs.NewBad(inner)
	service := release.New(log, db, blobs, memory.New(), release.Config{DisableDiffing: true})
	defer ctx.Check(service.Close)

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	app, err := db.Apps().Create(ctx, registry.App{
		Name: "Mobile",
		Collaborators: map[string]registry.Collaborator{
			owner.Email: {AccountID: owner.ID, Permission: registry.PermissionOwner},
		},
	})
	require.NoError(t, err)
	staging, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.NoError(t, err)

	boom := errors.New("blob backend unavailable")
	blobs.SetError(boom)

	_, err = service.Release(ctx, app.ID, staging, "owner@example.test",
		strings.NewReader("payload"), release.Info{AppVersion: "1.0.0"})
	require.ErrorIs(t, err, boom)

	// the failed upload commits nothing and stores nothing
	history, err := db.History().Get(ctx, staging.ID)
	require.NoError(t, err)
	require.Empty(t, history)
	require.Zero(t, inner.Len())

	blobs.SetError(nil)
	pkg, err := service.Release(ctx, app.ID, staging, "owner@example.test",
		strings.NewReader("payload"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)
	require.Equal(t, "v1", pkg.Label)
	require.Equal(t, 1, inner.Len())
}

func TestReleaseZipComputesDiffs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DiffConcurrency: 2, DiffPriorReleases: 5})

	first, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		zipPayload(t, map[string]string{
			"index.js":   "console.log(1)",
			"styles.css": "body {}",
			"legacy.js":  "old code",
		}), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)
	require.NotEmpty(t, first.ManifestBlobURL)

	second, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		zipPayload(t, map[string]string{
			"index.js":   "console.log(2)",
			"styles.css": "body {}",
			"extra.js":   "new module",
		}), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)

	// Close waits for the differ.
	require.NoError(t, h.service.Close())

	history, err := h.db.History().Get(ctx, h.staging.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	head := history[1]
	require.Equal(t, second.Label, head.Label)
	diff, ok := head.DiffPackageMap[first.PackageHash]
	require.True(t, ok, "expected a diff archive against the first release")
	require.NotZero(t, diff.Size)

	archive := h.openByURL(t, ctx, diff.URL)
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)

	names := make(map[string]string)
	for _, file := range reader.File {
		rc, err := file.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		names[file.Name] = string(data)
	}
	require.Equal(t, "console.log(2)", names["index.js"])
	require.Equal(t, "new module", names["extra.js"])
	_, unchanged := names["styles.css"]
	require.False(t, unchanged, "unchanged files do not belong in the diff")

	var deletions struct {
		DeletedFiles []string `json:"deletedFiles"`
	}
	require.NoError(t, json.Unmarshal([]byte(names[bundle.DeletionManifestName]), &deletions))
	require.Equal(t, []string{"legacy.js"}, deletions.DeletedFiles)
}

func TestPromote(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DisableDiffing: true})
	defer ctx.Check(h.service.Close)

	_, err := h.service.Promote(ctx, h.appID, h.staging, h.production, "owner@example.test", release.Info{})
	require.True(t, registry.ErrNotFound.Has(err))

	released, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("staging payload"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)

	staging := h.reload(t, ctx, h.staging)
	promoted, err := h.service.Promote(ctx, h.appID, staging, h.production, "other@example.test", release.Info{})
	require.NoError(t, err)
	require.Equal(t, "v1", promoted.Label)
	require.Equal(t, registry.ReleaseMethodPromote, promoted.ReleaseMethod)
	require.Equal(t, released.Label, promoted.OriginalLabel)
	require.Equal(t, "Staging", promoted.OriginalDeployment)
	require.Equal(t, released.PackageHash, promoted.PackageHash)
	require.Equal(t, released.BlobURL, promoted.BlobURL)
	require.Equal(t, "other@example.test", promoted.ReleasedBy)
	require.Nil(t, promoted.Rollout)

	// promoting the same payload again conflicts on the destination
	_, err = h.service.Promote(ctx, h.appID, staging, h.production, "other@example.test", release.Info{})
	require.True(t, registry.ErrConflict.Has(err))

	// overrides replace the copied metadata
	description := "hotfix for production"
	percent := 25
	_, err = h.service.Release(ctx, h.appID, staging, "owner@example.test",
		strings.NewReader("second payload"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)
	staging = h.reload(t, ctx, h.staging)
	overridden, err := h.service.Promote(ctx, h.appID, staging, h.production, "other@example.test", release.Info{
		Description: &description,
		Rollout:     &percent,
	})
	require.NoError(t, err)
	require.Equal(t, description, overridden.Description)
	require.Equal(t, 25, *overridden.Rollout)
}

func TestPromoteByLabel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DisableDiffing: true})
	defer ctx.Check(h.service.Close)

	_, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("first"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)
	_, err = h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("second"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)

	staging := h.reload(t, ctx, h.staging)
	promoted, err := h.service.Promote(ctx, h.appID, staging, h.production, "owner@example.test",
		release.Info{Label: "v1"})
	require.NoError(t, err)
	require.Equal(t, "v1", promoted.OriginalLabel)

	_, err = h.service.Promote(ctx, h.appID, staging, h.production, "owner@example.test",
		release.Info{Label: "v9"})
	require.True(t, registry.ErrNotFound.Has(err))
}

func TestRollback(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DisableDiffing: true})
	defer ctx.Check(h.service.Close)

	_, err := h.service.Rollback(ctx, h.appID, h.staging, "owner@example.test", "")
	require.True(t, registry.ErrNotFound.Has(err))

	first, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("first"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)

	_, err = h.service.Rollback(ctx, h.appID, h.staging, "owner@example.test", "")
	require.True(t, registry.ErrNotFound.Has(err), "single release has nothing to roll back to")

	_, err = h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("second"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)

	rolled, err := h.service.Rollback(ctx, h.appID, h.staging, "owner@example.test", "")
	require.NoError(t, err)
	require.Equal(t, "v3", rolled.Label)
	require.Equal(t, registry.ReleaseMethodRollback, rolled.ReleaseMethod)
	require.Equal(t, first.Label, rolled.OriginalLabel)
	require.Equal(t, first.PackageHash, rolled.PackageHash)

	// the head now carries the first payload again
	_, err = h.service.Rollback(ctx, h.appID, h.staging, "owner@example.test", "v1")
	require.True(t, registry.ErrConflict.Has(err), "head and target share the payload")
}

func TestRollbackAcrossBinaryVersions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DisableDiffing: true})
	defer ctx.Check(h.service.Close)

	_, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("first"), release.Info{AppVersion: "1.0.0"})
	require.NoError(t, err)
	_, err = h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("second"), release.Info{AppVersion: "2.0.0"})
	require.NoError(t, err)

	_, err = h.service.Rollback(ctx, h.appID, h.staging, "owner@example.test", "")
	require.True(t, registry.ErrConflict.Has(err))
}

func TestPatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DisableDiffing: true})
	defer ctx.Check(h.service.Close)

	percent := 20
	_, err := h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		strings.NewReader("payload"), release.Info{AppVersion: "1.0.0", Rollout: &percent})
	require.NoError(t, err)

	_, err = h.service.Patch(ctx, h.appID, h.staging, release.Info{})
	require.True(t, registry.ErrInvalid.Has(err), "no fields to update")

	lower := 10
	_, err = h.service.Patch(ctx, h.appID, h.staging, release.Info{Rollout: &lower})
	require.True(t, registry.ErrConflict.Has(err), "rollout may only increase")

	higher := 50
	patched, err := h.service.Patch(ctx, h.appID, h.staging, release.Info{Rollout: &higher})
	require.NoError(t, err)
	require.Equal(t, 50, *patched.Rollout)

	full := 100
	patched, err = h.service.Patch(ctx, h.appID, h.staging, release.Info{Rollout: &full})
	require.NoError(t, err)
	require.Nil(t, patched.Rollout, "a finished rollout is stored as fully rolled out")

	again := 80
	_, err = h.service.Patch(ctx, h.appID, h.staging, release.Info{Rollout: &again})
	require.True(t, registry.ErrConflict.Has(err), "finished rollouts cannot restart")

	description := "patched description"
	mandatory := true
	patched, err = h.service.Patch(ctx, h.appID, h.staging, release.Info{
		Description: &description,
		IsMandatory: &mandatory,
	})
	require.NoError(t, err)
	require.Equal(t, description, patched.Description)
	require.True(t, patched.IsMandatory)

	// the patched head is what the history now carries
	history, err := h.db.History().Get(ctx, h.staging.ID)
	require.NoError(t, err)
	require.Equal(t, description, history[len(history)-1].Description)

	_, err = h.service.Patch(ctx, h.appID, h.staging, release.Info{Label: "v7", Description: &description})
	require.True(t, registry.ErrNotFound.Has(err))
}

func TestReleaseRejectsTraversal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t, ctx, release.Config{DisableDiffing: true})
	defer ctx.Check(h.service.Close)

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	entry, err := writer.Create("../escape.js")
	require.NoError(t, err)
	_, err = entry.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	_, err = h.service.Release(ctx, h.appID, h.staging, "owner@example.test",
		bytes.NewReader(buf.Bytes()), release.Info{AppVersion: "1.0.0"})
	require.True(t, registry.ErrInvalid.Has(err))
}
