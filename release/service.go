// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package release ingests new packages into deployments: direct uploads,
// promotions between deployments, rollbacks to earlier releases, and
// metadata patches. Every mutation commits through the metadata store, which
// owns label assignment and the commit invariants, and invalidates the
// deployment's cached update decisions before returning.
package release

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"updraft.dev/updraft/appversion"
	"updraft.dev/updraft/blobstore"
	"updraft.dev/updraft/bundle"
	"updraft.dev/updraft/internal/sync2"
	"updraft.dev/updraft/live"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/rollout"
)

var (
	// Error is the default release error class.
	Error = errs.Class("release")

	mon = monkit.Package()
)

// Config configures the release service.
type Config struct {
	DiffConcurrency   int  `help:"how many diff archive computations may run at once" default:"2"`
	DiffPriorReleases int  `help:"how many prior releases receive a diff archive" default:"5"`
	DisableDiffing    bool `help:"skip diff archive computation after releases" default:"false"`
}

// Info is the operator-supplied metadata of a release operation. Pointer
// fields distinguish absent from zero so that patches touch only the fields
// the operator sent.
type Info struct {
	AppVersion  string  `json:"appVersion,omitempty"`
	Description *string `json:"description,omitempty"`
	IsDisabled  *bool   `json:"isDisabled,omitempty"`
	IsMandatory *bool   `json:"isMandatory,omitempty"`
	Label       string  `json:"label,omitempty"`
	Rollout     *int    `json:"rollout,omitempty"`
}

// Service implements the release operations over the metadata, blob and
// cache gateways.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     registry.DB
	blobs  blobstore.Blobs
	cache  live.Gateway
	config Config

	differ *sync2.Limiter
}

// New creates a release service.
func New(log *zap.Logger, db registry.DB, blobs blobstore.Blobs, cache live.Gateway, config Config) *Service {
	if config.DiffConcurrency < 1 {
		config.DiffConcurrency = 1
	}
	return &Service{
		log:    log,
		db:     db,
		blobs:  blobs,
		cache:  cache,
		config: config,
		differ: sync2.NewLimiter(config.DiffConcurrency),
	}
}

// Close waits for in-flight diff computations to finish.
func (service *Service) Close() error {
	service.differ.Wait()
	return nil
}

// Release stores the uploaded payload and commits it as the deployment's
// newest package. The payload is staged to a temporary file for hashing and
// is always cleaned up. Committing kicks off asynchronous diff computation
// against prior releases; the call returns before diffs exist.
func (service *Service) Release(ctx context.Context, appID string, deployment *registry.Deployment, releasedBy string, payload io.Reader, info Info) (_ *registry.Package, err error) {
	defer mon.Task()(&ctx)(&err)

	if info.AppVersion == "" || !appversion.ValidRange(info.AppVersion) {
		return nil, registry.ErrInvalid.New("app version %q is not a semver range", info.AppVersion)
	}
	if err := registry.ValidateRollout(info.Rollout); err != nil {
		return nil, err
	}

	history, err := service.db.History().Get(ctx, deployment.ID)
	if err != nil {
		return nil, err
	}
	// Fail before staging the payload when the head blocks commits anyway.
	// Commit revalidates on current state.
	if len(history) > 0 {
		head := history[len(history)-1]
		if head.UnfinishedRollout() && !head.IsDisabled {
			return nil, registry.ErrConflict.New("deployment head %s is an unfinished rollout", head.Label)
		}
	}

	upload, err := service.stage(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(upload.path) }()

	if last := registry.LastPackageHashWithSameAppVersion(history, info.AppVersion); last != "" && last == upload.packageHash {
		return nil, registry.ErrConflict.New("package is identical to the newest release for version %s", info.AppVersion)
	}

	blobURL, manifestURL, err := service.storePayload(ctx, upload)
	if err != nil {
		return nil, err
	}

	committed, err := service.db.History().Commit(ctx, appID, deployment.ID, registry.Package{
		AppVersion:      info.AppVersion,
		BlobURL:         blobURL,
		Description:     stringValue(info.Description),
		IsDisabled:      boolValue(info.IsDisabled),
		IsMandatory:     boolValue(info.IsMandatory),
		ManifestBlobURL: manifestURL,
		PackageHash:     upload.packageHash,
		ReleasedBy:      releasedBy,
		ReleaseMethod:   registry.ReleaseMethodUpload,
		Rollout:         clonePercent(info.Rollout),
		Size:            upload.size,
	})
	if err != nil {
		return nil, err
	}

	service.invalidate(ctx, deployment.Key)
	service.spawnDiff(ctx, appID, *deployment, committed.Label)
	return committed, nil
}

// Promote commits a copy of a source deployment's release into the
// destination deployment, keeping provenance. By default the source head is
// promoted; info.Label selects an earlier release. Operator-supplied fields
// override the copied ones; the rollout never carries over implicitly.
func (service *Service) Promote(ctx context.Context, appID string, source, destination *registry.Deployment, releasedBy string, info Info) (_ *registry.Package, err error) {
	defer mon.Task()(&ctx)(&err)

	if info.AppVersion != "" && !appversion.ValidRange(info.AppVersion) {
		return nil, registry.ErrInvalid.New("app version %q is not a semver range", info.AppVersion)
	}
	if err := registry.ValidateRollout(info.Rollout); err != nil {
		return nil, err
	}

	var pkg registry.Package
	if info.Label != "" {
		history, err := service.db.History().Get(ctx, source.ID)
		if err != nil {
			return nil, err
		}
		found := findLabel(history, info.Label)
		if found == nil {
			return nil, registry.ErrNotFound.New("release %q not found in deployment %q", info.Label, source.Name)
		}
		pkg = *found
	} else {
		if source.Package == nil {
			return nil, registry.ErrNotFound.New("deployment %q has no releases", source.Name)
		}
		pkg = *source.Package
	}
	if pkg.IsDisabled {
		return nil, registry.ErrNotFound.New("release %s of deployment %q is disabled", pkg.Label, source.Name)
	}

	promoted := pkg.Clone()
	promoted.Label = ""
	promoted.UploadTime = 0
	// Diff archives pair concrete hashes; the destination's history differs
	// from the source's, so the differ rebuilds the map from scratch.
	promoted.DiffPackageMap = nil
	promoted.OriginalLabel = pkg.Label
	promoted.OriginalDeployment = source.Name
	promoted.ReleaseMethod = registry.ReleaseMethodPromote
	promoted.ReleasedBy = releasedBy
	promoted.Rollout = clonePercent(info.Rollout)

	if info.AppVersion != "" {
		promoted.AppVersion = info.AppVersion
	}
	if info.Description != nil {
		promoted.Description = *info.Description
	}
	if info.IsDisabled != nil {
		promoted.IsDisabled = *info.IsDisabled
	}
	if info.IsMandatory != nil {
		promoted.IsMandatory = *info.IsMandatory
	}

	committed, err := service.db.History().Commit(ctx, appID, destination.ID, promoted)
	if err != nil {
		return nil, err
	}

	service.invalidate(ctx, destination.Key)
	service.spawnDiff(ctx, appID, *destination, committed.Label)
	return committed, nil
}

// Rollback re-releases an earlier package of the deployment: the release
// before the head by default, or the one named by targetLabel. The target
// must carry a different payload than the head and the same binary version;
// changing binaries requires a fresh upload.
func (service *Service) Rollback(ctx context.Context, appID string, deployment *registry.Deployment, releasedBy, targetLabel string) (_ *registry.Package, err error) {
	defer mon.Task()(&ctx)(&err)

	history, err := service.db.History().Get(ctx, deployment.ID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, registry.ErrNotFound.New("deployment %q has no releases", deployment.Name)
	}
	head := history[len(history)-1]

	var target registry.Package
	if targetLabel != "" {
		found := findLabel(history, targetLabel)
		if found == nil {
			return nil, registry.ErrNotFound.New("release %q not found in deployment %q", targetLabel, deployment.Name)
		}
		target = *found
	} else {
		if len(history) < 2 {
			return nil, registry.ErrNotFound.New("deployment %q has no earlier release to roll back to", deployment.Name)
		}
		target = history[len(history)-2]
	}

	if target.PackageHash == head.PackageHash {
		return nil, registry.ErrConflict.New("cannot roll back to the current release")
	}
	if target.AppVersion != head.AppVersion {
		return nil, registry.ErrConflict.New("cannot roll back from binary version %s to %s", head.AppVersion, target.AppVersion)
	}

	committed, err := service.db.History().Commit(ctx, appID, deployment.ID, registry.Package{
		AppVersion:      target.AppVersion,
		BlobURL:         target.BlobURL,
		Description:     target.Description,
		IsMandatory:     target.IsMandatory,
		ManifestBlobURL: target.ManifestBlobURL,
		OriginalLabel:   target.Label,
		PackageHash:     target.PackageHash,
		ReleasedBy:      releasedBy,
		ReleaseMethod:   registry.ReleaseMethodRollback,
		Size:            target.Size,
	})
	if err != nil {
		return nil, err
	}
	service.invalidate(ctx, deployment.Key)
	return committed, nil
}

// Patch edits the metadata of the deployment head, or of the release named
// by info.Label. At least one field must be present. A rollout may only move
// from unfinished to a strictly greater value; reaching 100 stores the
// release as fully rolled out.
func (service *Service) Patch(ctx context.Context, appID string, deployment *registry.Deployment, info Info) (_ *registry.Package, err error) {
	defer mon.Task()(&ctx)(&err)

	if info.AppVersion == "" && info.Description == nil &&
		info.IsDisabled == nil && info.IsMandatory == nil && info.Rollout == nil {
		return nil, registry.ErrInvalid.New("no fields to update")
	}
	if info.AppVersion != "" && !appversion.ValidRange(info.AppVersion) {
		return nil, registry.ErrInvalid.New("app version %q is not a semver range", info.AppVersion)
	}

	history, err := service.db.History().Get(ctx, deployment.ID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, registry.ErrNotFound.New("deployment %q has no releases", deployment.Name)
	}

	var pkg registry.Package
	if info.Label != "" {
		found := findLabel(history, info.Label)
		if found == nil {
			return nil, registry.ErrNotFound.New("release %q not found in deployment %q", info.Label, deployment.Name)
		}
		pkg = found.Clone()
	} else {
		pkg = history[len(history)-1].Clone()
	}

	if info.AppVersion != "" {
		pkg.AppVersion = info.AppVersion
	}
	if info.Description != nil {
		pkg.Description = *info.Description
	}
	if info.IsDisabled != nil {
		pkg.IsDisabled = *info.IsDisabled
	}
	if info.IsMandatory != nil {
		pkg.IsMandatory = *info.IsMandatory
	}
	if info.Rollout != nil {
		if err := registry.ValidateRollout(info.Rollout); err != nil {
			return nil, err
		}
		if !rollout.IsUnfinished(pkg.Rollout) {
			return nil, registry.ErrConflict.New("release %s is already fully rolled out", pkg.Label)
		}
		if *info.Rollout <= *pkg.Rollout {
			return nil, registry.ErrConflict.New("rollout may only increase: %d is not above %d", *info.Rollout, *pkg.Rollout)
		}
		if *info.Rollout == 100 {
			pkg.Rollout = nil
		} else {
			pkg.Rollout = clonePercent(info.Rollout)
		}
	}

	if err := service.db.History().Update(ctx, appID, deployment.ID, pkg); err != nil {
		return nil, err
	}
	service.invalidate(ctx, deployment.Key)
	return &pkg, nil
}

// invalidate drops the deployment's cached update decisions. It runs after
// the mutation is committed, so a failure cannot unwind anything: it is
// logged and the call still succeeds. Devices may see the previous release
// until the cache recovers.
func (service *Service) invalidate(ctx context.Context, deploymentKey string) {
	if err := service.cache.Invalidate(ctx, deploymentKey); err != nil {
		service.log.Error("cache invalidation failed after commit",
			zap.String("deploymentKey", deploymentKey), zap.Error(err))
	}
}

// staged is an uploaded payload written to local disk for hashing.
type staged struct {
	path        string
	size        int64
	packageHash string
	manifest    bundle.Manifest // nil for flat files
}

// stage copies the payload to a temporary file, detects whether it is a zip
// archive, and computes the package hash. The caller removes the file.
func (service *Service) stage(ctx context.Context, payload io.Reader) (_ *staged, err error) {
	defer mon.Task()(&ctx)(&err)

	tmp, err := os.CreateTemp("", "updraft-release-*")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	path := tmp.Name()
	size, err := io.Copy(tmp, payload)
	if err := errs.Combine(err, tmp.Close()); err != nil {
		_ = os.Remove(path)
		return nil, Error.Wrap(err)
	}
	if size == 0 {
		_ = os.Remove(path)
		return nil, registry.ErrInvalid.New("release payload is empty")
	}

	isZip, err := bundle.IsZip(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	result := &staged{path: path, size: size}
	if isZip {
		manifest, err := bundle.FromZip(path)
		if err != nil {
			_ = os.Remove(path)
			if bundle.ErrInvalidArchive.Has(err) {
				return nil, registry.ErrInvalid.Wrap(err)
			}
			return nil, err
		}
		result.manifest = manifest
		result.packageHash = manifest.PackageHash()
	} else {
		hash, err := bundle.HashFile(path)
		if err != nil {
			_ = os.Remove(path)
			return nil, err
		}
		result.packageHash = hash
	}
	return result, nil
}

// storePayload uploads the staged payload and, for zip archives, its
// serialized manifest. Blob keys derive from the package hash, so re-uploads
// of identical content land on the same blobs.
func (service *Service) storePayload(ctx context.Context, upload *staged) (blobURL, manifestURL string, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := os.Open(upload.path)
	if err != nil {
		return "", "", Error.Wrap(err)
	}
	_, err = service.blobs.Put(ctx, payloadRef(upload.packageHash), file)
	if err := errs.Combine(err, file.Close()); err != nil {
		return "", "", Error.Wrap(err)
	}
	blobURL, err = service.blobs.URL(ctx, payloadRef(upload.packageHash))
	if err != nil {
		return "", "", Error.Wrap(err)
	}

	if upload.manifest == nil {
		return blobURL, "", nil
	}
	serialized, err := upload.manifest.Serialize()
	if err != nil {
		return "", "", err
	}
	if _, err := service.blobs.Put(ctx, manifestRef(upload.packageHash), bytes.NewReader(serialized)); err != nil {
		return "", "", Error.Wrap(err)
	}
	manifestURL, err = service.blobs.URL(ctx, manifestRef(upload.packageHash))
	if err != nil {
		return "", "", Error.Wrap(err)
	}
	return blobURL, manifestURL, nil
}

// payloadRef addresses a release payload by its package hash.
func payloadRef(packageHash string) blobstore.Ref {
	return blobstore.Ref{Namespace: blobstore.NamespaceBlob, Key: packageHash}
}

// manifestRef addresses the serialized manifest of a zip release.
func manifestRef(packageHash string) blobstore.Ref {
	return blobstore.Ref{Namespace: blobstore.NamespaceBlob, Key: packageHash + ".manifest"}
}

// diffRef addresses the diff archive bringing priorHash up to packageHash.
func diffRef(packageHash, priorHash string) blobstore.Ref {
	return blobstore.Ref{Namespace: blobstore.NamespaceBlob, Key: packageHash + "." + priorHash + ".diff"}
}

func findLabel(history []registry.Package, label string) *registry.Package {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Label == label {
			return &history[i]
		}
	}
	return nil
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func boolValue(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}

func clonePercent(p *int) *int {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}
