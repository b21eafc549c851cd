// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package release

import (
	"context"
	"io"
	"os"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"updraft.dev/updraft/appversion"
	"updraft.dev/updraft/bundle"
	"updraft.dev/updraft/registry"
)

// spawnDiff schedules diff archive computation for a freshly committed
// release. The task outlives the request that spawned it; Close waits for
// tasks in flight. Failures never surface to the release call.
func (service *Service) spawnDiff(ctx context.Context, appID string, deployment registry.Deployment, label string) {
	if service.config.DisableDiffing || service.config.DiffPriorReleases <= 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	started := service.differ.Go(detached, func() {
		if err := service.computeDiffs(detached, appID, deployment, label); err != nil {
			service.log.Warn("diff archive computation failed",
				zap.String("deployment", deployment.Name),
				zap.String("label", label),
				zap.Error(err))
		}
	})
	if !started {
		service.log.Debug("diff computation rejected, service closing",
			zap.String("deployment", deployment.Name),
			zap.String("label", label))
	}
}

// computeDiffs builds diff archives from recent prior releases up to the
// release carrying label, uploads them, and records them in the release's
// DiffPackageMap. A failing prior leaves the map partial; devices on that
// release fall back to the full download.
func (service *Service) computeDiffs(ctx context.Context, appID string, deployment registry.Deployment, label string) (err error) {
	defer mon.Task()(&ctx)(&err)

	history, err := service.db.History().Get(ctx, deployment.ID)
	if err != nil {
		return err
	}
	target := findLabel(history, label)
	if target == nil {
		// cleared or rolled out of the history cap in the meantime
		return nil
	}
	if target.ManifestBlobURL == "" {
		// flat files have no manifest to diff
		return nil
	}

	priors := diffCandidates(history, target, service.config.DiffPriorReleases)
	if len(priors) == 0 {
		return nil
	}

	newManifest, err := service.readManifest(ctx, target.PackageHash)
	if err != nil {
		return err
	}
	archivePath, err := service.fetchPayload(ctx, target.PackageHash)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archivePath) }()

	diffs := make(map[string]registry.DiffBlobInfo, len(priors))
	for _, prior := range priors {
		info, err := service.buildDiff(ctx, *target, archivePath, newManifest, prior)
		if err != nil {
			service.log.Warn("diff archive against prior release failed",
				zap.String("deployment", deployment.Name),
				zap.String("label", label),
				zap.String("prior", prior.Label),
				zap.Error(err))
			continue
		}
		diffs[prior.PackageHash] = info
	}
	if len(diffs) == 0 {
		return nil
	}

	// Reload so the write carries any metadata patched while diffing. The
	// window between this read and the update stays racy; a lost patch here
	// costs a stale description, never a wrong payload.
	history, err = service.db.History().Get(ctx, deployment.ID)
	if err != nil {
		return err
	}
	fresh := findLabel(history, label)
	if fresh == nil {
		return nil
	}
	updated := fresh.Clone()
	if updated.DiffPackageMap == nil {
		updated.DiffPackageMap = make(map[string]registry.DiffBlobInfo, len(diffs))
	}
	for hash, info := range diffs {
		updated.DiffPackageMap[hash] = info
	}
	if err := service.db.History().Update(ctx, appID, deployment.ID, updated); err != nil {
		return err
	}
	service.invalidate(ctx, deployment.Key)
	return nil
}

// diffCandidates picks the prior releases that receive diff archives: the
// newest releases before target that are zip payloads targeting the same
// binary range, at most limit, one per distinct package hash.
func diffCandidates(history []registry.Package, target *registry.Package, limit int) []registry.Package {
	targetIndex := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Label == target.Label {
			targetIndex = i
			break
		}
	}

	seen := map[string]bool{target.PackageHash: true}
	var priors []registry.Package
	for i := targetIndex - 1; i >= 0 && len(priors) < limit; i-- {
		prior := history[i]
		if prior.ManifestBlobURL == "" || seen[prior.PackageHash] {
			continue
		}
		if !sameAppVersion(prior.AppVersion, target.AppVersion) {
			continue
		}
		seen[prior.PackageHash] = true
		priors = append(priors, prior)
	}
	return priors
}

// sameAppVersion reports whether two releases target the same binaries:
// exact versions compare by spelling, ranges by their canonical expansion.
func sameAppVersion(a, b string) bool {
	if appversion.IsExactVersion(a) || appversion.IsExactVersion(b) {
		return a == b
	}
	canonicalA, err := appversion.CanonicalRange(a)
	if err != nil {
		return false
	}
	canonicalB, err := appversion.CanonicalRange(b)
	if err != nil {
		return false
	}
	return canonicalA == canonicalB
}

// buildDiff assembles, uploads and describes the diff archive that brings
// prior up to target.
func (service *Service) buildDiff(ctx context.Context, target registry.Package, archivePath string, newManifest bundle.Manifest, prior registry.Package) (_ registry.DiffBlobInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	priorManifest, err := service.readManifest(ctx, prior.PackageHash)
	if err != nil {
		return registry.DiffBlobInfo{}, err
	}
	changed, deleted := bundle.Diff(priorManifest, newManifest)

	tmp, err := os.CreateTemp("", "updraft-diff-*")
	if err != nil {
		return registry.DiffBlobInfo{}, Error.Wrap(err)
	}
	diffPath := tmp.Name()
	defer func() { _ = os.Remove(diffPath) }()
	if err := tmp.Close(); err != nil {
		return registry.DiffBlobInfo{}, Error.Wrap(err)
	}

	if err := bundle.WriteDiffArchive(diffPath, archivePath, changed, deleted); err != nil {
		return registry.DiffBlobInfo{}, err
	}

	ref := diffRef(target.PackageHash, prior.PackageHash)
	file, err := os.Open(diffPath)
	if err != nil {
		return registry.DiffBlobInfo{}, Error.Wrap(err)
	}
	size, err := service.blobs.Put(ctx, ref, file)
	if err := errs.Combine(err, file.Close()); err != nil {
		return registry.DiffBlobInfo{}, Error.Wrap(err)
	}
	url, err := service.blobs.URL(ctx, ref)
	if err != nil {
		return registry.DiffBlobInfo{}, Error.Wrap(err)
	}
	return registry.DiffBlobInfo{Size: size, URL: url}, nil
}

// readManifest loads and parses the stored manifest of a zip release.
func (service *Service) readManifest(ctx context.Context, packageHash string) (_ bundle.Manifest, err error) {
	reader, err := service.blobs.Open(ctx, manifestRef(packageHash))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return bundle.ParseManifest(data)
}

// fetchPayload copies a stored payload back to local disk. The caller
// removes the file.
func (service *Service) fetchPayload(ctx context.Context, packageHash string) (_ string, err error) {
	reader, err := service.blobs.Open(ctx, payloadRef(packageHash))
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	tmp, err := os.CreateTemp("", "updraft-payload-*")
	if err != nil {
		return "", Error.Wrap(err)
	}
	path := tmp.Name()
	_, err = io.Copy(tmp, reader)
	if err := errs.Combine(err, tmp.Close()); err != nil {
		_ = os.Remove(path)
		return "", Error.Wrap(err)
	}
	return path, nil
}
