// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registrydb

import (
	"context"

	"updraft.dev/updraft/kvstore"
	"updraft.dev/updraft/registry"
)

// commitRetries bounds the compare-and-swap loop that serializes commits
// against one deployment. Losing a round means another commit just landed;
// the next round revalidates against it and usually fails with a conflict
// of its own (unfinished rollout, duplicate hash) rather than retrying
// forever.
const commitRetries = 5

// history implements registry.History.
type history struct {
	db *DB
}

func (store *history) Get(ctx context.Context, deploymentID string) (_ []registry.Package, err error) {
	defer mon.Task()(&ctx)(&err)

	packages, _, err := store.load(ctx, deploymentID)
	return packages, err
}

// load returns the history and the raw stored value used as the
// compare-and-swap token. A missing row decodes as empty history with a nil
// token.
func (store *history) load(ctx context.Context, deploymentID string) ([]registry.Package, kvstore.Value, error) {
	value, err := store.db.kv.Get(ctx, historyKey(deploymentID))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, nil, nil
		}
		return nil, nil, Error.Wrap(err)
	}
	var packages []registry.Package
	if err := decode(value, &packages); err != nil {
		return nil, nil, err
	}
	return packages, value, nil
}

func (store *history) Commit(ctx context.Context, appID, deploymentID string, pkg registry.Package) (_ *registry.Package, err error) {
	defer mon.Task()(&ctx)(&err)

	if pkg.UploadTime == 0 {
		pkg.UploadTime = registry.NowMillis()
	}

	for attempt := 0; attempt < commitRetries; attempt++ {
		packages, token, err := store.load(ctx, deploymentID)
		if err != nil {
			return nil, err
		}
		if err := registry.ValidateCommit(packages, pkg); err != nil {
			return nil, err
		}
		packages, committed := registry.AppendPackage(packages, pkg.Clone())

		value, err := encode(packages)
		if err != nil {
			return nil, err
		}
		err = store.db.kv.CompareAndSwap(ctx, historyKey(deploymentID), token, value)
		if err != nil {
			if kvstore.ErrValueChanged.Has(err) || kvstore.ErrKeyNotFound.Has(err) {
				continue
			}
			return nil, Error.Wrap(err)
		}

		if err := (&deployments{db: store.db}).refreshHead(ctx, appID, deploymentID, &committed); err != nil {
			return nil, err
		}
		return &committed, nil
	}
	return nil, registry.ErrConflict.New("deployment is being modified concurrently")
}

func (store *history) Update(ctx context.Context, appID, deploymentID string, pkg registry.Package) (err error) {
	defer mon.Task()(&ctx)(&err)

	if pkg.Label == "" {
		return registry.ErrInvalid.New("package label is required")
	}

	for attempt := 0; attempt < commitRetries; attempt++ {
		packages, token, err := store.load(ctx, deploymentID)
		if err != nil {
			return err
		}
		index := -1
		for i := range packages {
			if packages[i].Label == pkg.Label {
				index = i
				break
			}
		}
		if index < 0 {
			return registry.ErrNotFound.New("release %s", pkg.Label)
		}
		packages[index] = pkg.Clone()

		value, err := encode(packages)
		if err != nil {
			return err
		}
		err = store.db.kv.CompareAndSwap(ctx, historyKey(deploymentID), token, value)
		if err != nil {
			if kvstore.ErrValueChanged.Has(err) || kvstore.ErrKeyNotFound.Has(err) {
				continue
			}
			return Error.Wrap(err)
		}

		if index == len(packages)-1 {
			head := packages[index]
			return (&deployments{db: store.db}).refreshHead(ctx, appID, deploymentID, &head)
		}
		return nil
	}
	return registry.ErrConflict.New("deployment is being modified concurrently")
}

func (store *history) Replace(ctx context.Context, appID, deploymentID string, packages []registry.Package) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(packages) == 0 {
		return store.Clear(ctx, appID, deploymentID)
	}
	value, err := encode(packages)
	if err != nil {
		return err
	}
	if err := store.db.kv.Put(ctx, historyKey(deploymentID), value); err != nil {
		return Error.Wrap(err)
	}
	head := packages[len(packages)-1]
	return (&deployments{db: store.db}).refreshHead(ctx, appID, deploymentID, &head)
}

func (store *history) Clear(ctx context.Context, appID, deploymentID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := store.db.kv.Delete(ctx, historyKey(deploymentID)); err != nil && !kvstore.ErrKeyNotFound.Has(err) {
		return Error.Wrap(err)
	}
	return (&deployments{db: store.db}).refreshHead(ctx, appID, deploymentID, nil)
}
