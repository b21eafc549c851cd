// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"updraft.dev/updraft/registry"
)

// commitRetries bounds the revision-guarded write loop that serializes
// commits against one deployment.
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

// load returns the history and the revision used as the write guard. A
// missing document reads as empty history at revision zero.
func (store *history) load(ctx context.Context, deploymentID string) ([]registry.Package, int64, error) {
	var doc historyDoc
	err := store.db.history.FindOne(ctx, bson.M{"_id": deploymentID}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, 0, nil
		}
		return nil, 0, Error.Wrap(err)
	}
	return decodePackages(doc.Packages), doc.Revision, nil
}

// save writes packages guarded by the revision read alongside them. It
// reports false when another writer got there first.
func (store *history) save(ctx context.Context, appID, deploymentID string, packages []registry.Package, revision int64) (bool, error) {
	if revision == 0 {
		_, err := store.db.history.InsertOne(ctx, historyDoc{
			DeploymentID: deploymentID,
			AppID:        appID,
			Revision:     1,
			Packages:     encodePackages(packages),
		})
		if err != nil {
			if isDuplicate(err) {
				return false, nil
			}
			return false, Error.Wrap(err)
		}
		return true, nil
	}

	result, err := store.db.history.UpdateOne(ctx,
		bson.M{"_id": deploymentID, "revision": revision},
		bson.M{
			"$set": bson.M{"packages": encodePackages(packages), "appId": appID},
			"$inc": bson.M{"revision": 1},
		})
	if err != nil {
		return false, Error.Wrap(err)
	}
	return result.MatchedCount > 0, nil
}

func (store *history) Commit(ctx context.Context, appID, deploymentID string, pkg registry.Package) (_ *registry.Package, err error) {
	defer mon.Task()(&ctx)(&err)

	if pkg.UploadTime == 0 {
		pkg.UploadTime = registry.NowMillis()
	}

	for attempt := 0; attempt < commitRetries; attempt++ {
		packages, revision, err := store.load(ctx, deploymentID)
		if err != nil {
			return nil, err
		}
		if err := registry.ValidateCommit(packages, pkg); err != nil {
			return nil, err
		}
		packages, committed := registry.AppendPackage(packages, pkg.Clone())

		saved, err := store.save(ctx, appID, deploymentID, packages, revision)
		if err != nil {
			return nil, err
		}
		if !saved {
			continue
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
		packages, revision, err := store.load(ctx, deploymentID)
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

		saved, err := store.save(ctx, appID, deploymentID, packages, revision)
		if err != nil {
			return err
		}
		if !saved {
			continue
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
	_, err = store.db.history.UpdateOne(ctx,
		bson.M{"_id": deploymentID},
		bson.M{
			"$set": bson.M{"packages": encodePackages(packages), "appId": appID},
			"$inc": bson.M{"revision": 1},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return Error.Wrap(err)
	}
	head := packages[len(packages)-1]
	return (&deployments{db: store.db}).refreshHead(ctx, appID, deploymentID, &head)
}

func (store *history) Clear(ctx context.Context, appID, deploymentID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := store.db.history.DeleteOne(ctx, bson.M{"_id": deploymentID}); err != nil {
		return Error.Wrap(err)
	}
	return (&deployments{db: store.db}).refreshHead(ctx, appID, deploymentID, nil)
}
