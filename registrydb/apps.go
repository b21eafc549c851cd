// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registrydb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"updraft.dev/updraft/kvstore"
	"updraft.dev/updraft/registry"
)

// apps implements registry.Apps.
type apps struct {
	db *DB
}

func (store *apps) Create(ctx context.Context, app registry.App) (_ *registry.App, err error) {
	defer mon.Task()(&ctx)(&err)

	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.CreatedTime == 0 {
		app.CreatedTime = registry.NowMillis()
	}
	if err := app.Validate(); err != nil {
		return nil, err
	}

	if err := store.claimNames(ctx, &app, nil); err != nil {
		return nil, err
	}

	value, err := encode(app)
	if err != nil {
		return nil, err
	}
	if err := store.db.kv.Put(ctx, appKey(app.ID), value); err != nil {
		return nil, Error.Wrap(err)
	}
	return &app, nil
}

func (store *apps) Get(ctx context.Context, id string) (_ *registry.App, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := store.db.kv.Get(ctx, appKey(id))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, registry.ErrNotFound.New("app %s", id)
		}
		return nil, Error.Wrap(err)
	}
	var app registry.App
	if err := decode(value, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

func (store *apps) GetByName(ctx context.Context, accountID, name string) (_ *registry.App, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := store.db.kv.Get(ctx, appNameKey(accountID, name))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, registry.ErrNotFound.New("app %q", name)
		}
		return nil, Error.Wrap(err)
	}
	return store.Get(ctx, string(value))
}

func (store *apps) ListByAccount(ctx context.Context, accountID string) (_ []registry.App, err error) {
	defer mon.Task()(&ctx)(&err)

	var ids []string
	err = store.db.rangePrefix(ctx, appNamePrefix+accountID+"/", func(_ string, value kvstore.Value) error {
		ids = append(ids, string(value))
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	apps := make([]registry.App, 0, len(ids))
	for _, id := range ids {
		app, err := store.Get(ctx, id)
		if err != nil {
			// The name row outlives the app for the duration of a
			// delete; skip the torn window.
			if registry.ErrNotFound.Has(err) {
				continue
			}
			return nil, err
		}
		apps = append(apps, *app)
	}
	sort.Slice(apps, func(i, k int) bool {
		if apps[i].Name != apps[k].Name {
			return apps[i].Name < apps[k].Name
		}
		return apps[i].ID < apps[k].ID
	})
	return apps, nil
}

func (store *apps) Update(ctx context.Context, app registry.App) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := app.Validate(); err != nil {
		return err
	}
	existing, err := store.Get(ctx, app.ID)
	if err != nil {
		return err
	}
	app.CreatedTime = existing.CreatedTime

	if err := store.claimNames(ctx, &app, existing); err != nil {
		return err
	}

	value, err := encode(app)
	if err != nil {
		return err
	}
	if err := store.db.kv.Put(ctx, appKey(app.ID), value); err != nil {
		return Error.Wrap(err)
	}

	// Drop the index rows that no longer belong to the app: renamed away
	// or held by removed collaborators.
	for _, c := range existing.Collaborators {
		if existing.Name == app.Name {
			if _, _, ok := app.CollaboratorByAccount(c.AccountID); ok {
				continue
			}
		}
		err := store.db.kv.Delete(ctx, appNameKey(c.AccountID, existing.Name))
		if err != nil && !kvstore.ErrKeyNotFound.Has(err) {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (store *apps) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	app, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range app.Collaborators {
		err := store.db.kv.Delete(ctx, appNameKey(c.AccountID, app.Name))
		if err != nil && !kvstore.ErrKeyNotFound.Has(err) {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(store.db.kv.Delete(ctx, appKey(id)))
}

// claimNames creates the per-collaborator name index rows for app. Rows
// already held by a previous revision of the app are kept; claiming a row
// held by a different app surfaces ErrAlreadyExists and releases every row
// claimed so far, so a failed mutation leaves no trace.
func (store *apps) claimNames(ctx context.Context, app, previous *registry.App) error {
	held := func(accountID string) bool {
		if previous == nil || previous.Name != app.Name {
			return false
		}
		_, _, ok := previous.CollaboratorByAccount(accountID)
		return ok
	}

	var claimed []kvstore.Key
	release := func() {
		for _, key := range claimed {
			_ = store.db.kv.Delete(ctx, key)
		}
	}

	for _, c := range app.Collaborators {
		if held(c.AccountID) {
			continue
		}
		key := appNameKey(c.AccountID, app.Name)
		err := store.db.kv.CompareAndSwap(ctx, key, nil, kvstore.Value(app.ID))
		if err != nil {
			release()
			if kvstore.ErrValueChanged.Has(err) {
				return registry.ErrAlreadyExists.New("app named %q already exists", app.Name)
			}
			return Error.Wrap(err)
		}
		claimed = append(claimed, key)
	}
	return nil
}
