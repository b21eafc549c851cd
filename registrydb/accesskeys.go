// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registrydb

import (
	"context"
	"sort"

	"updraft.dev/updraft/kvstore"
	"updraft.dev/updraft/registry"
)

// accessKeys implements registry.AccessKeys.
type accessKeys struct {
	db *DB
}

func (store *accessKeys) Create(ctx context.Context, key registry.AccessKey) (_ *registry.AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := registry.ValidateFriendlyName(key.FriendlyName); err != nil {
		return nil, err
	}
	if key.Digest == "" {
		return nil, registry.ErrInvalid.New("access key digest is required")
	}
	if key.AccountID == "" {
		return nil, registry.ErrInvalid.New("access key account is required")
	}
	if key.CreatedTime == 0 {
		key.CreatedTime = registry.NowMillis()
	}
	if err := store.checkNameFree(ctx, key.AccountID, key.FriendlyName); err != nil {
		return nil, err
	}

	value, err := encode(key)
	if err != nil {
		return nil, err
	}
	err = store.db.kv.CompareAndSwap(ctx, accessKeyKey(key.Digest), nil, value)
	if err != nil {
		if kvstore.ErrValueChanged.Has(err) {
			return nil, registry.ErrAlreadyExists.New("access key already exists")
		}
		return nil, Error.Wrap(err)
	}
	return &key, nil
}

// checkNameFree guards the per-account friendly name uniqueness. Keys are
// addressed by friendly name, so a duplicate would shadow the older key.
func (store *accessKeys) checkNameFree(ctx context.Context, accountID, friendlyName string) error {
	keys, err := store.ListByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for i := range keys {
		if keys[i].FriendlyName == friendlyName {
			return registry.ErrAlreadyExists.New("access key named %q already exists", friendlyName)
		}
	}
	return nil
}

func (store *accessKeys) GetByDigest(ctx context.Context, digest string) (_ *registry.AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := store.db.kv.Get(ctx, accessKeyKey(digest))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, registry.ErrNotFound.New("access key")
		}
		return nil, Error.Wrap(err)
	}
	var key registry.AccessKey
	if err := decode(value, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (store *accessKeys) ListByAccount(ctx context.Context, accountID string) (_ []registry.AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	var keys []registry.AccessKey
	err = store.db.rangePrefix(ctx, accessKeyPrefix, func(_ string, value kvstore.Value) error {
		var key registry.AccessKey
		if err := decode(value, &key); err != nil {
			return err
		}
		if key.AccountID == accountID {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(keys, func(i, k int) bool {
		if keys[i].CreatedTime != keys[k].CreatedTime {
			return keys[i].CreatedTime < keys[k].CreatedTime
		}
		return keys[i].FriendlyName < keys[k].FriendlyName
	})
	return keys, nil
}

func (store *accessKeys) Update(ctx context.Context, key registry.AccessKey) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := registry.ValidateFriendlyName(key.FriendlyName); err != nil {
		return err
	}
	existing, err := store.GetByDigest(ctx, key.Digest)
	if err != nil {
		return err
	}
	if key.FriendlyName != existing.FriendlyName {
		if err := store.checkNameFree(ctx, existing.AccountID, key.FriendlyName); err != nil {
			return err
		}
	}
	// The digest and provenance are fixed at creation.
	key.AccountID = existing.AccountID
	key.CreatedBy = existing.CreatedBy
	key.CreatedTime = existing.CreatedTime

	value, err := encode(key)
	if err != nil {
		return err
	}
	return Error.Wrap(store.db.kv.Put(ctx, accessKeyKey(key.Digest), value))
}

func (store *accessKeys) Delete(ctx context.Context, digest string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := store.GetByDigest(ctx, digest); err != nil {
		return err
	}
	return Error.Wrap(store.db.kv.Delete(ctx, accessKeyKey(digest)))
}
