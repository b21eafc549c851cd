// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registrydb

import (
	"context"

	"github.com/google/uuid"

	"updraft.dev/updraft/kvstore"
	"updraft.dev/updraft/registry"
)

// accounts implements registry.Accounts.
type accounts struct {
	db *DB
}

func (store *accounts) Create(ctx context.Context, account registry.Account) (_ *registry.Account, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := registry.ValidateEmail(account.Email); err != nil {
		return nil, err
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedTime == 0 {
		account.CreatedTime = registry.NowMillis()
	}

	// The email index row is the uniqueness guard: creating it must not
	// overwrite anything.
	err = store.db.kv.CompareAndSwap(ctx, accountEmailKey(account.Email), nil, kvstore.Value(account.ID))
	if err != nil {
		if kvstore.ErrValueChanged.Has(err) {
			return nil, registry.ErrAlreadyExists.New("account with email %q already exists", account.Email)
		}
		return nil, Error.Wrap(err)
	}

	value, err := encode(account)
	if err != nil {
		return nil, err
	}
	if err := store.db.kv.Put(ctx, accountKey(account.ID), value); err != nil {
		return nil, Error.Wrap(err)
	}
	return &account, nil
}

func (store *accounts) Get(ctx context.Context, id string) (_ *registry.Account, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := store.db.kv.Get(ctx, accountKey(id))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, registry.ErrNotFound.New("account %s", id)
		}
		return nil, Error.Wrap(err)
	}
	var account registry.Account
	if err := decode(value, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (store *accounts) GetByEmail(ctx context.Context, email string) (_ *registry.Account, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := store.db.kv.Get(ctx, accountEmailKey(email))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, registry.ErrNotFound.New("account with email %q", email)
		}
		return nil, Error.Wrap(err)
	}
	return store.Get(ctx, string(value))
}
