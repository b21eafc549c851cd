// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package mongodb

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

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

	_, err = store.db.accounts.InsertOne(ctx, encodeAccount(account))
	if err != nil {
		if isDuplicate(err) {
			return nil, registry.ErrAlreadyExists.New("account with email %q already exists", account.Email)
		}
		return nil, Error.Wrap(err)
	}
	return &account, nil
}

func (store *accounts) Get(ctx context.Context, id string) (_ *registry.Account, err error) {
	defer mon.Task()(&ctx)(&err)

	var doc accountDoc
	err = store.db.accounts.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, registry.ErrNotFound.New("account %s", id)
		}
		return nil, Error.Wrap(err)
	}
	account := doc.decode()
	return &account, nil
}

func (store *accounts) GetByEmail(ctx context.Context, email string) (_ *registry.Account, err error) {
	defer mon.Task()(&ctx)(&err)

	var doc accountDoc
	err = store.db.accounts.FindOne(ctx, bson.M{"emailLower": registry.NormalizeEmail(email)}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, registry.ErrNotFound.New("account with email %q", email)
		}
		return nil, Error.Wrap(err)
	}
	account := doc.decode()
	return &account, nil
}
