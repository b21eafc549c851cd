// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

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

	_, err = store.db.accessKeys.InsertOne(ctx, encodeAccessKey(key))
	if err != nil {
		if isDuplicate(err) {
			return nil, registry.ErrAlreadyExists.New("access key already exists")
		}
		return nil, Error.Wrap(err)
	}
	return &key, nil
}

// checkNameFree guards the per-account friendly name uniqueness. Keys are
// addressed by friendly name, so a duplicate would shadow the older key.
func (store *accessKeys) checkNameFree(ctx context.Context, accountID, friendlyName string) error {
	err := store.db.accessKeys.FindOne(ctx,
		bson.M{"accountId": accountID, "friendlyName": friendlyName}).Err()
	if err == nil {
		return registry.ErrAlreadyExists.New("access key named %q already exists", friendlyName)
	}
	if !isNoDocuments(err) {
		return Error.Wrap(err)
	}
	return nil
}

func (store *accessKeys) GetByDigest(ctx context.Context, digest string) (_ *registry.AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	var doc accessKeyDoc
	err = store.db.accessKeys.FindOne(ctx, bson.M{"_id": digest}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, registry.ErrNotFound.New("access key")
		}
		return nil, Error.Wrap(err)
	}
	key := doc.decode()
	return &key, nil
}

func (store *accessKeys) ListByAccount(ctx context.Context, accountID string) (_ []registry.AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	cursor, err := store.db.accessKeys.Find(ctx, bson.M{"accountId": accountID},
		options.Find().SetSort(bson.D{{Key: "createdTime", Value: 1}, {Key: "friendlyName", Value: 1}}))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var docs []accessKeyDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, Error.Wrap(err)
	}
	keys := make([]registry.AccessKey, 0, len(docs))
	for _, doc := range docs {
		keys = append(keys, doc.decode())
	}
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
	result, err := store.db.accessKeys.UpdateOne(ctx, bson.M{"_id": key.Digest}, bson.M{"$set": bson.M{
		"friendlyName": key.FriendlyName,
		"expires":      key.Expires,
		"lastUsed":     key.LastUsed,
	}})
	if err != nil {
		return Error.Wrap(err)
	}
	if result.MatchedCount == 0 {
		return registry.ErrNotFound.New("access key")
	}
	return nil
}

func (store *accessKeys) Delete(ctx context.Context, digest string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := store.db.accessKeys.DeleteOne(ctx, bson.M{"_id": digest})
	if err != nil {
		return Error.Wrap(err)
	}
	if result.DeletedCount == 0 {
		return registry.ErrNotFound.New("access key")
	}
	return nil
}
