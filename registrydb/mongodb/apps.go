// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package mongodb

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

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

	_, err = store.db.apps.InsertOne(ctx, encodeApp(app))
	if err != nil {
		if isDuplicate(err) {
			return nil, registry.ErrAlreadyExists.New("app named %q already exists", app.Name)
		}
		return nil, Error.Wrap(err)
	}
	return &app, nil
}

func (store *apps) Get(ctx context.Context, id string) (_ *registry.App, err error) {
	defer mon.Task()(&ctx)(&err)

	var doc appDoc
	err = store.db.apps.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, registry.ErrNotFound.New("app %s", id)
		}
		return nil, Error.Wrap(err)
	}
	app := doc.decode()
	return &app, nil
}

func (store *apps) GetByName(ctx context.Context, accountID, name string) (_ *registry.App, err error) {
	defer mon.Task()(&ctx)(&err)

	var doc appDoc
	err = store.db.apps.FindOne(ctx, bson.M{"collaborators.accountId": accountID, "name": name}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, registry.ErrNotFound.New("app %q", name)
		}
		return nil, Error.Wrap(err)
	}
	app := doc.decode()
	return &app, nil
}

func (store *apps) ListByAccount(ctx context.Context, accountID string) (_ []registry.App, err error) {
	defer mon.Task()(&ctx)(&err)

	cursor, err := store.db.apps.Find(ctx, bson.M{"collaborators.accountId": accountID},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var docs []appDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, Error.Wrap(err)
	}
	apps := make([]registry.App, 0, len(docs))
	for _, doc := range docs {
		apps = append(apps, doc.decode())
	}
	return apps, nil
}

func (store *apps) Update(ctx context.Context, app registry.App) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := app.Validate(); err != nil {
		return err
	}
	doc := encodeApp(app)
	result, err := store.db.apps.UpdateOne(ctx, bson.M{"_id": app.ID}, bson.M{"$set": bson.M{
		"name":          doc.Name,
		"collaborators": doc.Collaborators,
	}})
	if err != nil {
		if isDuplicate(err) {
			return registry.ErrAlreadyExists.New("app named %q already exists", app.Name)
		}
		return Error.Wrap(err)
	}
	if result.MatchedCount == 0 {
		return registry.ErrNotFound.New("app %s", app.ID)
	}
	return nil
}

func (store *apps) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := store.db.apps.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return Error.Wrap(err)
	}
	if result.DeletedCount == 0 {
		return registry.ErrNotFound.New("app %s", id)
	}
	return nil
}
