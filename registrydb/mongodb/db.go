// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package mongodb implements registry.DB on a MongoDB replica set, for
// deployments where several service replicas share the metadata store.
//
// Uniqueness constraints live in unique indexes; history commits serialize
// through a revision counter checked on every write, so the guarantees match
// the key-value implementation exactly.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"updraft.dev/updraft/registry"
)

var (
	// Error is the default mongodb registry error class.
	Error = errs.Class("mongodb")

	mon = monkit.Package()
)

// defaultDatabase is used when the connection URI names no database.
const defaultDatabase = "updraft"

// connectTimeout bounds the initial ping.
const connectTimeout = 10 * time.Second

// DB implements registry.DB on mongodb.
type DB struct {
	log    *zap.Logger
	client *mongo.Client
	db     *mongo.Database

	accounts    *mongo.Collection
	accessKeys  *mongo.Collection
	apps        *mongo.Collection
	deployments *mongo.Collection
	history     *mongo.Collection
}

// Open connects to the mongodb named by the URI, verifies the connection and
// ensures the unique indexes exist.
func Open(ctx context.Context, log *zap.Logger, uri string) (*DB, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, registry.ErrConnectionFailed.Wrap(errs.Combine(err, client.Disconnect(ctx)))
	}

	database := client.Database(databaseName(uri))
	db := &DB{
		log:    log,
		client: client,
		db:     database,

		accounts:    database.Collection("accounts"),
		accessKeys:  database.Collection("accessKeys"),
		apps:        database.Collection("apps"),
		deployments: database.Collection("deployments"),
		history:     database.Collection("history"),
	}
	if err := db.ensureIndexes(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, client.Disconnect(ctx)))
	}
	return db, nil
}

// databaseName extracts the database from the connection URI path.
func databaseName(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return defaultDatabase
	}
	name := strings.Trim(parsed.Path, "/")
	if name == "" {
		return defaultDatabase
	}
	return name
}

func (db *DB) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	_, err := db.accounts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "emailLower", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return err
	}
	// Multikey over the collaborator array: no two apps sharing a
	// collaborator account may share a name.
	_, err = db.apps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "collaborators.accountId", Value: 1}, {Key: "name", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return err
	}
	_, err = db.deployments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "appId", Value: 1}, {Key: "name", Value: 1}}, Options: unique},
	})
	if err != nil {
		return err
	}
	_, err = db.accessKeys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "accountId", Value: 1}},
	})
	return err
}

// Accounts returns the accounts repository.
func (db *DB) Accounts() registry.Accounts { return &accounts{db: db} }

// AccessKeys returns the access keys repository.
func (db *DB) AccessKeys() registry.AccessKeys { return &accessKeys{db: db} }

// Apps returns the apps repository.
func (db *DB) Apps() registry.Apps { return &apps{db: db} }

// Deployments returns the deployments repository.
func (db *DB) Deployments() registry.Deployments { return &deployments{db: db} }

// History returns the package history repository.
func (db *DB) History() registry.History { return &history{db: db} }

// CheckHealth verifies the server answers pings.
func (db *DB) CheckHealth(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := db.client.Ping(ctx, nil); err != nil {
		return registry.ErrConnectionFailed.Wrap(err)
	}
	return nil
}

// Close disconnects from the server.
func (db *DB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return Error.Wrap(db.client.Disconnect(ctx))
}

// isDuplicate reports whether err is a unique index violation.
func isDuplicate(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

// isNoDocuments reports whether err means the filter matched nothing.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
