// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package registrydb implements registry.DB over a key-value store.
//
// Entities are stored JSON-encoded under path-like keys. Secondary lookups
// (account email, per-collaborator app names, deployment keys) are separate
// index rows created with compare-and-swap so that unique constraints hold
// without store-level transactions. Package history lives under a single key
// per deployment and is mutated through a compare-and-swap loop, which is
// what serializes concurrent commits.
package registrydb

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"updraft.dev/updraft/kvstore"
	"updraft.dev/updraft/kvstore/boltdb"
	"updraft.dev/updraft/kvstore/teststore"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/registrydb/mongodb"
)

var (
	// Error is the default registrydb error class.
	Error = errs.Class("registrydb")

	mon = monkit.Package()
)

// boltBucket is the single bucket all registry rows live in.
const boltBucket = "registry"

// Open creates a registry.DB for the given database URL. Supported schemes:
//
//	bolt://<path>       persistent single-process store
//	mem:                volatile in-process store, for development and tests
//	mongodb://<uri>     document store, for multi-replica deployments
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (registry.DB, error) {
	switch {
	case strings.HasPrefix(databaseURL, "mongodb://"),
		strings.HasPrefix(databaseURL, "mongodb+srv://"):
		return mongodb.Open(ctx, log, databaseURL)
	case strings.HasPrefix(databaseURL, "bolt://"):
		store, err := boltdb.New(strings.TrimPrefix(databaseURL, "bolt://"), boltBucket)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return New(log, store), nil
	case databaseURL == "mem:", strings.HasPrefix(databaseURL, "mem://"):
		return New(log, teststore.New()), nil
	default:
		return nil, Error.New("unsupported database URL %q", databaseURL)
	}
}

// DB implements registry.DB over a kvstore.Store.
type DB struct {
	log *zap.Logger
	kv  kvstore.Store
}

// New wraps a key-value store into a registry.DB.
func New(log *zap.Logger, store kvstore.Store) *DB {
	return &DB{log: log, kv: store}
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

// CheckHealth verifies the backing store responds to reads.
func (db *DB) CheckHealth(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.kv.Get(ctx, kvstore.Key("health"))
	if err != nil && !kvstore.ErrKeyNotFound.Has(err) {
		return registry.ErrConnectionFailed.Wrap(err)
	}
	return nil
}

// Close closes the backing store.
func (db *DB) Close() error {
	return Error.Wrap(db.kv.Close())
}

// Key prefixes. Values under index prefixes are plain id strings or small
// JSON documents pointing at the primary row.
const (
	accountPrefix       = "accounts/"
	accountEmailPrefix  = "accountEmail/"
	appPrefix           = "apps/"
	appNamePrefix       = "appName/"
	deploymentPrefix    = "deployments/"
	deploymentKeyPrefix = "deploymentKeyIndex/"
	historyPrefix       = "history/"
	accessKeyPrefix     = "accessKeys/"
)

func accountKey(id string) kvstore.Key {
	return kvstore.Key(accountPrefix + id)
}

func accountEmailKey(email string) kvstore.Key {
	return kvstore.Key(accountEmailPrefix + url.QueryEscape(registry.NormalizeEmail(email)))
}

func appKey(id string) kvstore.Key {
	return kvstore.Key(appPrefix + id)
}

// appNameKey is the per-collaborator name index row. Every collaborator of an
// app holds one, which is what makes names unique among the apps an account
// can see, not globally.
func appNameKey(accountID, name string) kvstore.Key {
	return kvstore.Key(appNamePrefix + accountID + "/" + url.QueryEscape(name))
}

func deploymentKey(appID, deploymentID string) kvstore.Key {
	return kvstore.Key(deploymentPrefix + appID + "/" + deploymentID)
}

func deploymentKeyIndexKey(key string) kvstore.Key {
	return kvstore.Key(deploymentKeyPrefix + key)
}

func historyKey(deploymentID string) kvstore.Key {
	return kvstore.Key(historyPrefix + deploymentID)
}

func accessKeyKey(digest string) kvstore.Key {
	return kvstore.Key(accessKeyPrefix + digest)
}

// rangePrefix iterates the values stored under a key prefix.
func (db *DB) rangePrefix(ctx context.Context, prefix string, fn func(key string, value kvstore.Value) error) error {
	return db.kv.Range(ctx, func(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
		if !strings.HasPrefix(key.String(), prefix) {
			return nil
		}
		return fn(key.String(), value)
	})
}

func encode(v any) (kvstore.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return kvstore.Value(data), nil
}

func decode(value kvstore.Value, v any) error {
	return Error.Wrap(json.Unmarshal(value, v))
}
