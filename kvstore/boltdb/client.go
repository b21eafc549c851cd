// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package boltdb implements the kvstore.Store interface on bolt.
package boltdb

import (
	"bytes"
	"context"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"

	"updraft.dev/updraft/kvstore"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("boltdb")

const (
	// fileMode sets permissions so only the owner can read and write.
	fileMode       = 0600
	defaultTimeout = 1 * time.Second
)

// Client is the entrypoint into a bolt data store.
type Client struct {
	db     *bolt.DB
	Path   string
	Bucket []byte
}

// New instantiates a new bolt client given a db file path and a bucket name.
func New(path, bucket string) (*Client, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	return &Client{
		db:     db,
		Path:   path,
		Bucket: []byte(bucket),
	}, nil
}

func (client *Client) view(fn func(*bolt.Bucket) error) error {
	return Error.Wrap(client.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(client.Bucket))
	}))
}

func (client *Client) update(fn func(*bolt.Bucket) error) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(client.Bucket))
	}))
}

// Put adds a key/value to the bucket.
func (client *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return client.update(func(bucket *bolt.Bucket) error {
		return bucket.Put(key, value)
	})
}

// Get looks up the provided key from the bucket, returning
// kvstore.ErrKeyNotFound when it does not exist.
func (client *Client) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	var value kvstore.Value
	err := client.view(func(bucket *bolt.Bucket) error {
		data := bucket.Get(key)
		if len(data) == 0 {
			return kvstore.ErrKeyNotFound.New("%q", key)
		}
		value = append(kvstore.Value{}, data...)
		return nil
	})
	return value, err
}

// Delete deletes a key/value pair from the bucket.
func (client *Client) Delete(ctx context.Context, key kvstore.Key) error {
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return client.update(func(bucket *bolt.Bucket) error {
		if data := bucket.Get(key); len(data) == 0 {
			return kvstore.ErrKeyNotFound.New("%q", key)
		}
		return bucket.Delete(key)
	})
}

// Range iterates over all items in the bucket.
func (client *Client) Range(ctx context.Context, fn func(context.Context, kvstore.Key, kvstore.Value) error) error {
	return client.view(func(bucket *bolt.Bucket) error {
		return bucket.ForEach(func(k, v []byte) error {
			return fn(ctx, kvstore.Key(k), kvstore.Value(v))
		})
	})
}

// CompareAndSwap atomically compares and swaps oldValue with newValue.
// Bolt's update transactions are fully serialized, which makes the
// read-compare-write sequence atomic.
func (client *Client) CompareAndSwap(ctx context.Context, key kvstore.Key, oldValue, newValue kvstore.Value) error {
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	return client.update(func(bucket *bolt.Bucket) error {
		data := bucket.Get(key)
		if len(data) == 0 {
			if oldValue != nil {
				return kvstore.ErrKeyNotFound.New("%q", key)
			}
			if newValue == nil {
				return nil
			}
			return bucket.Put(key, newValue)
		}

		if !bytes.Equal(data, oldValue) {
			return kvstore.ErrValueChanged.New("%q", key)
		}
		if newValue == nil {
			return bucket.Delete(key)
		}
		return bucket.Put(key, newValue)
	})
}

// Close closes the bolt client.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}
