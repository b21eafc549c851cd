// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package teststore implements an in-memory kvstore.Store for tests.
package teststore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"updraft.dev/updraft/kvstore"
)

// Client implements in-memory key value store.
type Client struct {
	mu sync.Mutex

	items kvstore.Items

	CallCount struct {
		Get            int
		Put            int
		Delete         int
		Range          int
		CompareAndSwap int
	}
}

// New creates a new in-memory key-value store.
func New() *Client { return &Client{} }

func (store *Client) indexOf(key kvstore.Key) (int, bool) {
	i := sort.Search(len(store.items), func(k int) bool {
		return !store.items[k].Key.Less(key)
	})
	if i >= len(store.items) {
		return i, false
	}
	return i, store.items[i].Key.Equal(key)
}

// Put adds a value to the store.
func (store *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Put++

	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if found {
		store.items[keyIndex].Value = cloneValue(value)
		return nil
	}

	store.items = append(store.items, kvstore.Item{})
	copy(store.items[keyIndex+1:], store.items[keyIndex:])
	store.items[keyIndex] = kvstore.Item{
		Key:   cloneKey(key),
		Value: cloneValue(value),
	}
	return nil
}

// Get gets a value from the store.
func (store *Client) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++

	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	return cloneValue(store.items[keyIndex].Value), nil
}

// Delete deletes key and the value.
func (store *Client) Delete(ctx context.Context, key kvstore.Key) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++

	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		return kvstore.ErrKeyNotFound.New("%q", key)
	}

	copy(store.items[keyIndex:], store.items[keyIndex+1:])
	store.items = store.items[:len(store.items)-1]
	return nil
}

// Range iterates over all items in unspecified order.
func (store *Client) Range(ctx context.Context, fn func(context.Context, kvstore.Key, kvstore.Value) error) error {
	store.mu.Lock()
	store.CallCount.Range++
	items := append(kvstore.Items{}, store.items...)
	store.mu.Unlock()

	for _, item := range items {
		if err := fn(ctx, item.Key, item.Value); err != nil {
			return err
		}
	}
	return nil
}

// CompareAndSwap atomically compares and swaps oldValue with newValue.
func (store *Client) CompareAndSwap(ctx context.Context, key kvstore.Key, oldValue, newValue kvstore.Value) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.CompareAndSwap++

	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		if oldValue != nil {
			return kvstore.ErrKeyNotFound.New("%q", key)
		}
		if newValue == nil {
			return nil
		}
		store.items = append(store.items, kvstore.Item{})
		copy(store.items[keyIndex+1:], store.items[keyIndex:])
		store.items[keyIndex] = kvstore.Item{
			Key:   cloneKey(key),
			Value: cloneValue(newValue),
		}
		return nil
	}

	if !bytes.Equal(store.items[keyIndex].Value, oldValue) {
		return kvstore.ErrValueChanged.New("%q", key)
	}

	if newValue == nil {
		copy(store.items[keyIndex:], store.items[keyIndex+1:])
		store.items = store.items[:len(store.items)-1]
		return nil
	}

	store.items[keyIndex].Value = cloneValue(newValue)
	return nil
}

// Close closes the store.
func (store *Client) Close() error { return nil }

func cloneKey(key kvstore.Key) kvstore.Key { return append(kvstore.Key{}, key...) }

func cloneValue(value kvstore.Value) kvstore.Value { return append(kvstore.Value{}, value...) }
