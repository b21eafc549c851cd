// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package kvstore declares the common interface for key-value stores.
package kvstore

import (
	"bytes"
	"context"

	"github.com/zeebo/errs"
)

var (
	// ErrKeyNotFound is returned when a key is missing from the store.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrEmptyKey is returned when an empty key is used in Put or in
	// CompareAndSwap.
	ErrEmptyKey = errs.Class("empty key")

	// ErrValueChanged is returned when the current value of the key does not
	// match the old value in CompareAndSwap.
	ErrValueChanged = errs.Class("value changed")
)

// Key is the type for the keys in a Store.
type Key []byte

// Value is the type for the values in a Store.
type Value []byte

// Keys is a slice of keys.
type Keys []Key

// Item holds a single key-value pair.
type Item struct {
	Key   Key
	Value Value
}

// Items keeps all Item.
type Items []Item

// Store describes key-value stores like redis and boltdb.
type Store interface {
	// Put adds a value to the store.
	Put(context.Context, Key, Value) error
	// Get gets a value from the store.
	Get(context.Context, Key) (Value, error)
	// Delete deletes key and the value.
	Delete(context.Context, Key) error
	// Range iterates over all items in unspecified order.
	// The Key and Value are valid only for the duration of callback.
	Range(ctx context.Context, fn func(context.Context, Key, Value) error) error
	// CompareAndSwap atomically compares and swaps oldValue with newValue.
	// A nil oldValue means the key must not exist yet; a nil newValue
	// deletes the key.
	CompareAndSwap(ctx context.Context, key Key, oldValue, newValue Value) error
	// Close closes the store.
	Close() error
}

// IsZero returns true if the value is empty.
func (value Value) IsZero() bool { return len(value) == 0 }

// IsZero returns true if the key is empty.
func (key Key) IsZero() bool { return len(key) == 0 }

// String implements the Stringer interface.
func (key Key) String() string { return string(key) }

// Strings returns everything as strings.
func (keys Keys) Strings() []string {
	strs := make([]string, 0, len(keys))
	for _, key := range keys {
		strs = append(strs, string(key))
	}
	return strs
}

// Less returns whether key should be sorted before b.
func (key Key) Less(b Key) bool { return bytes.Compare(key, b) < 0 }

// Equal returns whether key and b are equal.
func (key Key) Equal(b Key) bool { return bytes.Equal(key, b) }

// Len is the number of elements in the collection.
func (items Items) Len() int { return len(items) }

// Less reports whether the element with index i should sort before the
// element with index k.
func (items Items) Less(i, k int) bool { return items[i].Key.Less(items[k].Key) }

// Swap swaps the elements with indexes i and k.
func (items Items) Swap(i, k int) { items[i], items[k] = items[k], items[i] }
