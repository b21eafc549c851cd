// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package registry defines the entities of the update service and the
// storage interfaces over them.
package registry

import (
	"crypto/rand"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default registry error class.
	Error = errs.Class("registry")

	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errs.Class("not found")
	// ErrAlreadyExists is returned when a unique constraint would break.
	ErrAlreadyExists = errs.Class("already exists")
	// ErrConflict is returned when a mutation loses against current state,
	// such as committing over an unfinished rollout.
	ErrConflict = errs.Class("conflict")
	// ErrInvalid is returned when an entity fails validation.
	ErrInvalid = errs.Class("invalid")
	// ErrExpired is returned when an access key is past its expiry.
	ErrExpired = errs.Class("expired")
	// ErrConnectionFailed is returned when the backing store is not
	// reachable.
	ErrConnectionFailed = errs.Class("connection failed")
)

// NowMillis returns the current wall time in the unix-millisecond format
// the wire protocol uses for timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// keyAlphabet has exactly 64 characters so that six random bits map onto it
// without modulo bias.
const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

func randomKey(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", Error.Wrap(err)
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[b&63]
	}
	return string(buf), nil
}
