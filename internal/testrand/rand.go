// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package testrand implements generating random base types for testing.
package testrand

import (
	"math/rand"

	"updraft.dev/updraft/internal/memory"
)

// read fills data with pseudo-random bytes.
func read(data []byte) {
	const newSourceThreshold = 64
	if len(data) < newSourceThreshold {
		_, _ = rand.Read(data)
		return
	}

	src := rand.NewSource(rand.Int63())
	r := rand.New(src)
	_, _ = r.Read(data)
}

// Bytes generates size amount of random data.
func Bytes(size memory.Size) []byte {
	data := make([]byte, size.Int())
	read(data)
	return data
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// String generates a random alphanumeric string of the given length.
func String(n int) string {
	data := make([]byte, n)
	for i := range data {
		data[i] = alphanumeric[rand.Intn(len(alphanumeric))]
	}
	return string(data)
}
