// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package sync2 provides synchronization primitives.
package sync2

import (
	"context"
	"sync"
)

// Limiter implements a limiter for concurrent goroutines.
type Limiter struct {
	limit  chan struct{}
	close  sync.Once
	closed chan struct{}
}

// NewLimiter creates a new limiter for concurrent goroutines.
func NewLimiter(limit int) *Limiter {
	return &Limiter{
		limit:  make(chan struct{}, limit),
		closed: make(chan struct{}),
	}
}

// Go tries to start fn as a goroutine. When the limit is reached it will wait
// until it can run it or the context is canceled. It returns false when the
// context was canceled or the limiter closed before fn could be started.
func (limiter *Limiter) Go(ctx context.Context, fn func()) bool {
	if ctx.Err() != nil {
		return false
	}

	select {
	case limiter.limit <- struct{}{}:
	case <-limiter.closed:
		return false
	case <-ctx.Done():
		return false
	}

	go func() {
		defer func() { <-limiter.limit }()
		fn()
	}()
	return true
}

// Wait waits for all running goroutines to finish and disallows new
// goroutines to start.
func (limiter *Limiter) Wait() {
	limiter.close.Do(func() {
		close(limiter.closed)
	})
	for i := 0; i < cap(limiter.limit); i++ {
		limiter.limit <- struct{}{}
	}
}
