// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package errs2 collects common error handling helpers.
package errs2

import (
	"context"
	"errors"
)

// IsCanceled returns true when the error is a context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IgnoreCanceled returns nil when err is a context cancellation.
func IgnoreCanceled(err error) error {
	if IsCanceled(err) {
		return nil
	}
	return err
}
