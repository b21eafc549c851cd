// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registry

import (
	"context"
	"net/mail"
	"strings"
)

// Accounts exposes methods to manage stored accounts.
//
// architecture: Database
type Accounts interface {
	// Create inserts a new account. Emails are unique under
	// case-insensitive comparison.
	Create(ctx context.Context, account Account) (*Account, error)
	// Get returns the account with the given id.
	Get(ctx context.Context, id string) (*Account, error)
	// GetByEmail returns the account registered under the email, compared
	// case-insensitively.
	GetByEmail(ctx context.Context, email string) (*Account, error)
}

// Account is a registered operator identity.
type Account struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	CreatedTime int64  `json:"createdTime"`
}

// pathologicalNames must never become collaborator map keys; they collide
// with object internals in JavaScript consumers of the wire protocol.
var pathologicalNames = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// ValidateEmail checks that email is routable and safe to use as a
// collaborator map key.
func ValidateEmail(email string) error {
	if email == "" {
		return ErrInvalid.New("email is required")
	}
	if pathologicalNames[strings.ToLower(email)] {
		return ErrInvalid.New("email %q is not allowed", email)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalid.New("email %q is not valid", email)
	}
	return nil
}

// NormalizeEmail returns the form used for unique lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(email)
}
