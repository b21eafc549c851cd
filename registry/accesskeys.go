// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// AccessKeys exposes methods to manage access keys. Only the SHA-256 digest
// of a key's secret is ever stored; the secret itself is shown once at
// creation.
//
// architecture: Database
type AccessKeys interface {
	// Create inserts a new access key. Friendly names are unique per
	// account.
	Create(ctx context.Context, key AccessKey) (*AccessKey, error)
	// GetByDigest returns the key with the given secret digest.
	GetByDigest(ctx context.Context, digest string) (*AccessKey, error)
	// ListByAccount returns the account's keys ordered by creation time.
	ListByAccount(ctx context.Context, accountID string) ([]AccessKey, error)
	// Update rewrites a key's mutable fields: friendly name, expiry and
	// last-used bookkeeping.
	Update(ctx context.Context, key AccessKey) error
	// Delete revokes a key.
	Delete(ctx context.Context, digest string) error
}

// AccessKey authenticates management API calls for an account.
type AccessKey struct {
	Digest       string `json:"digest"`
	AccountID    string `json:"accountId"`
	FriendlyName string `json:"friendlyName"`
	CreatedBy    string `json:"createdBy"`
	CreatedTime  int64  `json:"createdTime"`
	Expires      int64  `json:"expires"`
	LastUsed     int64  `json:"lastUsed,omitempty"`
}

// AccessKeySecretLength is the length of generated key secrets.
const AccessKeySecretLength = 40

// GenerateAccessKeySecret returns a fresh key secret.
func GenerateAccessKeySecret() (string, error) {
	return randomKey(AccessKeySecretLength)
}

// DigestAccessKey maps a key secret to its stored digest.
func DigestAccessKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IsExpired reports whether the key is past its expiry at the given time.
// Zero expiry means the key never expires.
func (key *AccessKey) IsExpired(nowMillis int64) bool {
	return key.Expires != 0 && key.Expires <= nowMillis
}

// ValidateFriendlyName checks an access key's display name.
func ValidateFriendlyName(name string) error {
	if name == "" {
		return ErrInvalid.New("friendly name is required")
	}
	return nil
}
