// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registry

import "context"

// DB is the master metadata database.
type DB interface {
	// Accounts is a getter for the Accounts repository.
	Accounts() Accounts
	// AccessKeys is a getter for the AccessKeys repository.
	AccessKeys() AccessKeys
	// Apps is a getter for the Apps repository.
	Apps() Apps
	// Deployments is a getter for the Deployments repository.
	Deployments() Deployments
	// History is a getter for the History repository.
	History() History

	// CheckHealth verifies the backing store is reachable.
	CheckHealth(ctx context.Context) error
	// Close closes the database.
	Close() error
}
