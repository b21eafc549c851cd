// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registry

import "context"

// Permission is an account's role on an app.
type Permission string

const (
	// PermissionOwner marks the single owning account.
	PermissionOwner Permission = "Owner"
	// PermissionCollaborator marks an invited account.
	PermissionCollaborator Permission = "Collaborator"
)

// Collaborator is one entry of an app's membership map.
type Collaborator struct {
	AccountID  string     `json:"accountId"`
	Permission Permission `json:"permission"`
}

// App groups deployments under a name shared by its collaborators.
type App struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedTime int64  `json:"createdTime"`
	// Collaborators maps email to membership. Exactly one entry holds
	// PermissionOwner.
	Collaborators map[string]Collaborator `json:"collaborators"`
}

// Apps exposes methods to manage apps.
//
// architecture: Database
type Apps interface {
	// Create inserts a new app. The name must be unique among the apps
	// each collaborator can see.
	Create(ctx context.Context, app App) (*App, error)
	// Get returns the app with the given id.
	Get(ctx context.Context, id string) (*App, error)
	// GetByName resolves name among the apps the account collaborates on.
	GetByName(ctx context.Context, accountID, name string) (*App, error)
	// ListByAccount returns every app the account collaborates on.
	ListByAccount(ctx context.Context, accountID string) ([]App, error)
	// Update rewrites the app, maintaining the per-collaborator name
	// indexes.
	Update(ctx context.Context, app App) error
	// Delete removes the app. Deployments are removed separately by the
	// caller so their caches can be invalidated.
	Delete(ctx context.Context, id string) error
}

// Owner returns the owning collaborator entry.
func (app *App) Owner() (email string, collaborator Collaborator, ok bool) {
	for email, c := range app.Collaborators {
		if c.Permission == PermissionOwner {
			return email, c, true
		}
	}
	return "", Collaborator{}, false
}

// CollaboratorByAccount returns the membership entry for an account.
func (app *App) CollaboratorByAccount(accountID string) (email string, collaborator Collaborator, ok bool) {
	for email, c := range app.Collaborators {
		if c.AccountID == accountID {
			return email, c, true
		}
	}
	return "", Collaborator{}, false
}

// IsOwnedBy reports whether the account holds the Owner permission.
func (app *App) IsOwnedBy(accountID string) bool {
	_, c, ok := app.CollaboratorByAccount(accountID)
	return ok && c.Permission == PermissionOwner
}

// Validate checks the app's structural invariants.
func (app *App) Validate() error {
	if app.Name == "" {
		return ErrInvalid.New("app name is required")
	}
	owners := 0
	for email, c := range app.Collaborators {
		if err := ValidateEmail(email); err != nil {
			return err
		}
		if c.AccountID == "" {
			return ErrInvalid.New("collaborator %q has no account", email)
		}
		switch c.Permission {
		case PermissionOwner:
			owners++
		case PermissionCollaborator:
		default:
			return ErrInvalid.New("collaborator %q has unknown permission %q", email, c.Permission)
		}
	}
	if owners != 1 {
		return ErrInvalid.New("app must have exactly one owner, has %d", owners)
	}
	return nil
}
