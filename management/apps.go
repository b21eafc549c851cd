// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package management

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"updraft.dev/updraft/registry"
)

// collaboratorInfo is one entry of an app's wire-form membership map.
type collaboratorInfo struct {
	Permission       registry.Permission `json:"permission"`
	IsCurrentAccount bool                `json:"isCurrentAccount,omitempty"`
}

// appInfo is the wire form of an app. Name is qualified as
// "ownerEmail:appName" when the caller is not the owner, matching how the
// CLI addresses shared apps.
type appInfo struct {
	Name          string                      `json:"name"`
	Collaborators map[string]collaboratorInfo `json:"collaborators"`
	Deployments   []string                    `json:"deployments,omitempty"`
}

func displayName(app *registry.App, account *registry.Account) string {
	if app.IsOwnedBy(account.ID) {
		return app.Name
	}
	owner, _, ok := app.Owner()
	if !ok {
		return app.Name
	}
	return owner + ":" + app.Name
}

func (server *Server) appInfo(ctx context.Context, app *registry.App, account *registry.Account) (*appInfo, error) {
	deployments, err := server.db.Deployments().List(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(deployments))
	for i := range deployments {
		names = append(names, deployments[i].Name)
	}
	sort.Strings(names)

	collaborators := make(map[string]collaboratorInfo, len(app.Collaborators))
	for email, collaborator := range app.Collaborators {
		collaborators[email] = collaboratorInfo{
			Permission:       collaborator.Permission,
			IsCurrentAccount: collaborator.AccountID == account.ID,
		}
	}
	return &appInfo{
		Name:          displayName(app, account),
		Collaborators: collaborators,
		Deployments:   names,
	}, nil
}

// resolveApp resolves the route's app name for the calling account. A
// qualified "ownerEmail:appName" form disambiguates collaborations whose
// bare names collide. Apps the account cannot see resolve as not found, so
// their existence never leaks.
func (server *Server) resolveApp(ctx context.Context, account *registry.Account, name string) (*registry.App, error) {
	ownerEmail, bare, qualified := strings.Cut(name, ":")
	if !qualified {
		return server.db.Apps().GetByName(ctx, account.ID, name)
	}

	owner, err := server.db.Accounts().GetByEmail(ctx, ownerEmail)
	if err != nil {
		if registry.ErrNotFound.Has(err) {
			return nil, registry.ErrNotFound.New("app %q not found", name)
		}
		return nil, err
	}
	app, err := server.db.Apps().GetByName(ctx, owner.ID, bare)
	if err != nil {
		return nil, err
	}
	if !app.IsOwnedBy(owner.ID) {
		return nil, registry.ErrNotFound.New("app %q not found", name)
	}
	if _, _, ok := app.CollaboratorByAccount(account.ID); !ok {
		return nil, registry.ErrNotFound.New("app %q not found", name)
	}
	return app, nil
}

func requireOwner(app *registry.App, account *registry.Account) error {
	if !app.IsOwnedBy(account.ID) {
		return ErrForbidden.New("this action requires ownership of %q", app.Name)
	}
	return nil
}

func (server *Server) listApps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	apps, err := server.db.Apps().ListByAccount(ctx, account.ID)
	if err != nil {
		server.writeError(w, err)
		return
	}
	infos := make([]appInfo, 0, len(apps))
	for i := range apps {
		info, err := server.appInfo(ctx, &apps[i], account)
		if err != nil {
			server.writeError(w, err)
			return
		}
		infos = append(infos, *info)
	}
	server.writeJSON(w, http.StatusOK, map[string]any{"apps": infos})
}

type addAppRequest struct {
	Name                         string `json:"name"`
	ManuallyProvisionDeployments bool   `json:"manuallyProvisionDeployments"`
}

// defaultDeployments are provisioned with every new app unless the request
// opts out.
var defaultDeployments = []string{"Production", "Staging"}

func (server *Server) addApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	var request addAppRequest
	if err := decodeJSON(w, r, &request); err != nil {
		server.writeError(w, err)
		return
	}
	app, err := server.db.Apps().Create(ctx, registry.App{
		Name: request.Name,
		Collaborators: map[string]registry.Collaborator{
			account.Email: {AccountID: account.ID, Permission: registry.PermissionOwner},
		},
	})
	if err != nil {
		server.writeError(w, err)
		return
	}
	if !request.ManuallyProvisionDeployments {
		for _, name := range defaultDeployments {
			if _, err := server.db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: name}); err != nil {
				server.writeError(w, err)
				return
			}
		}
	}
	info, err := server.appInfo(ctx, app, account)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusCreated, map[string]*appInfo{"app": info})
}

func (server *Server) getApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	app, err := server.resolveApp(ctx, account, mux.Vars(r)["app"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	info, err := server.appInfo(ctx, app, account)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusOK, map[string]*appInfo{"app": info})
}

type updateAppRequest struct {
	Name string `json:"name"`
}

func (server *Server) updateApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	var request updateAppRequest
	if err := decodeJSON(w, r, &request); err != nil {
		server.writeError(w, err)
		return
	}
	if request.Name == "" {
		server.writeError(w, registry.ErrInvalid.New("app name is required"))
		return
	}
	app, err := server.resolveApp(ctx, account, mux.Vars(r)["app"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	if err := requireOwner(app, account); err != nil {
		server.writeError(w, err)
		return
	}
	app.Name = request.Name
	if err := server.db.Apps().Update(ctx, *app); err != nil {
		server.writeError(w, err)
		return
	}
	info, err := server.appInfo(ctx, app, account)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusOK, map[string]*appInfo{"app": info})
}

func (server *Server) removeApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	app, err := server.resolveApp(ctx, account, mux.Vars(r)["app"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	if err := requireOwner(app, account); err != nil {
		server.writeError(w, err)
		return
	}

	// Deployments go first so devices holding their keys stop resolving.
	deployments, err := server.db.Deployments().List(ctx, app.ID)
	if err != nil {
		server.writeError(w, err)
		return
	}
	for i := range deployments {
		if err := server.db.Deployments().Delete(ctx, app.ID, deployments[i].ID); err != nil {
			server.writeError(w, err)
			return
		}
	}
	if err := server.db.Apps().Delete(ctx, app.ID); err != nil {
		server.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	for i := range deployments {
		server.dropLiveState(ctx, deployments[i].Key)
	}
}

func (server *Server) transferApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)
	vars := mux.Vars(r)

	app, err := server.resolveApp(ctx, account, vars["app"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	if err := requireOwner(app, account); err != nil {
		server.writeError(w, err)
		return
	}
	if err := registry.ValidateEmail(vars["email"]); err != nil {
		server.writeError(w, err)
		return
	}
	target, err := server.db.Accounts().GetByEmail(ctx, vars["email"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	if target.ID == account.ID {
		server.writeError(w, registry.ErrConflict.New("%q already owns this app", target.Email))
		return
	}

	currentEmail, current, _ := app.Owner()
	current.Permission = registry.PermissionCollaborator
	app.Collaborators[currentEmail] = current

	targetEmail, existing, ok := app.CollaboratorByAccount(target.ID)
	if ok {
		existing.Permission = registry.PermissionOwner
		app.Collaborators[targetEmail] = existing
	} else {
		app.Collaborators[target.Email] = registry.Collaborator{
			AccountID:  target.ID,
			Permission: registry.PermissionOwner,
		}
	}
	if err := server.db.Apps().Update(ctx, *app); err != nil {
		server.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (server *Server) listCollaborators(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	app, err := server.resolveApp(ctx, account, mux.Vars(r)["app"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	collaborators := make(map[string]collaboratorInfo, len(app.Collaborators))
	for email, collaborator := range app.Collaborators {
		collaborators[email] = collaboratorInfo{
			Permission:       collaborator.Permission,
			IsCurrentAccount: collaborator.AccountID == account.ID,
		}
	}
	server.writeJSON(w, http.StatusOK, map[string]any{"collaborators": collaborators})
}

func (server *Server) addCollaborator(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)
	vars := mux.Vars(r)

	app, err := server.resolveApp(ctx, account, vars["app"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	if err := requireOwner(app, account); err != nil {
		server.writeError(w, err)
		return
	}
	if err := registry.ValidateEmail(vars["email"]); err != nil {
		server.writeError(w, err)
		return
	}
	target, err := server.db.Accounts().GetByEmail(ctx, vars["email"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	if _, _, ok := app.CollaboratorByAccount(target.ID); ok {
		server.writeError(w, registry.ErrAlreadyExists.New("%q is already a collaborator", target.Email))
		return
	}
	app.Collaborators[target.Email] = registry.Collaborator{
		AccountID:  target.ID,
		Permission: registry.PermissionCollaborator,
	}
	if err := server.db.Apps().Update(ctx, *app); err != nil {
		server.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (server *Server) removeCollaborator(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)
	vars := mux.Vars(r)

	app, err := server.resolveApp(ctx, account, vars["app"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	email, collaborator, ok := findCollaboratorByEmail(app, vars["email"])
	if !ok {
		server.writeError(w, registry.ErrNotFound.New("%q is not a collaborator", vars["email"]))
		return
	}
	if collaborator.Permission == registry.PermissionOwner {
		server.writeError(w, ErrForbidden.New("the owner cannot be removed"))
		return
	}
	// Collaborators may always leave on their own; removing anyone else is
	// the owner's call.
	if collaborator.AccountID != account.ID {
		if err := requireOwner(app, account); err != nil {
			server.writeError(w, err)
			return
		}
	}
	delete(app.Collaborators, email)
	if err := server.db.Apps().Update(ctx, *app); err != nil {
		server.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func findCollaboratorByEmail(app *registry.App, email string) (string, registry.Collaborator, bool) {
	normalized := registry.NormalizeEmail(email)
	for stored, collaborator := range app.Collaborators {
		if registry.NormalizeEmail(stored) == normalized {
			return stored, collaborator, true
		}
	}
	return "", registry.Collaborator{}, false
}
