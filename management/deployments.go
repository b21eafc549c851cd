// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package management

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"updraft.dev/updraft/registry"
)

// deploymentInfo is the wire form of a deployment. The internal id stays
// private; clients address deployments by name and devices by key.
type deploymentInfo struct {
	Name    string            `json:"name"`
	Key     string            `json:"key"`
	Package *registry.Package `json:"package"`
}

func newDeploymentInfo(deployment *registry.Deployment) deploymentInfo {
	return deploymentInfo{
		Name:    deployment.Name,
		Key:     deployment.Key,
		Package: deployment.Package,
	}
}

// resolveDeployment resolves the app and deployment named by the route.
func (server *Server) resolveDeployment(ctx context.Context, account *registry.Account, r *http.Request) (*registry.App, *registry.Deployment, error) {
	vars := mux.Vars(r)
	app, err := server.resolveApp(ctx, account, vars["app"])
	if err != nil {
		return nil, nil, err
	}
	deployment, err := server.db.Deployments().GetByName(ctx, app.ID, vars["deployment"])
	if err != nil {
		return nil, nil, err
	}
	return app, deployment, nil
}

func (server *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	app, err := server.resolveApp(ctx, account, mux.Vars(r)["app"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	deployments, err := server.db.Deployments().List(ctx, app.ID)
	if err != nil {
		server.writeError(w, err)
		return
	}
	infos := make([]deploymentInfo, 0, len(deployments))
	for i := range deployments {
		infos = append(infos, newDeploymentInfo(&deployments[i]))
	}
	server.writeJSON(w, http.StatusOK, map[string]any{"deployments": infos})
}

type addDeploymentRequest struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

func (server *Server) addDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	var request addDeploymentRequest
	if err := decodeJSON(w, r, &request); err != nil {
		server.writeError(w, err)
		return
	}
	app, err := server.resolveApp(ctx, account, mux.Vars(r)["app"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	deployment, err := server.db.Deployments().Create(ctx, app.ID, registry.Deployment{
		Name: request.Name,
		Key:  request.Key,
	})
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusCreated, map[string]deploymentInfo{"deployment": newDeploymentInfo(deployment)})
}

func (server *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	_, deployment, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusOK, map[string]deploymentInfo{"deployment": newDeploymentInfo(deployment)})
}

type updateDeploymentRequest struct {
	Name string `json:"name"`
}

func (server *Server) updateDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	var request updateDeploymentRequest
	if err := decodeJSON(w, r, &request); err != nil {
		server.writeError(w, err)
		return
	}
	if request.Name == "" {
		server.writeError(w, registry.ErrInvalid.New("deployment name is required"))
		return
	}
	app, deployment, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}
	deployment.Name = request.Name
	if err := server.db.Deployments().Update(ctx, app.ID, *deployment); err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusOK, map[string]deploymentInfo{"deployment": newDeploymentInfo(deployment)})
}

func (server *Server) removeDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	app, deployment, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}
	if err := requireOwner(app, account); err != nil {
		server.writeError(w, err)
		return
	}
	if err := server.db.Deployments().Delete(ctx, app.ID, deployment.ID); err != nil {
		server.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	// the deletion is committed; cache cleanup reports only to the log
	server.dropLiveState(ctx, deployment.Key)
}

func (server *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	_, deployment, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}
	history, err := server.db.History().Get(ctx, deployment.ID)
	if err != nil {
		server.writeError(w, err)
		return
	}
	if history == nil {
		history = []registry.Package{}
	}
	server.writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// clearHistory wipes every release of the deployment. Cached update
// decisions and metrics reference the wiped labels, so both go too.
func (server *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	app, deployment, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}
	if err := requireOwner(app, account); err != nil {
		server.writeError(w, err)
		return
	}
	if err := server.db.History().Clear(ctx, app.ID, deployment.ID); err != nil {
		server.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	server.dropLiveState(ctx, deployment.Key)
}

func (server *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	_, deployment, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}
	metrics, err := server.cache.Metrics(ctx, deployment.Key)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusOK, map[string]any{"metrics": metrics})
}
