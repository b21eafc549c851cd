// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package management

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"updraft.dev/updraft/internal/lrucache"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/release"
)

// releaseLimiter bounds how often one client address may push releases.
// Limiters live in an expiring LRU keyed by address, so idle clients cost
// nothing once the window passes.
type releaseLimiter struct {
	limiters *lrucache.ExpiringLRUOf[*rate.Limiter]
	limit    int
	window   time.Duration
}

func newReleaseLimiter(limit int, window time.Duration) *releaseLimiter {
	return &releaseLimiter{
		limiters: lrucache.NewOf[*rate.Limiter](lrucache.Options{
			Expiration: window,
			Capacity:   10000,
			Name:       "release_ratelimit",
		}),
		limit:  limit,
		window: window,
	}
}

// allow consumes one release slot for the request's client address.
func (limiter *releaseLimiter) allow(ctx context.Context, r *http.Request) error {
	if limiter.limit <= 0 {
		return nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	clientLimiter, err := limiter.limiters.Get(ctx, host, func() (*rate.Limiter, error) {
		return rate.NewLimiter(rate.Every(limiter.window/time.Duration(limiter.limit)), limiter.limit), nil
	})
	if err != nil {
		return Error.Wrap(err)
	}
	if !clientLimiter.Allow() {
		mon.Event("release_rate_limited")
		return ErrRateLimited.New("too many releases from %s, retry later", host)
	}
	return nil
}

// packageInfoRequest wraps the metadata fields shared by release, promote
// and patch bodies.
type packageInfoRequest struct {
	PackageInfo release.Info `json:"packageInfo"`
}

// multipartMemoryLimit is how much of a parsed form is kept in memory
// before spilling to disk.
const multipartMemoryLimit = 4 << 20

func (server *Server) releasePackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	if err := server.limiter.allow(ctx, r); err != nil {
		server.writeError(w, err)
		return
	}
	app, deployment, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, server.config.MaxPayloadSize.Int64())
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		server.writeError(w, requestBodyError(err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			server.log.Debug("removing multipart temporaries failed", zap.Error(err))
		}
	}()

	var info release.Info
	if raw := r.FormValue("packageInfo"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			server.writeError(w, registry.ErrInvalid.New("malformed packageInfo: %v", err))
			return
		}
	}
	file, _, err := r.FormFile("package")
	if err != nil {
		server.writeError(w, registry.ErrInvalid.New("a release needs a %q file field", "package"))
		return
	}
	defer func() { _ = file.Close() }()

	committed, err := server.releases.Release(ctx, app.ID, deployment, account.Email, file, info)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusCreated, map[string]*registry.Package{"package": committed})
}

func (server *Server) patchRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	var request packageInfoRequest
	if err := decodeJSON(w, r, &request); err != nil {
		server.writeError(w, err)
		return
	}
	app, deployment, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}
	patched, err := server.releases.Patch(ctx, app.ID, deployment, request.PackageInfo)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusOK, map[string]*registry.Package{"package": patched})
}

func (server *Server) promoteRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	var request packageInfoRequest
	if err := decodeJSON(w, r, &request); err != nil {
		server.writeError(w, err)
		return
	}
	app, source, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}
	destination, err := server.db.Deployments().GetByName(ctx, app.ID, mux.Vars(r)["destination"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	promoted, err := server.releases.Promote(ctx, app.ID, source, destination, account.Email, request.PackageInfo)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusCreated, map[string]*registry.Package{"package": promoted})
}

func (server *Server) rollbackRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	app, deployment, err := server.resolveDeployment(ctx, account, r)
	if err != nil {
		server.writeError(w, err)
		return
	}
	// The target label is optional; without it the previous release wins.
	committed, err := server.releases.Rollback(ctx, app.ID, deployment, account.Email, mux.Vars(r)["target"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusCreated, map[string]*registry.Package{"package": committed})
}
