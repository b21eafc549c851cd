// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package management implements the operator-facing HTTP surface: accounts,
// access keys, apps, collaborators, deployments and the release operations.
//
// Every route requires a bearer access key. Errors are answered as JSON
// objects of the form {"error": "..."} with the status matching the error
// kind.
package management

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"updraft.dev/updraft/blobstore"
	"updraft.dev/updraft/internal/errs2"
	"updraft.dev/updraft/internal/memory"
	"updraft.dev/updraft/live"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/release"
)

var (
	// Error is the default management error class.
	Error = errs.Class("management")

	// ErrUnauthorized is returned when a request carries no usable key.
	ErrUnauthorized = errs.Class("unauthorized")
	// ErrForbidden is returned when the account lacks the permission an
	// operation requires.
	ErrForbidden = errs.Class("forbidden")
	// ErrTooLarge is returned when a request exceeds the payload limit.
	ErrTooLarge = errs.Class("too large")
	// ErrRateLimited is returned when a client exceeds the release rate.
	ErrRateLimited = errs.Class("rate limited")

	mon = monkit.Package()
)

// Config is configuration for the management server.
type Config struct {
	Address string `user:"true" help:"address the management server listens on" default:":7000"`

	MaxPayloadSize    memory.Size   `help:"largest accepted release payload" default:"200MiB"`
	ReleaseRateLimit  int           `help:"release requests allowed per client address within the rate window, 0 disables the limit" default:"100"`
	ReleaseRateWindow time.Duration `help:"window of the release rate limit" default:"15m"`
}

// Server answers the management API spoken by the CLI and CI pipelines.
//
// architecture: Endpoint
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server

	db       registry.DB
	cache    live.Gateway
	releases *release.Service
	limiter  *releaseLimiter

	config Config
}

// NewServer returns a new management Server.
func NewServer(log *zap.Logger, listener net.Listener, db registry.DB, cache live.Gateway, releases *release.Service, config Config) *Server {
	server := &Server{
		log:      log,
		listener: listener,
		db:       db,
		cache:    cache,
		releases: releases,
		limiter:  newReleaseLimiter(config.ReleaseRateLimit, config.ReleaseRateWindow),
		config:   config,
	}

	router := mux.NewRouter()
	authenticated := router.NewRoute().Subrouter()
	authenticated.Use(server.withAuth)

	authenticated.HandleFunc("/authenticated", server.authenticated).Methods(http.MethodGet)
	authenticated.HandleFunc("/account", server.account).Methods(http.MethodGet)

	authenticated.HandleFunc("/accessKeys", server.listAccessKeys).Methods(http.MethodGet)
	authenticated.HandleFunc("/accessKeys", server.addAccessKey).Methods(http.MethodPost)
	authenticated.HandleFunc("/accessKeys/{name}", server.updateAccessKey).Methods(http.MethodPatch)
	authenticated.HandleFunc("/accessKeys/{name}", server.removeAccessKey).Methods(http.MethodDelete)

	authenticated.HandleFunc("/apps", server.listApps).Methods(http.MethodGet)
	authenticated.HandleFunc("/apps", server.addApp).Methods(http.MethodPost)
	authenticated.HandleFunc("/apps/{app}", server.getApp).Methods(http.MethodGet)
	authenticated.HandleFunc("/apps/{app}", server.updateApp).Methods(http.MethodPatch)
	authenticated.HandleFunc("/apps/{app}", server.removeApp).Methods(http.MethodDelete)
	authenticated.HandleFunc("/apps/{app}/transfer/{email}", server.transferApp).Methods(http.MethodPost)
	authenticated.HandleFunc("/apps/{app}/collaborators", server.listCollaborators).Methods(http.MethodGet)
	authenticated.HandleFunc("/apps/{app}/collaborators/{email}", server.addCollaborator).Methods(http.MethodPost)
	authenticated.HandleFunc("/apps/{app}/collaborators/{email}", server.removeCollaborator).Methods(http.MethodDelete)

	authenticated.HandleFunc("/apps/{app}/deployments", server.listDeployments).Methods(http.MethodGet)
	authenticated.HandleFunc("/apps/{app}/deployments", server.addDeployment).Methods(http.MethodPost)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}", server.getDeployment).Methods(http.MethodGet)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}", server.updateDeployment).Methods(http.MethodPatch)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}", server.removeDeployment).Methods(http.MethodDelete)

	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}/release", server.releasePackage).Methods(http.MethodPost)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}/release", server.patchRelease).Methods(http.MethodPatch)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}/promote/{destination}", server.promoteRelease).Methods(http.MethodPost)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}/rollback", server.rollbackRelease).Methods(http.MethodPost)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}/rollback/{target}", server.rollbackRelease).Methods(http.MethodPost)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}/history", server.getHistory).Methods(http.MethodGet)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}/history", server.clearHistory).Methods(http.MethodDelete)
	authenticated.HandleFunc("/apps/{app}/deployments/{deployment}/metrics", server.getMetrics).Methods(http.MethodGet)

	server.server.Handler = router
	return server
}

// Run starts the server and blocks until ctx is canceled.
func (server *Server) Run(ctx context.Context) error {
	if server.listener == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes server and underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

type contextKey int

const accountContextKey contextKey = 0

func withAccount(ctx context.Context, account *registry.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}

// accountFrom returns the authenticated account stored by withAuth.
func accountFrom(ctx context.Context) *registry.Account {
	account, _ := ctx.Value(accountContextKey).(*registry.Account)
	return account
}

// withAuth resolves the bearer access key to an account before any handler
// runs.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		account, err := server.authenticate(ctx, r)
		if err != nil {
			server.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(ctx, account)))
	})
}

func (server *Server) authenticate(ctx context.Context, r *http.Request) (_ *registry.Account, err error) {
	defer mon.Task()(&ctx)(&err)

	secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || secret == "" {
		return nil, ErrUnauthorized.New("management requests need a bearer access key")
	}
	key, err := server.db.AccessKeys().GetByDigest(ctx, registry.DigestAccessKey(secret))
	if err != nil {
		if registry.ErrNotFound.Has(err) {
			return nil, ErrUnauthorized.New("access key is not recognized")
		}
		return nil, err
	}
	if key.IsExpired(registry.NowMillis()) {
		return nil, registry.ErrExpired.New("access key %q has expired", key.FriendlyName)
	}
	server.touchAccessKey(ctx, key)
	return server.db.Accounts().Get(ctx, key.AccountID)
}

// lastUsedResolution bounds how often authentication rewrites a key's
// last-used time.
const lastUsedResolution = time.Minute

// touchAccessKey records when the key last authenticated. Bookkeeping only:
// failures never block the request.
func (server *Server) touchAccessKey(ctx context.Context, key *registry.AccessKey) {
	now := registry.NowMillis()
	if key.LastUsed != 0 && now-key.LastUsed < lastUsedResolution.Milliseconds() {
		return
	}
	touched := *key
	touched.LastUsed = now
	if err := server.db.AccessKeys().Update(ctx, touched); err != nil {
		server.log.Debug("access key bookkeeping failed",
			zap.String("key", key.FriendlyName), zap.Error(err))
	}
}

func (server *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		server.log.Debug("writing response failed", zap.Error(err))
	}
}

// dropLiveState clears the cached decisions and counters of a deployment
// key. It runs after the mutation's success response is written: a dead
// cache must not turn a committed change into an error, so failures only
// reach the log. Leftover entries are re-dropped by the next mutation.
func (server *Server) dropLiveState(ctx context.Context, deploymentKey string) {
	if err := server.cache.Invalidate(ctx, deploymentKey); err != nil {
		server.log.Error("cache invalidation failed after mutation",
			zap.String("deploymentKey", deploymentKey), zap.Error(err))
	}
	if err := server.cache.ClearMetrics(ctx, deploymentKey); err != nil {
		server.log.Error("metrics cleanup failed after mutation",
			zap.String("deploymentKey", deploymentKey), zap.Error(err))
	}
}

// writeError answers {"error": ...} with the status matching the error kind.
// Server faults are logged and never echo internals.
func (server *Server) writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		server.log.Error("management request failed", zap.Error(err))
		message = "internal server error"
	}
	server.writeJSON(w, status, map[string]string{"error": message})
}

func statusCode(err error) int {
	switch {
	case registry.ErrNotFound.Has(err), blobstore.ErrNotFound.Has(err):
		return http.StatusNotFound
	case registry.ErrInvalid.Has(err):
		return http.StatusBadRequest
	case registry.ErrAlreadyExists.Has(err), registry.ErrConflict.Has(err):
		return http.StatusConflict
	case ErrUnauthorized.Has(err), registry.ErrExpired.Has(err):
		return http.StatusUnauthorized
	case ErrForbidden.Has(err):
		return http.StatusForbidden
	case ErrTooLarge.Has(err):
		return http.StatusRequestEntityTooLarge
	case ErrRateLimited.Has(err):
		return http.StatusTooManyRequests
	case registry.ErrConnectionFailed.Has(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// maxRequestBody bounds plain JSON request bodies. Release payloads arrive
// as multipart forms bounded separately by MaxPayloadSize.
const maxRequestBody = 1 << 20

// decodeJSON unmarshals the request body into target. An empty body leaves
// target untouched; routes with optional bodies rely on that.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return requestBodyError(err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return registry.ErrInvalid.New("malformed request body: %v", err)
	}
	return nil
}

func requestBodyError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) || strings.Contains(err.Error(), "request body too large") {
		return ErrTooLarge.New("request body exceeds the configured limit")
	}
	return registry.ErrInvalid.New("reading request body: %v", err)
}
