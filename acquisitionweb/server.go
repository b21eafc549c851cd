// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package acquisitionweb implements the device-facing HTTP surface: update
// checks, install and download telemetry, payload downloads and health.
//
// Every endpoint exists twice, once with camelCase parameters and once under
// /v0.1/public/codepush with snake_case parameters. Errors are answered as
// plain text; devices never see JSON error envelopes.
package acquisitionweb

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"updraft.dev/updraft/blobstore"
	"updraft.dev/updraft/blobstore/filestore"
	"updraft.dev/updraft/internal/errs2"
	"updraft.dev/updraft/live"
	"updraft.dev/updraft/registry"
)

var (
	// Error is the default acquisitionweb error class.
	Error = errs.Class("acquisitionweb")

	mon = monkit.Package()
)

// Config is configuration for the device-facing server.
type Config struct {
	Address string `user:"true" help:"address the acquisition server listens on" default:":7001"`
}

// Server answers the update protocol spoken by device SDKs.
//
// architecture: Endpoint
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server

	db    registry.DB
	cache live.Gateway
	files *filestore.Store

	config Config
}

// NewServer returns a new acquisition Server. files may be nil when payloads
// are served by an external store.
func NewServer(log *zap.Logger, listener net.Listener, db registry.DB, cache live.Gateway, files *filestore.Store, config Config) *Server {
	server := &Server{
		log:      log,
		listener: listener,
		db:       db,
		cache:    cache,
		files:    files,
		config:   config,
	}

	router := mux.NewRouter()
	router.HandleFunc("/updateCheck", server.updateCheck).Methods(http.MethodGet)
	router.HandleFunc("/v0.1/public/codepush/update_check", server.updateCheckSnake).Methods(http.MethodGet)
	router.HandleFunc("/reportStatus/deploy", server.reportDeploy).Methods(http.MethodPost)
	router.HandleFunc("/v0.1/public/codepush/report_status/deploy", server.reportDeploySnake).Methods(http.MethodPost)
	router.HandleFunc("/reportStatus/download", server.reportDownload).Methods(http.MethodPost)
	router.HandleFunc("/v0.1/public/codepush/report_status/download", server.reportDownloadSnake).Methods(http.MethodPost)
	router.HandleFunc("/health", server.health).Methods(http.MethodGet)
	router.HandleFunc("/files/{id}", server.serveFile).Methods(http.MethodGet)
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

// health answers 200 only when both backing stores respond.
func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	if err := server.db.CheckHealth(ctx); err != nil {
		server.log.Error("health check failed against the metadata store", zap.Error(err))
		http.Error(w, "Not Healthy: metadata store unreachable", http.StatusInternalServerError)
		return
	}
	if err := server.cache.Ping(ctx); err != nil {
		server.log.Error("health check failed against the live gateway", zap.Error(err))
		http.Error(w, "Not Healthy: live gateway unreachable", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte("Healthy"))
}

// serveFile streams a stored payload. Keys are content addressed, so a
// response never goes stale and carries immutable cache headers.
func (server *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	if server.files == nil {
		http.Error(w, "file downloads are not served by this host", http.StatusNotFound)
		return
	}

	key := mux.Vars(r)["id"]
	if !server.files.VerifyURL(key, r.URL.Query().Get("sig")) {
		http.Error(w, "download signature rejected", http.StatusForbidden)
		return
	}

	ref := blobstore.Ref{Namespace: blobstore.NamespaceBlob, Key: key}
	size, err := server.files.Stat(ctx, ref)
	if err != nil {
		server.writeError(w, err)
		return
	}
	reader, err := server.files.Open(ctx, ref)
	if err != nil {
		server.writeError(w, err)
		return
	}
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, reader); err != nil {
		server.log.Debug("payload download aborted",
			zap.String("key", key), zap.Error(err))
	}
}

// writeError answers with the status matching the error kind. Server faults
// are logged and never echo internals to devices.
func (server *Server) writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		server.log.Error("acquisition request failed", zap.Error(err))
		http.Error(w, "internal server error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func statusCode(err error) int {
	switch {
	case registry.ErrNotFound.Has(err), blobstore.ErrNotFound.Has(err):
		return http.StatusNotFound
	case registry.ErrInvalid.Has(err):
		return http.StatusBadRequest
	case registry.ErrAlreadyExists.Has(err), registry.ErrConflict.Has(err):
		return http.StatusConflict
	case registry.ErrExpired.Has(err):
		return http.StatusUnauthorized
	case registry.ErrConnectionFailed.Has(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
