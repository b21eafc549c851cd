// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package acquisitionweb

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"updraft.dev/updraft/acquisition"
	"updraft.dev/updraft/appversion"
	"updraft.dev/updraft/live"
)

func (server *Server) updateCheck(w http.ResponseWriter, r *http.Request) {
	server.handleUpdateCheck(w, r, false)
}

func (server *Server) updateCheckSnake(w http.ResponseWriter, r *http.Request) {
	server.handleUpdateCheck(w, r, true)
}

// handleUpdateCheck resolves which release the device should run. The
// decision pair is cached per request shape; staged-rollout selection happens
// per client after retrieval, so one cache entry serves every device asking
// the same question.
func (server *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request, snake bool) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	query := r.URL.Query()
	original := queryValue(query, "appVersion", "app_version")
	request := acquisition.Request{
		DeploymentKey:  queryValue(query, "deploymentKey", "deployment_key"),
		AppVersion:     appversion.Normalize(original),
		PackageHash:    queryValue(query, "packageHash", "package_hash"),
		Label:          query.Get("label"),
		ClientUniqueID: queryValue(query, "clientUniqueId", "client_unique_id"),
		IsCompanion:    parseBoolQuery(queryValue(query, "isCompanion", "is_companion")),
	}
	if err := request.Validate(); err != nil {
		server.writeError(w, err)
		return
	}

	cacheURL := cacheRequestURL(r)
	pair, fromCache, cacheErr := server.cachedDecision(ctx, request.DeploymentKey, cacheURL)
	if pair == nil {
		resolved, err := server.resolveDecision(ctx, request)
		if err != nil {
			server.writeError(w, err)
			return
		}
		pair = resolved
	}

	response := pair.Pick(request.ClientUniqueID)
	response.EchoAppVersion(original, request.AppVersion)
	response.TargetBinaryRange = response.AppVersion

	body, err := json.Marshal(map[string]acquisition.Response{"updateInfo": response})
	if err != nil {
		server.writeError(w, Error.Wrap(err))
		return
	}
	if snake {
		if body, err = convertKeys(body, camelToSnake); err != nil {
			server.writeError(w, Error.Wrap(err))
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)

	// Cache maintenance stays off the device's critical path: the response
	// is already sent when the pair is stored or a read fault is reported.
	if !fromCache && cacheErr == nil {
		server.storeDecision(ctx, request.DeploymentKey, cacheURL, pair)
	}
	if cacheErr != nil {
		server.log.Error("update check served around a cache fault",
			zap.String("deploymentKey", request.DeploymentKey), zap.Error(cacheErr))
	}
}

// cachedDecision returns the cached decision pair for the request shape, or
// nil on a miss. Read faults also return nil so the caller resolves fresh.
func (server *Server) cachedDecision(ctx context.Context, deploymentKey, url string) (*acquisition.CacheResponse, bool, error) {
	cached, err := server.cache.GetCachedResponse(ctx, deploymentKey, url)
	if err != nil {
		if live.ErrCacheMiss.Has(err) {
			mon.Counter("updatecheck_cache_miss").Inc(1)
			return nil, false, nil
		}
		return nil, false, err
	}
	var pair acquisition.CacheResponse
	if err := json.Unmarshal(cached.Body, &pair); err != nil {
		return nil, false, Error.Wrap(err)
	}
	mon.Counter("updatecheck_cache_hit").Inc(1)
	return &pair, true, nil
}

func (server *Server) resolveDecision(ctx context.Context, request acquisition.Request) (*acquisition.CacheResponse, error) {
	info, err := server.db.Deployments().GetDeploymentInfo(ctx, request.DeploymentKey)
	if err != nil {
		return nil, err
	}
	history, err := server.db.History().Get(ctx, info.DeploymentID)
	if err != nil {
		return nil, err
	}
	pair := acquisition.Resolve(history, request)
	return &pair, nil
}

// storeDecision writes the pair back to the cache, best effort.
func (server *Server) storeDecision(ctx context.Context, deploymentKey, url string, pair *acquisition.CacheResponse) {
	body, err := json.Marshal(pair)
	if err == nil {
		err = server.cache.SetCachedResponse(ctx, deploymentKey, url, live.CachedResponse{
			StatusCode: http.StatusOK,
			Body:       body,
		})
	}
	if err != nil {
		server.log.Error("caching an update decision failed",
			zap.String("deploymentKey", deploymentKey), zap.Error(err))
	}
}

// cacheRequestURL is the request's cache identity. The client identifier
// varies per device without changing the decision pair, so it is dropped;
// the remaining parameters are sorted by Encode.
func cacheRequestURL(r *http.Request) string {
	query := r.URL.Query()
	query.Del("clientUniqueId")
	query.Del("client_unique_id")
	return r.URL.Path + "?" + query.Encode()
}
