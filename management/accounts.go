// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package management

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"updraft.dev/updraft/registry"
)

// accountInfo is the wire form of an account.
type accountInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// accessKeyInfo is the wire form of an access key. Name carries the secret
// and is only populated on the creation response; afterwards keys are
// addressed by their friendly name.
type accessKeyInfo struct {
	Name         string `json:"name,omitempty"`
	FriendlyName string `json:"friendlyName"`
	CreatedBy    string `json:"createdBy"`
	CreatedTime  int64  `json:"createdTime"`
	Expires      int64  `json:"expires,omitempty"`
}

func newAccessKeyInfo(key *registry.AccessKey) accessKeyInfo {
	return accessKeyInfo{
		FriendlyName: key.FriendlyName,
		CreatedBy:    key.CreatedBy,
		CreatedTime:  key.CreatedTime,
		Expires:      key.Expires,
	}
}

// authenticated confirms the bearer key resolved; withAuth already rejected
// everything else.
func (server *Server) authenticated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	server.writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

func (server *Server) account(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	server.writeJSON(w, http.StatusOK, map[string]accountInfo{
		"account": {Email: account.Email, Name: account.Name},
	})
}

func (server *Server) listAccessKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	keys, err := server.db.AccessKeys().ListByAccount(ctx, account.ID)
	if err != nil {
		server.writeError(w, err)
		return
	}
	infos := make([]accessKeyInfo, 0, len(keys))
	for i := range keys {
		infos = append(infos, newAccessKeyInfo(&keys[i]))
	}
	server.writeJSON(w, http.StatusOK, map[string]any{"accessKeys": infos})
}

type addAccessKeyRequest struct {
	FriendlyName string `json:"friendlyName"`
	CreatedBy    string `json:"createdBy"`
	TTL          int64  `json:"ttl"`
}

func (server *Server) addAccessKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	var request addAccessKeyRequest
	if err := decodeJSON(w, r, &request); err != nil {
		server.writeError(w, err)
		return
	}
	if err := registry.ValidateFriendlyName(request.FriendlyName); err != nil {
		server.writeError(w, err)
		return
	}
	createdBy := request.CreatedBy
	if createdBy == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			createdBy = host
		} else {
			createdBy = r.RemoteAddr
		}
	}
	var expires int64
	if request.TTL > 0 {
		expires = registry.NowMillis() + request.TTL
	}
	secret, err := registry.GenerateAccessKeySecret()
	if err != nil {
		server.writeError(w, err)
		return
	}
	key, err := server.db.AccessKeys().Create(ctx, registry.AccessKey{
		Digest:       registry.DigestAccessKey(secret),
		AccountID:    account.ID,
		FriendlyName: request.FriendlyName,
		CreatedBy:    createdBy,
		Expires:      expires,
	})
	if err != nil {
		server.writeError(w, err)
		return
	}

	info := newAccessKeyInfo(key)
	info.Name = secret
	server.writeJSON(w, http.StatusCreated, map[string]accessKeyInfo{"accessKey": info})
}

// keyByFriendlyName scans the account's keys for the name addressed by the
// route.
func (server *Server) keyByFriendlyName(ctx context.Context, accountID, name string) (*registry.AccessKey, error) {
	keys, err := server.db.AccessKeys().ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		if keys[i].FriendlyName == name {
			return &keys[i], nil
		}
	}
	return nil, registry.ErrNotFound.New("access key %q not found", name)
}

type updateAccessKeyRequest struct {
	FriendlyName string `json:"friendlyName"`
	TTL          int64  `json:"ttl"`
}

func (server *Server) updateAccessKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	var request updateAccessKeyRequest
	if err := decodeJSON(w, r, &request); err != nil {
		server.writeError(w, err)
		return
	}
	key, err := server.keyByFriendlyName(ctx, account.ID, mux.Vars(r)["name"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	if request.FriendlyName != "" {
		key.FriendlyName = request.FriendlyName
	}
	if request.TTL > 0 {
		key.Expires = registry.NowMillis() + request.TTL
	}
	if err := server.db.AccessKeys().Update(ctx, *key); err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusOK, map[string]accessKeyInfo{"accessKey": newAccessKeyInfo(key)})
}

func (server *Server) removeAccessKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	account := accountFrom(ctx)

	key, err := server.keyByFriendlyName(ctx, account.ID, mux.Vars(r)["name"])
	if err != nil {
		server.writeError(w, err)
		return
	}
	if err := server.db.AccessKeys().Delete(ctx, key.Digest); err != nil {
		server.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
