// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package updraft_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"updraft.dev/updraft"
	"updraft.dev/updraft/acquisition"
	"updraft.dev/updraft/acquisitionweb"
	"updraft.dev/updraft/blobstore/filestore"
	"updraft.dev/updraft/internal/testcontext"
	"updraft.dev/updraft/management"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/registrydb"
	"updraft.dev/updraft/release"
)

// TestPeerEndToEnd boots a full peer on memory backends and walks a release
// from the management API all the way to a device reporting a successful
// install.
func TestPeerEndToEnd(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)

	db, err := registrydb.Open(ctx, log.Named("db"), "mem:")
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	blobs, err := updraft.OpenBlobs(ctx, updraft.BlobConfig{
		Backend: "file",
		File: filestore.Config{
			Path:    ctx.Dir("blobs"),
			BaseURL: "http://payloads.test",
		},
	})
	require.NoError(t, err)
	defer ctx.Check(blobs.Close)

	cache, err := updraft.OpenLive(ctx, "memory:")
	require.NoError(t, err)
	defer ctx.Check(cache.Close)

	peer, err := updraft.New(log, db, blobs, cache, updraft.Config{
		Acquisition: acquisitionweb.Config{Address: "127.0.0.1:0"},
		Management:  management.Config{Address: "127.0.0.1:0", MaxPayloadSize: 32 << 20},
		Release:     release.Config{DisableDiffing: true},
	})
	require.NoError(t, err)
	defer ctx.Check(peer.Close)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx.Go(func() error { return peer.Run(runCtx) })

	managementURL := "http://" + peer.ManagementAddr()
	acquisitionURL := "http://" + peer.AcquisitionAddr()

	// provision the first account and access key directly, the way
	// `updraft account create` does
	account, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test", Name: "Owner"})
	require.NoError(t, err)
	secret, err := registry.GenerateAccessKeySecret()
	require.NoError(t, err)
	_, err = db.AccessKeys().Create(ctx, registry.AccessKey{
		Digest:       registry.DigestAccessKey(secret),
		AccountID:    account.ID,
		FriendlyName: "bootstrap",
		CreatedBy:    "test",
	})
	require.NoError(t, err)

	manage := func(method, path, body string) (int, string) {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, managementURL+path, reader)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+secret)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		return resp.StatusCode, string(data)
	}

	status, _ := manage(http.MethodGet, "/authenticated", "")
	require.Equal(t, http.StatusOK, status)

	status, _ = manage(http.MethodPost, "/apps", `{"name":"Mobile"}`)
	require.Equal(t, http.StatusCreated, status)

	status, body := manage(http.MethodGet, "/apps/Mobile/deployments/Staging", "")
	require.Equal(t, http.StatusOK, status)
	var deployment struct {
		Deployment struct {
			Key string `json:"key"`
		} `json:"deployment"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &deployment))
	require.NotEmpty(t, deployment.Deployment.Key)

	// release a payload through the management server
	payload := []byte("updated bundle contents")
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	require.NoError(t, writer.WriteField("packageInfo", `{"appVersion":"1.0.0","description":"first"}`))
	part, err := writer.CreateFormFile("package", "bundle.bin")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		managementURL+"/apps/Mobile/deployments/Staging/release", &form)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	released, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(released))

	// the device sees the release on the acquisition server
	check := url.Values{
		"deploymentKey": {deployment.Deployment.Key},
		"appVersion":    {"1.0.0"},
	}
	resp, err = http.Get(acquisitionURL + "/updateCheck?" + check.Encode())
	require.NoError(t, err)
	checkBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(checkBody))

	var update struct {
		UpdateInfo acquisition.Response `json:"updateInfo"`
	}
	require.NoError(t, json.Unmarshal(checkBody, &update))
	require.True(t, update.UpdateInfo.IsAvailable)
	require.Equal(t, "v1", update.UpdateInfo.Label)
	require.Equal(t, int64(len(payload)), update.UpdateInfo.PackageSize)

	// the download URL points at the configured payload host; the same
	// path is served by the acquisition server
	download, err := url.Parse(update.UpdateInfo.DownloadURL)
	require.NoError(t, err)
	require.Equal(t, "payloads.test", download.Host)

	resp, err = http.Get(acquisitionURL + download.Path)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, payload, got)

	// the device reports download and install, which shows up in metrics
	report := func(path, body string) {
		resp, err := http.Post(acquisitionURL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	report("/reportStatus/download", `{"deploymentKey":"`+deployment.Deployment.Key+`","label":"v1","clientUniqueId":"device-1"}`)
	report("/reportStatus/deploy", `{"deploymentKey":"`+deployment.Deployment.Key+`","appVersion":"1.0.0","label":"v1","status":"DeploymentSucceeded","clientUniqueId":"device-1"}`)

	status, body = manage(http.MethodGet, "/apps/Mobile/deployments/Staging/metrics", "")
	require.Equal(t, http.StatusOK, status)
	var metrics struct {
		Metrics map[string]struct {
			Active     int64 `json:"active"`
			Downloaded int64 `json:"downloaded"`
			Installed  int64 `json:"installed"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &metrics))
	require.Equal(t, int64(1), metrics.Metrics["v1"].Active)
	require.Equal(t, int64(1), metrics.Metrics["v1"].Downloaded)
	require.Equal(t, int64(1), metrics.Metrics["v1"].Installed)

	// both surfaces answer health
	resp, err = http.Get(acquisitionURL + "/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// canceling the run context stops both servers without error
	cancel()
	ctx.Wait()
}

func TestOpenBlobs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs, err := updraft.OpenBlobs(ctx, updraft.BlobConfig{
		File: filestore.Config{Path: ctx.Dir("blobs")},
	})
	require.NoError(t, err)
	require.NoError(t, blobs.Close())

	_, err = updraft.OpenBlobs(ctx, updraft.BlobConfig{Backend: "ftp"})
	require.Error(t, err)
}

func TestOpenLive(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache, err := updraft.OpenLive(ctx, "memory:")
	require.NoError(t, err)
	require.NoError(t, cache.Close())

	_, err = updraft.OpenLive(ctx, "memcached://localhost")
	require.Error(t, err)
}
