// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package acquisitionweb

import (
	"net/http"

	"github.com/Masterminds/semver/v3"

	"updraft.dev/updraft/live"
	"updraft.dev/updraft/registry"
)

// sdkVersionHeader carries the device SDK version on telemetry requests.
const sdkVersionHeader = "X-CodePush-SDK-Version"

// metricsProtocolVersion is the SDK release that moved install telemetry
// from per-client label tracking to self-contained transition reports.
var metricsProtocolVersion = semver.MustParse("1.5.2-beta")

// modernSDK reports whether the device speaks the transition-based telemetry
// protocol. Devices without a parseable version header speak the old one.
func modernSDK(r *http.Request) bool {
	version, err := semver.NewVersion(r.Header.Get(sdkVersionHeader))
	if err != nil {
		return false
	}
	return version.Compare(metricsProtocolVersion) >= 0
}

type deployReport struct {
	DeploymentKey             string `json:"deploymentKey"`
	AppVersion                string `json:"appVersion"`
	Label                     string `json:"label"`
	Status                    string `json:"status"`
	ClientUniqueID            string `json:"clientUniqueId"`
	PreviousDeploymentKey     string `json:"previousDeploymentKey"`
	PreviousLabelOrAppVersion string `json:"previousLabelOrAppVersion"`
}

type downloadReport struct {
	DeploymentKey  string `json:"deploymentKey"`
	Label          string `json:"label"`
	ClientUniqueID string `json:"clientUniqueId"`
}

func (server *Server) reportDeploy(w http.ResponseWriter, r *http.Request) {
	server.handleReportDeploy(w, r, false)
}

func (server *Server) reportDeploySnake(w http.ResponseWriter, r *http.Request) {
	server.handleReportDeploy(w, r, true)
}

func (server *Server) reportDownload(w http.ResponseWriter, r *http.Request) {
	server.handleReportDownload(w, r, false)
}

func (server *Server) reportDownloadSnake(w http.ResponseWriter, r *http.Request) {
	server.handleReportDownload(w, r, true)
}

// handleReportDeploy records an install outcome. Devices without a label or
// status report which binary version they launched; those arrive as bare
// appVersion transitions.
func (server *Server) handleReportDeploy(w http.ResponseWriter, r *http.Request, snake bool) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var report deployReport
	if err := decodeBody(w, r, snake, &report); err != nil {
		server.writeError(w, err)
		return
	}
	if report.DeploymentKey == "" || report.AppVersion == "" {
		server.writeError(w, registry.ErrInvalid.New("a deploy report needs a deployment key and app version"))
		return
	}
	status := live.Status(report.Status)
	if report.Label != "" {
		if report.Status == "" {
			server.writeError(w, registry.ErrInvalid.New("a deploy report for a labeled package needs a status"))
			return
		}
		if status != live.StatusDeploymentSucceeded && status != live.StatusDeploymentFailed {
			server.writeError(w, registry.ErrInvalid.New("invalid deploy status %q", report.Status))
			return
		}
	}

	labelOrAppVersion := report.Label
	if labelOrAppVersion == "" {
		labelOrAppVersion = report.AppVersion
	}
	// an absent previous key means the device stayed on the same deployment
	previousKey := report.PreviousDeploymentKey
	if previousKey == "" {
		previousKey = report.DeploymentKey
	}

	if modernSDK(r) {
		var err error
		if report.Label != "" && status == live.StatusDeploymentFailed {
			err = server.cache.IncrementLabelStatus(ctx, report.DeploymentKey, report.Label, live.StatusDeploymentFailed)
		} else {
			err = server.cache.RecordUpdate(ctx, report.DeploymentKey, labelOrAppVersion, previousKey, report.PreviousLabelOrAppVersion)
			// The device left its previous release behind, so any label
			// still tracked for it belongs to that release. A failure
			// report leaves the tracked label alone: the device keeps
			// running what it ran before.
			if err == nil && report.ClientUniqueID != "" {
				err = server.cache.RemoveActiveClient(ctx, previousKey, report.ClientUniqueID)
			}
		}
		if err != nil {
			server.writeError(w, err)
			return
		}
		_, _ = w.Write([]byte("OK"))
		return
	}

	// Pre-transition SDKs report against their tracked label.
	if report.ClientUniqueID == "" {
		server.writeError(w, registry.ErrInvalid.New("a deploy report needs a client id"))
		return
	}
	current, err := server.cache.ActiveLabel(ctx, report.DeploymentKey, report.ClientUniqueID)
	if err != nil {
		server.writeError(w, err)
		return
	}
	switch {
	case status == live.StatusDeploymentSucceeded && report.Label != "" && report.Label != current:
		err = server.cache.IncrementLabelStatus(ctx, report.DeploymentKey, report.Label, live.StatusDeploymentSucceeded)
		if err == nil {
			err = server.cache.UpdateActiveClient(ctx, report.DeploymentKey, report.ClientUniqueID, report.Label, current)
		}
	case status == live.StatusDeploymentFailed:
		err = server.cache.IncrementLabelStatus(ctx, report.DeploymentKey, report.Label, live.StatusDeploymentFailed)
	}
	if err != nil {
		server.writeError(w, err)
		return
	}
	_, _ = w.Write([]byte("OK"))
}

// handleReportDownload counts a completed payload download.
func (server *Server) handleReportDownload(w http.ResponseWriter, r *http.Request, snake bool) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var report downloadReport
	if err := decodeBody(w, r, snake, &report); err != nil {
		server.writeError(w, err)
		return
	}
	if report.DeploymentKey == "" || report.Label == "" {
		server.writeError(w, registry.ErrInvalid.New("a download report needs a deployment key and label"))
		return
	}
	if err := server.cache.IncrementLabelStatus(ctx, report.DeploymentKey, report.Label, live.StatusDownloaded); err != nil {
		server.writeError(w, err)
		return
	}
	_, _ = w.Write([]byte("OK"))
}
