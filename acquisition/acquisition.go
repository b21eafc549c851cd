// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package acquisition decides which release, if any, a device should
// download. The decision is a pure function over the deployment's package
// history and the device's reported state, so it can be computed once and
// cached per request shape; staged-rollout selection happens per client
// after the cached decision is retrieved.
package acquisition

import (
	"github.com/zeebo/errs"

	"updraft.dev/updraft/appversion"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/rollout"
)

// Error is the default acquisition error class.
var Error = errs.Class("acquisition")

// Request is one update check from a device. AppVersion is expected to be
// normalized (see appversion.Normalize) before resolving.
type Request struct {
	DeploymentKey  string
	AppVersion     string
	PackageHash    string
	Label          string
	ClientUniqueID string
	IsCompanion    bool
}

// Validate reports whether the request identifies a deployment and carries a
// parseable binary version.
func (req *Request) Validate() error {
	if err := registry.ValidateDeploymentKey(req.DeploymentKey); err != nil {
		return registry.ErrInvalid.New("update check needs a valid deployment key")
	}
	if !appversion.IsExactVersion(req.AppVersion) {
		return registry.ErrInvalid.New("update check needs a semver app version")
	}
	return nil
}

// Response is the update decision for one request. Field names follow the
// wire protocol read by client SDKs.
type Response struct {
	DownloadURL            string `json:"downloadURL"`
	Description            string `json:"description"`
	IsAvailable            bool   `json:"isAvailable"`
	IsMandatory            bool   `json:"isMandatory"`
	AppVersion             string `json:"appVersion"`
	PackageHash            string `json:"packageHash"`
	Label                  string `json:"label"`
	PackageSize            int64  `json:"packageSize"`
	UpdateAppVersion       bool   `json:"updateAppVersion"`
	ShouldRunBinaryVersion bool   `json:"shouldRunBinaryVersion"`
	Rollout                *int   `json:"rollout,omitempty"`
	TargetBinaryRange      string `json:"target_binary_range,omitempty"`
}

// EchoAppVersion restores the client's original version spelling when the
// decision echoes the request version rather than naming a different binary
// range.
func (r *Response) EchoAppVersion(original, normalized string) {
	if r.AppVersion == normalized {
		r.AppVersion = original
	}
}

// CacheResponse is the cacheable pair of decisions for one request shape:
// the answer for clients outside an unfinished rollout and, when the newest
// eligible release is still rolling out, the answer for clients inside it.
type CacheResponse struct {
	OriginalPackage Response  `json:"originalPackage"`
	RolloutPackage  *Response `json:"rolloutPackage,omitempty"`
	Rollout         *int      `json:"rollout,omitempty"`
}

// Pick returns the decision to serve this client: the rollout package when
// the client's bucket falls inside the unfinished rollout, the original
// package otherwise. Clients that do not report an identifier never receive
// rollout packages.
func (c *CacheResponse) Pick(clientID string) Response {
	if c.RolloutPackage != nil && c.Rollout != nil && clientID != "" {
		tag := c.RolloutPackage.Label
		if tag == "" {
			tag = c.RolloutPackage.PackageHash
		}
		if rollout.IsSelected(clientID, tag, *c.Rollout) {
			return *c.RolloutPackage
		}
	}
	return c.OriginalPackage
}

// Resolve computes the update decision for the request against the
// deployment's history, ordered oldest to newest. When the decision lands on
// an unfinished rollout it resolves a second time ignoring rollout entries,
// so the caller can hand the fallback to clients outside the rollout bucket.
func Resolve(history []registry.Package, req Request) CacheResponse {
	update := resolve(history, req, false)
	if rollout.IsUnfinished(update.Rollout) {
		fallback := resolve(history, req, true)
		percent := *update.Rollout
		return CacheResponse{
			OriginalPackage: fallback,
			RolloutPackage:  &update,
			Rollout:         &percent,
		}
	}
	return CacheResponse{OriginalPackage: update}
}

// resolve walks the history newest to oldest. The walk stops at the client's
// current release, so mandatory flags aggregate across releases the client
// has not installed yet but never across its own release.
func resolve(history []registry.Package, req Request, ignoreRollout bool) Response {
	var update Response
	if len(history) == 0 {
		update.ShouldRunBinaryVersion = true
		return update
	}

	var (
		foundRequestPackage     bool
		latestEnabled           *registry.Package
		latestSatisfyingEnabled *registry.Package
		makeMandatory           bool
	)

	for i := len(history) - 1; i >= 0; i-- {
		entry := &history[i]

		foundRequestPackage = foundRequestPackage ||
			(req.Label == "" && req.PackageHash == "") ||
			(req.Label != "" && entry.Label == req.Label) ||
			(req.Label == "" && entry.PackageHash == req.PackageHash)

		if entry.IsDisabled || (ignoreRollout && entry.UnfinishedRollout()) {
			continue
		}

		if latestEnabled == nil {
			latestEnabled = entry
		}
		if !req.IsCompanion && !appversion.Satisfies(req.AppVersion, entry.AppVersion) {
			continue
		}
		if latestSatisfyingEnabled == nil {
			latestSatisfyingEnabled = entry
		}

		if foundRequestPackage {
			break
		} else if entry.IsMandatory {
			makeMandatory = true
			break
		}
	}

	if latestEnabled == nil {
		return update
	}
	update.ShouldRunBinaryVersion = latestSatisfyingEnabled == nil

	if update.ShouldRunBinaryVersion || latestSatisfyingEnabled.PackageHash == req.PackageHash {
		// No bundle update, but the binary itself may be out of date
		// relative to the deployment.
		if appversion.GreaterThanRange(req.AppVersion, latestEnabled.AppVersion) {
			update.AppVersion = latestEnabled.AppVersion
		} else if !appversion.Satisfies(req.AppVersion, latestEnabled.AppVersion) {
			update.UpdateAppVersion = true
			update.AppVersion = latestEnabled.AppVersion
		}
		return update
	}

	if diff, ok := latestSatisfyingEnabled.DiffPackageMap[req.PackageHash]; ok && req.PackageHash != "" {
		update.DownloadURL = diff.URL
		update.PackageSize = diff.Size
	} else {
		update.DownloadURL = latestSatisfyingEnabled.BlobURL
		update.PackageSize = latestSatisfyingEnabled.Size
	}

	update.IsAvailable = true
	update.IsMandatory = makeMandatory || latestSatisfyingEnabled.IsMandatory
	update.Description = latestSatisfyingEnabled.Description
	update.Label = latestSatisfyingEnabled.Label
	update.PackageHash = latestSatisfyingEnabled.PackageHash
	if latestSatisfyingEnabled.Rollout != nil {
		percent := *latestSatisfyingEnabled.Rollout
		update.Rollout = &percent
	}
	// Older plugin matchers expect a concrete version here, not a range.
	update.AppVersion = req.AppVersion

	return update
}
