// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package live tracks the volatile side of deployments: cached update
// decisions, per-label install counters, and which release each device is
// currently running. Everything held here can be rebuilt; the metadata
// store stays authoritative for package history.
package live

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zeebo/errs"
)

var (
	// Error is the default live gateway error class.
	Error = errs.Class("live")

	// ErrCacheMiss is returned when no response is cached for a request.
	ErrCacheMiss = errs.Class("cache miss")
)

// Status is a deployment lifecycle counter name.
type Status string

const (
	// StatusDownloaded counts completed payload downloads.
	StatusDownloaded Status = "Downloaded"
	// StatusDeploymentSucceeded counts successful installs.
	StatusDeploymentSucceeded Status = "DeploymentSucceeded"
	// StatusDeploymentFailed counts failed installs.
	StatusDeploymentFailed Status = "DeploymentFailed"
	// StatusActive gauges currently-running installs. It moves only
	// through the update and remove transitions, never by direct report.
	StatusActive Status = "Active"
)

// ValidReportStatus reports whether devices may report this status directly.
func ValidReportStatus(status Status) bool {
	switch status {
	case StatusDownloaded, StatusDeploymentSucceeded, StatusDeploymentFailed:
		return true
	}
	return false
}

// CachedResponse is a stored update decision together with the HTTP status
// it was computed with.
type CachedResponse struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

// LabelMetrics aggregates the counters of one release label. Field names
// follow the management wire protocol.
type LabelMetrics struct {
	Active     int64 `json:"active"`
	Downloaded int64 `json:"downloaded"`
	Installed  int64 `json:"installed"`
	Failed     int64 `json:"failed"`
}

// Gateway is the cache and metrics store. Cached responses are immutable;
// staleness is prevented exclusively by Invalidate, never by expiry.
//
// architecture: Database
type Gateway interface {
	// GetCachedResponse returns the cached decision for the request shape,
	// or ErrCacheMiss.
	GetCachedResponse(ctx context.Context, deploymentKey, url string) (*CachedResponse, error)
	// SetCachedResponse stores the decision for the request shape.
	SetCachedResponse(ctx context.Context, deploymentKey, url string, response CachedResponse) error
	// Invalidate drops every cached decision for the deployment key.
	Invalidate(ctx context.Context, deploymentKey string) error

	// IncrementLabelStatus bumps one lifecycle counter of a label.
	IncrementLabelStatus(ctx context.Context, deploymentKey, label string, status Status) error
	// Metrics returns the per-label counters of the deployment key.
	Metrics(ctx context.Context, deploymentKey string) (map[string]LabelMetrics, error)
	// ClearMetrics drops all counters and client tracking for the key.
	ClearMetrics(ctx context.Context, deploymentKey string) error

	// RecordUpdate counts a successful install of label, adjusting the
	// previous deployment's running gauge when the device reported one.
	RecordUpdate(ctx context.Context, deploymentKey, label, previousDeploymentKey, previousLabel string) error
	// UpdateActiveClient atomically moves the device's running gauge from
	// its tracked label (or fromLabel when untracked) to toLabel.
	UpdateActiveClient(ctx context.Context, deploymentKey, clientID, toLabel, fromLabel string) error
	// ActiveLabel returns the label the device is tracked as running, or
	// the empty string for untracked devices.
	ActiveLabel(ctx context.Context, deploymentKey, clientID string) (string, error)
	// RemoveActiveClient forgets the device and decrements the gauge of
	// its tracked label.
	RemoveActiveClient(ctx context.Context, deploymentKey, clientID string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the gateway's resources.
	Close() error
}

// KeyHash is the stored identity of a deployment key. Raw keys never reach
// the gateway's backends.
func KeyHash(deploymentKey string) string {
	sum := sha256.Sum256([]byte(deploymentKey))
	return hex.EncodeToString(sum[:])
}

// ResponseHashName names the cached-response hash of a deployment key.
func ResponseHashName(deploymentKey string) string {
	return "deploymentKey:" + KeyHash(deploymentKey)
}

// LabelsHashName names the counter hash of a deployment key.
func LabelsHashName(deploymentKey string) string {
	return "deploymentKeyLabels:" + KeyHash(deploymentKey)
}

// ClientsHashName names the client-tracking hash of a deployment key.
func ClientsHashName(deploymentKey string) string {
	return "deploymentKeyClients:" + KeyHash(deploymentKey)
}

// LabelStatusField names the counter field for a label and status.
func LabelStatusField(label string, status Status) string {
	return label + ":" + string(status)
}

// LabelActiveField names the running-install gauge field for a label.
func LabelActiveField(label string) string {
	return LabelStatusField(label, StatusActive)
}

// AggregateMetrics folds raw "<label>:<status>" counter fields into
// per-label metrics. Unknown fields are dropped.
func AggregateMetrics(fields map[string]int64) map[string]LabelMetrics {
	metrics := make(map[string]LabelMetrics)
	for field, count := range fields {
		label, status, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		m := metrics[label]
		switch Status(status) {
		case StatusActive:
			m.Active += count
		case StatusDownloaded:
			m.Downloaded += count
		case StatusDeploymentSucceeded:
			m.Installed += count
		case StatusDeploymentFailed:
			m.Failed += count
		default:
			continue
		}
		metrics[label] = m
	}
	return metrics
}
