// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registry

import (
	"context"

	"updraft.dev/updraft/rollout"
)

// ReleaseMethod records how a package entered a deployment's history.
type ReleaseMethod string

const (
	// ReleaseMethodUpload marks a directly uploaded payload.
	ReleaseMethodUpload ReleaseMethod = "Upload"
	// ReleaseMethodPromote marks a package cloned from another deployment.
	ReleaseMethodPromote ReleaseMethod = "Promote"
	// ReleaseMethodRollback marks a re-release of an earlier entry.
	ReleaseMethodRollback ReleaseMethod = "Rollback"
)

// DiffBlobInfo locates an incremental update payload for clients holding a
// specific prior package.
type DiffBlobInfo struct {
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Package is one release in a deployment's history.
type Package struct {
	AppVersion         string                  `json:"appVersion"`
	BlobURL            string                  `json:"blobUrl"`
	Description        string                  `json:"description"`
	DiffPackageMap     map[string]DiffBlobInfo `json:"diffPackageMap,omitempty"`
	IsDisabled         bool                    `json:"isDisabled"`
	IsMandatory        bool                    `json:"isMandatory"`
	Label              string                  `json:"label,omitempty"`
	ManifestBlobURL    string                  `json:"manifestBlobUrl,omitempty"`
	OriginalDeployment string                  `json:"originalDeployment,omitempty"`
	OriginalLabel      string                  `json:"originalLabel,omitempty"`
	PackageHash        string                  `json:"packageHash"`
	ReleasedBy         string                  `json:"releasedBy,omitempty"`
	ReleaseMethod      ReleaseMethod           `json:"releaseMethod,omitempty"`
	Rollout            *int                    `json:"rollout,omitempty"`
	Size               int64                   `json:"size"`
	UploadTime         int64                   `json:"uploadTime"`
}

// UnfinishedRollout reports whether the package is partially rolled out.
// Whether it blocks commits additionally depends on IsDisabled.
func (pkg *Package) UnfinishedRollout() bool {
	return rollout.IsUnfinished(pkg.Rollout)
}

// Clone returns a copy that shares no mutable state with the original.
func (pkg Package) Clone() Package {
	if pkg.Rollout != nil {
		value := *pkg.Rollout
		pkg.Rollout = &value
	}
	if pkg.DiffPackageMap != nil {
		m := make(map[string]DiffBlobInfo, len(pkg.DiffPackageMap))
		for hash, info := range pkg.DiffPackageMap {
			m[hash] = info
		}
		pkg.DiffPackageMap = m
	}
	return pkg
}

// Deployment is a named release channel of an app. Package is the current
// head of its history, nil when nothing has been released.
type Deployment struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Key         string   `json:"key"`
	CreatedTime int64    `json:"createdTime"`
	Package     *Package `json:"package"`
}

// DeploymentInfo resolves a device-presented deployment key.
type DeploymentInfo struct {
	AppID        string `json:"appId"`
	DeploymentID string `json:"deploymentId"`
}

// Deployments exposes methods to manage deployments.
//
// architecture: Database
type Deployments interface {
	// Create inserts a new deployment under the app. Names are unique per
	// app, keys are unique globally.
	Create(ctx context.Context, appID string, deployment Deployment) (*Deployment, error)
	// Get returns the deployment with the given id.
	Get(ctx context.Context, appID, deploymentID string) (*Deployment, error)
	// GetByName resolves a deployment by its per-app name.
	GetByName(ctx context.Context, appID, name string) (*Deployment, error)
	// List returns the app's deployments.
	List(ctx context.Context, appID string) ([]Deployment, error)
	// Update rewrites the deployment's mutable fields. The key is
	// immutable after creation.
	Update(ctx context.Context, appID string, deployment Deployment) error
	// Delete removes the deployment and its history.
	Delete(ctx context.Context, appID, deploymentID string) error
	// GetDeploymentInfo resolves a deployment key presented by a device.
	GetDeploymentInfo(ctx context.Context, key string) (*DeploymentInfo, error)
}

// Deployment key constraints.
const (
	MinDeploymentKeyLength = 10
	MaxDeploymentKeyLength = 100

	// GeneratedKeyLength is the length of server-generated keys.
	GeneratedKeyLength = 37
)

// ValidateDeploymentKey checks length and alphabet of a deployment key.
func ValidateDeploymentKey(key string) error {
	if len(key) < MinDeploymentKeyLength || len(key) > MaxDeploymentKeyLength {
		return ErrInvalid.New("deployment key must be %d to %d characters, got %d",
			MinDeploymentKeyLength, MaxDeploymentKeyLength, len(key))
	}
	for _, c := range key {
		switch {
		case 'A' <= c && c <= 'Z':
		case 'a' <= c && c <= 'z':
		case '0' <= c && c <= '9':
		case c == '_' || c == '-':
		default:
			return ErrInvalid.New("deployment key contains invalid character %q", c)
		}
	}
	return nil
}

// GenerateDeploymentKey returns a fresh random deployment key.
func GenerateDeploymentKey() (string, error) {
	return randomKey(GeneratedKeyLength)
}

// ValidateRollout checks a rollout field: nil means fully rolled out,
// otherwise the value must sit in [1,100].
func ValidateRollout(value *int) error {
	if value == nil {
		return nil
	}
	if *value < 1 || *value > 100 {
		return ErrInvalid.New("rollout must be between 1 and 100, got %d", *value)
	}
	return nil
}
