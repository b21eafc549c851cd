// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registry

import (
	"context"
	"strconv"

	"updraft.dev/updraft/appversion"
)

// MaxHistoryLength bounds each deployment's stored history; committing
// beyond it drops the oldest entries. Label numbering continues from the
// newest entry, so trimmed history never reuses labels.
const MaxHistoryLength = 50

// History exposes methods to manage per-deployment package history.
//
// architecture: Database
type History interface {
	// Get returns the history ordered oldest to newest. A deployment
	// without releases has an empty history.
	Get(ctx context.Context, deploymentID string) ([]Package, error)
	// Commit validates pkg against the history invariants, assigns the
	// next label, appends it, trims overflow and refreshes the deployment
	// head. Concurrent commits against one deployment serialize: both
	// succeed with distinct labels or one fails with ErrConflict.
	Commit(ctx context.Context, appID, deploymentID string, pkg Package) (*Package, error)
	// Update replaces the entry carrying pkg's label and refreshes the
	// deployment head when that entry is the newest.
	Update(ctx context.Context, appID, deploymentID string, pkg Package) error
	// Replace swaps the entire history.
	Replace(ctx context.Context, appID, deploymentID string, history []Package) error
	// Clear drops the history and resets the deployment head.
	Clear(ctx context.Context, appID, deploymentID string) error
}

// LabelNumber parses the numeric part of a "v<N>" label.
func LabelNumber(label string) (int, bool) {
	if len(label) < 2 || label[0] != 'v' {
		return 0, false
	}
	n, err := strconv.Atoi(label[1:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// NextLabel returns the label the next commit receives.
func NextLabel(history []Package) string {
	if len(history) == 0 {
		return "v1"
	}
	n, ok := LabelNumber(history[len(history)-1].Label)
	if !ok {
		return "v" + strconv.Itoa(len(history)+1)
	}
	return "v" + strconv.Itoa(n+1)
}

// LastPackageHashWithSameAppVersion returns the hash of the newest entry
// sharing appVersion: by exact string match when appVersion is a concrete
// version, by canonical range equality otherwise. Empty when no entry
// matches.
func LastPackageHashWithSameAppVersion(history []Package, appVersion string) string {
	if appversion.IsExactVersion(appVersion) {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].AppVersion == appVersion {
				return history[i].PackageHash
			}
		}
		return ""
	}
	canonical, err := appversion.CanonicalRange(appVersion)
	if err != nil {
		return ""
	}
	for i := len(history) - 1; i >= 0; i-- {
		entryCanonical, err := appversion.CanonicalRange(history[i].AppVersion)
		if err == nil && entryCanonical == canonical {
			return history[i].PackageHash
		}
	}
	return ""
}

// ValidateCommit checks a new package against the invariants every commit
// must hold. Backing stores call it inside their serialization loop so
// concurrent commits revalidate against the state they land on.
func ValidateCommit(history []Package, pkg Package) error {
	if err := ValidateRollout(pkg.Rollout); err != nil {
		return err
	}
	if len(history) > 0 {
		head := history[len(history)-1]
		if head.UnfinishedRollout() && !head.IsDisabled {
			return ErrConflict.New("deployment head %s is an unfinished rollout", head.Label)
		}
	}
	if pkg.PackageHash != "" {
		last := LastPackageHashWithSameAppVersion(history, pkg.AppVersion)
		if last != "" && last == pkg.PackageHash {
			return ErrConflict.New("package is identical to the newest release for version %s", pkg.AppVersion)
		}
	}
	return nil
}

// AppendPackage applies a commit to a history snapshot: assigns the label,
// appends and trims. Callers validate with ValidateCommit first.
func AppendPackage(history []Package, pkg Package) ([]Package, Package) {
	pkg.Label = NextLabel(history)
	history = append(history, pkg)
	if len(history) > MaxHistoryLength {
		history = history[len(history)-MaxHistoryLength:]
	}
	return history, pkg
}
