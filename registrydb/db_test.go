// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registrydb_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"updraft.dev/updraft/internal/testcontext"
	"updraft.dev/updraft/kvstore/storelogger"
	"updraft.dev/updraft/kvstore/teststore"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/registrydb"
)

func newDB(t *testing.T) registry.DB {
	log := zaptest.NewLogger(t)
	return registrydb.New(log, storelogger.New(log.Named("kv"), teststore.New()))
}

func intptr(n int) *int { return &n }

func TestAccounts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newDB(t)
	defer ctx.Check(db.Close)

	account, err := db.Accounts().Create(ctx, registry.Account{
		Email: "owner@example.test",
		Name:  "Owner",
	})
	require.NoError(t, err)
	require.NotEmpty(t, account.ID)
	require.NotZero(t, account.CreatedTime)

	got, err := db.Accounts().Get(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, account, got)

	// lookup is case-insensitive, the stored spelling is preserved
	got, err = db.Accounts().GetByEmail(ctx, "OWNER@example.test")
	require.NoError(t, err)
	require.Equal(t, "owner@example.test", got.Email)

	_, err = db.Accounts().Create(ctx, registry.Account{Email: "Owner@Example.Test"})
	require.True(t, registry.ErrAlreadyExists.Has(err))

	_, err = db.Accounts().Get(ctx, "missing")
	require.True(t, registry.ErrNotFound.Has(err))

	_, err = db.Accounts().Create(ctx, registry.Account{Email: "__proto__"})
	require.True(t, registry.ErrInvalid.Has(err))
}

func TestAccessKeys(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newDB(t)
	defer ctx.Check(db.Close)

	account, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)

	secret, err := registry.GenerateAccessKeySecret()
	require.NoError(t, err)
	digest := registry.DigestAccessKey(secret)

	key, err := db.AccessKeys().Create(ctx, registry.AccessKey{
		Digest:       digest,
		AccountID:    account.ID,
		FriendlyName: "ci",
		CreatedBy:    "localhost",
	})
	require.NoError(t, err)
	require.NotZero(t, key.CreatedTime)

	_, err = db.AccessKeys().Create(ctx, registry.AccessKey{
		Digest:       digest,
		AccountID:    account.ID,
		FriendlyName: "ci-again",
	})
	require.True(t, registry.ErrAlreadyExists.Has(err))

	otherSecret, err := registry.GenerateAccessKeySecret()
	require.NoError(t, err)
	_, err = db.AccessKeys().Create(ctx, registry.AccessKey{
		Digest:       registry.DigestAccessKey(otherSecret),
		AccountID:    account.ID,
		FriendlyName: "ci",
	})
	require.True(t, registry.ErrAlreadyExists.Has(err))

	got, err := db.AccessKeys().GetByDigest(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, "ci", got.FriendlyName)

	got.FriendlyName = "ci-renamed"
	got.Expires = registry.NowMillis() + 1000
	require.NoError(t, db.AccessKeys().Update(ctx, *got))

	keys, err := db.AccessKeys().ListByAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "ci-renamed", keys[0].FriendlyName)

	require.NoError(t, db.AccessKeys().Delete(ctx, digest))
	_, err = db.AccessKeys().GetByDigest(ctx, digest)
	require.True(t, registry.ErrNotFound.Has(err))
}

func testApp(accountID, email, name string) registry.App {
	return registry.App{
		Name: name,
		Collaborators: map[string]registry.Collaborator{
			email: {AccountID: accountID, Permission: registry.PermissionOwner},
		},
	}
}

func TestApps(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newDB(t)
	defer ctx.Check(db.Close)

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	other, err := db.Accounts().Create(ctx, registry.Account{Email: "other@example.test"})
	require.NoError(t, err)

	app, err := db.Apps().Create(ctx, testApp(owner.ID, owner.Email, "Mobile"))
	require.NoError(t, err)
	require.NotEmpty(t, app.ID)

	// names are unique per collaborator, not globally
	_, err = db.Apps().Create(ctx, testApp(owner.ID, owner.Email, "Mobile"))
	require.True(t, registry.ErrAlreadyExists.Has(err))
	otherApp, err := db.Apps().Create(ctx, testApp(other.ID, other.Email, "Mobile"))
	require.NoError(t, err)

	got, err := db.Apps().GetByName(ctx, owner.ID, "Mobile")
	require.NoError(t, err)
	require.Equal(t, app.ID, got.ID)
	got, err = db.Apps().GetByName(ctx, other.ID, "Mobile")
	require.NoError(t, err)
	require.Equal(t, otherApp.ID, got.ID)

	// adding a collaborator makes the app visible to them
	app.Collaborators[other.Email] = registry.Collaborator{
		AccountID:  other.ID,
		Permission: registry.PermissionCollaborator,
	}
	require.True(t, registry.ErrAlreadyExists.Has(db.Apps().Update(ctx, *app)),
		"collaborator already has an app named Mobile")

	app.Name = "Mobile2"
	require.NoError(t, db.Apps().Update(ctx, *app))

	apps, err := db.Apps().ListByAccount(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	require.Equal(t, "Mobile", apps[0].Name)
	require.Equal(t, "Mobile2", apps[1].Name)

	// the old name is free again after the rename
	renamed, err := db.Apps().Create(ctx, testApp(owner.ID, owner.Email, "Mobile"))
	require.NoError(t, err)
	require.NoError(t, db.Apps().Delete(ctx, renamed.ID))

	require.NoError(t, db.Apps().Delete(ctx, app.ID))
	_, err = db.Apps().GetByName(ctx, owner.ID, "Mobile2")
	require.True(t, registry.ErrNotFound.Has(err))
	_, err = db.Apps().GetByName(ctx, other.ID, "Mobile2")
	require.True(t, registry.ErrNotFound.Has(err))
}

func TestDeployments(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newDB(t)
	defer ctx.Check(db.Close)

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	app, err := db.Apps().Create(ctx, testApp(owner.ID, owner.Email, "Mobile"))
	require.NoError(t, err)

	staging, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.NoError(t, err)
	require.NoError(t, registry.ValidateDeploymentKey(staging.Key))

	_, err = db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.True(t, registry.ErrAlreadyExists.Has(err))

	_, err = db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Short", Key: "tiny"})
	require.True(t, registry.ErrInvalid.Has(err))

	// explicit keys are honored and unique
	production, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{
		Name: "Production",
		Key:  "production-key-0123456789",
	})
	require.NoError(t, err)
	_, err = db.Deployments().Create(ctx, app.ID, registry.Deployment{
		Name: "Production2",
		Key:  "production-key-0123456789",
	})
	require.True(t, registry.ErrAlreadyExists.Has(err))

	info, err := db.Deployments().GetDeploymentInfo(ctx, production.Key)
	require.NoError(t, err)
	require.Equal(t, app.ID, info.AppID)
	require.Equal(t, production.ID, info.DeploymentID)

	_, err = db.Deployments().GetDeploymentInfo(ctx, "unknown-key-0123456789")
	require.True(t, registry.ErrNotFound.Has(err))

	list, err := db.Deployments().List(ctx, app.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)

	// renames keep the key
	production.Name = "Live"
	require.NoError(t, db.Deployments().Update(ctx, app.ID, *production))
	got, err := db.Deployments().GetByName(ctx, app.ID, "Live")
	require.NoError(t, err)
	require.Equal(t, production.Key, got.Key)

	require.NoError(t, db.Deployments().Delete(ctx, app.ID, production.ID))
	_, err = db.Deployments().GetDeploymentInfo(ctx, production.Key)
	require.True(t, registry.ErrNotFound.Has(err))
}

func TestHistoryCommit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newDB(t)
	defer ctx.Check(db.Close)

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	app, err := db.Apps().Create(ctx, testApp(owner.ID, owner.Email, "Mobile"))
	require.NoError(t, err)
	deployment, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.NoError(t, err)

	history, err := db.History().Get(ctx, deployment.ID)
	require.NoError(t, err)
	require.Empty(t, history)

	first, err := db.History().Commit(ctx, app.ID, deployment.ID, registry.Package{
		AppVersion:  "1.0.0",
		PackageHash: "hash-1",
		BlobURL:     "http://blobs.test/1",
		Size:        100,
	})
	require.NoError(t, err)
	require.Equal(t, "v1", first.Label)
	require.NotZero(t, first.UploadTime)

	// the deployment head follows the commit
	got, err := db.Deployments().Get(ctx, app.ID, deployment.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Package)
	require.Equal(t, "v1", got.Package.Label)

	// duplicate hash for the same version conflicts
	_, err = db.History().Commit(ctx, app.ID, deployment.ID, registry.Package{
		AppVersion:  "1.0.0",
		PackageHash: "hash-1",
	})
	require.True(t, registry.ErrConflict.Has(err))

	second, err := db.History().Commit(ctx, app.ID, deployment.ID, registry.Package{
		AppVersion:  "1.0.0",
		PackageHash: "hash-2",
		Rollout:     intptr(25),
	})
	require.NoError(t, err)
	require.Equal(t, "v2", second.Label)

	// the unfinished rollout head blocks further commits
	_, err = db.History().Commit(ctx, app.ID, deployment.ID, registry.Package{
		AppVersion:  "1.0.0",
		PackageHash: "hash-3",
	})
	require.True(t, registry.ErrConflict.Has(err))

	// finishing the rollout through Update unblocks
	second.Rollout = nil
	require.NoError(t, db.History().Update(ctx, app.ID, deployment.ID, *second))
	third, err := db.History().Commit(ctx, app.ID, deployment.ID, registry.Package{
		AppVersion:  "1.0.0",
		PackageHash: "hash-3",
	})
	require.NoError(t, err)
	require.Equal(t, "v3", third.Label)

	history, err = db.History().Get(ctx, deployment.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, []string{"v1", "v2", "v3"}, []string{history[0].Label, history[1].Label, history[2].Label})

	require.NoError(t, db.History().Clear(ctx, app.ID, deployment.ID))
	history, err = db.History().Get(ctx, deployment.ID)
	require.NoError(t, err)
	require.Empty(t, history)
	got, err = db.Deployments().Get(ctx, app.ID, deployment.ID)
	require.NoError(t, err)
	require.Nil(t, got.Package)
}

func TestHistoryUpdateMissingLabel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newDB(t)
	defer ctx.Check(db.Close)

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	app, err := db.Apps().Create(ctx, testApp(owner.ID, owner.Email, "Mobile"))
	require.NoError(t, err)
	deployment, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.NoError(t, err)

	err = db.History().Update(ctx, app.ID, deployment.ID, registry.Package{Label: "v1"})
	require.True(t, registry.ErrNotFound.Has(err))
}

func TestHistoryReplace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newDB(t)
	defer ctx.Check(db.Close)

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	app, err := db.Apps().Create(ctx, testApp(owner.ID, owner.Email, "Mobile"))
	require.NoError(t, err)
	deployment, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := db.History().Commit(ctx, app.ID, deployment.ID, registry.Package{
			AppVersion:  "1.0.0",
			PackageHash: fmt.Sprintf("hash-%d", i),
		})
		require.NoError(t, err)
	}

	// restoring an exported history swaps the whole array
	restored := []registry.Package{
		{AppVersion: "2.0.0", PackageHash: "restored-1", Label: "v5", UploadTime: 1000},
		{AppVersion: "2.1.0", PackageHash: "restored-2", Label: "v6", UploadTime: 2000},
	}
	require.NoError(t, db.History().Replace(ctx, app.ID, deployment.ID, restored))

	history, err := db.History().Get(ctx, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, restored, history)

	// the deployment head follows the restored newest entry
	got, err := db.Deployments().Get(ctx, app.ID, deployment.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Package)
	require.Equal(t, "v6", got.Package.Label)

	// labels continue from the restored history
	next, err := db.History().Commit(ctx, app.ID, deployment.ID, registry.Package{
		AppVersion:  "2.1.0",
		PackageHash: "hash-next",
	})
	require.NoError(t, err)
	require.Equal(t, "v7", next.Label)

	// replacing with nothing clears the deployment
	require.NoError(t, db.History().Replace(ctx, app.ID, deployment.ID, nil))
	history, err = db.History().Get(ctx, deployment.ID)
	require.NoError(t, err)
	require.Empty(t, history)
	got, err = db.Deployments().Get(ctx, app.ID, deployment.ID)
	require.NoError(t, err)
	require.Nil(t, got.Package)
}

func TestHistoryTrimsAtCap(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newDB(t)
	defer ctx.Check(db.Close)

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	app, err := db.Apps().Create(ctx, testApp(owner.ID, owner.Email, "Mobile"))
	require.NoError(t, err)
	deployment, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.NoError(t, err)

	for i := 0; i < registry.MaxHistoryLength+3; i++ {
		_, err := db.History().Commit(ctx, app.ID, deployment.ID, registry.Package{
			AppVersion:  "1.0.0",
			PackageHash: fmt.Sprintf("hash-%d", i),
		})
		require.NoError(t, err)
	}

	history, err := db.History().Get(ctx, deployment.ID)
	require.NoError(t, err)
	require.Len(t, history, registry.MaxHistoryLength)
	require.Equal(t, "v4", history[0].Label)
	require.Equal(t, fmt.Sprintf("v%d", registry.MaxHistoryLength+3), history[len(history)-1].Label)
}

func TestHistoryConcurrentCommits(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	store := teststore.New()
	db := registrydb.New(zaptest.NewLogger(t), store)
	defer ctx.Check(db.Close)

	owner, err := db.Accounts().Create(ctx, registry.Account{Email: "owner@example.test"})
	require.NoError(t, err)
	app, err := db.Apps().Create(ctx, testApp(owner.ID, owner.Email, "Mobile"))
	require.NoError(t, err)
	deployment, err := db.Deployments().Create(ctx, app.ID, registry.Deployment{Name: "Staging"})
	require.NoError(t, err)

	// Two concurrent commits must both land with distinct labels or one
	// must fail with a conflict; labels never duplicate.
	casBefore := store.CallCount.CompareAndSwap
	var wg sync.WaitGroup
	labels := make([]string, 2)
	errors := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			pkg, err := db.History().Commit(ctx, app.ID, deployment.ID, registry.Package{
				AppVersion:  "1.0.0",
				PackageHash: fmt.Sprintf("concurrent-%d", i),
			})
			errors[i] = err
			if err == nil {
				labels[i] = pkg.Label
			}
		}()
	}
	wg.Wait()

	// every commit lands through compare-and-swap
	require.GreaterOrEqual(t, store.CallCount.CompareAndSwap, casBefore+2)

	var committed []string
	for i := 0; i < 2; i++ {
		if errors[i] == nil {
			committed = append(committed, labels[i])
		} else {
			require.True(t, registry.ErrConflict.Has(errors[i]))
		}
	}
	require.NotEmpty(t, committed)
	if len(committed) == 2 {
		require.NotEqual(t, committed[0], committed[1])
	}

	history, err := db.History().Get(ctx, deployment.ID)
	require.NoError(t, err)
	require.Len(t, history, len(committed))
	for i := range history {
		require.Equal(t, fmt.Sprintf("v%d", i+1), history[i].Label)
	}
}
