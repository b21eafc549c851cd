// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"updraft.dev/updraft/registry"
)

func TestValidateEmail(t *testing.T) {
	for _, email := range []string{
		"user@example.com",
		"User.Name+tag@sub.example.org",
		"a@b.co",
	} {
		require.NoError(t, registry.ValidateEmail(email), email)
	}

	for _, email := range []string{
		"",
		"not an email",
		"@example.com",
		"user@",
		"__proto__",
		"__PROTO__@",
		"constructor",
		"prototype",
	} {
		err := registry.ValidateEmail(email)
		require.True(t, registry.ErrInvalid.Has(err), email)
	}
}

func TestNormalizeEmail(t *testing.T) {
	require.Equal(t, "user@example.com", registry.NormalizeEmail("User@Example.COM"))
}

func TestValidateDeploymentKey(t *testing.T) {
	require.NoError(t, registry.ValidateDeploymentKey("0123456789"))
	require.NoError(t, registry.ValidateDeploymentKey("abcDEF123-_xyz"))

	for _, key := range []string{
		"",
		"short",
		"123456789", // one below the minimum
		string(make([]byte, registry.MaxDeploymentKeyLength+1)),
		"0123456789!",
		"0123456789 space",
		"0123456789+plus",
	} {
		err := registry.ValidateDeploymentKey(key)
		require.True(t, registry.ErrInvalid.Has(err), key)
	}
}

func TestGenerateDeploymentKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		key, err := registry.GenerateDeploymentKey()
		require.NoError(t, err)
		require.Len(t, key, registry.GeneratedKeyLength)
		require.NoError(t, registry.ValidateDeploymentKey(key))
		require.False(t, seen[key])
		seen[key] = true
	}
}

func TestValidateRollout(t *testing.T) {
	require.NoError(t, registry.ValidateRollout(nil))
	for _, n := range []int{1, 50, 100} {
		require.NoError(t, registry.ValidateRollout(&n))
	}
	for _, n := range []int{-1, 0, 101, 1000} {
		err := registry.ValidateRollout(&n)
		require.True(t, registry.ErrInvalid.Has(err), n)
	}
}

func TestAppValidate(t *testing.T) {
	valid := registry.App{
		Name: "my-app",
		Collaborators: map[string]registry.Collaborator{
			"owner@example.com": {AccountID: "id-1", Permission: registry.PermissionOwner},
			"other@example.com": {AccountID: "id-2", Permission: registry.PermissionCollaborator},
		},
	}
	require.NoError(t, valid.Validate())

	noName := valid
	noName.Name = ""
	require.True(t, registry.ErrInvalid.Has(noName.Validate()))

	noOwner := registry.App{
		Name: "my-app",
		Collaborators: map[string]registry.Collaborator{
			"other@example.com": {AccountID: "id-2", Permission: registry.PermissionCollaborator},
		},
	}
	require.True(t, registry.ErrInvalid.Has(noOwner.Validate()))

	twoOwners := registry.App{
		Name: "my-app",
		Collaborators: map[string]registry.Collaborator{
			"a@example.com": {AccountID: "id-1", Permission: registry.PermissionOwner},
			"b@example.com": {AccountID: "id-2", Permission: registry.PermissionOwner},
		},
	}
	require.True(t, registry.ErrInvalid.Has(twoOwners.Validate()))

	badPermission := registry.App{
		Name: "my-app",
		Collaborators: map[string]registry.Collaborator{
			"a@example.com": {AccountID: "id-1", Permission: "Admin"},
		},
	}
	require.True(t, registry.ErrInvalid.Has(badPermission.Validate()))

	badEmail := registry.App{
		Name: "my-app",
		Collaborators: map[string]registry.Collaborator{
			"not an email": {AccountID: "id-1", Permission: registry.PermissionOwner},
		},
	}
	require.True(t, registry.ErrInvalid.Has(badEmail.Validate()))
}

func TestAppCollaborators(t *testing.T) {
	app := registry.App{
		Name: "my-app",
		Collaborators: map[string]registry.Collaborator{
			"owner@example.com": {AccountID: "id-1", Permission: registry.PermissionOwner},
			"other@example.com": {AccountID: "id-2", Permission: registry.PermissionCollaborator},
		},
	}

	email, collab, ok := app.Owner()
	require.True(t, ok)
	require.Equal(t, "owner@example.com", email)
	require.Equal(t, "id-1", collab.AccountID)

	require.True(t, app.IsOwnedBy("id-1"))
	require.False(t, app.IsOwnedBy("id-2"))

	_, got, ok := app.CollaboratorByAccount("id-2")
	require.True(t, ok)
	require.Equal(t, registry.PermissionCollaborator, got.Permission)

	_, _, ok = app.CollaboratorByAccount("id-3")
	require.False(t, ok)
}

func TestAccessKeySecrets(t *testing.T) {
	secret, err := registry.GenerateAccessKeySecret()
	require.NoError(t, err)
	require.Len(t, secret, registry.AccessKeySecretLength)

	digest := registry.DigestAccessKey(secret)
	require.Len(t, digest, 64)
	require.Equal(t, digest, registry.DigestAccessKey(secret))

	other, err := registry.GenerateAccessKeySecret()
	require.NoError(t, err)
	require.NotEqual(t, digest, registry.DigestAccessKey(other))
}

func TestAccessKeyIsExpired(t *testing.T) {
	now := registry.NowMillis()

	never := registry.AccessKey{Expires: 0}
	require.False(t, never.IsExpired(now))

	future := registry.AccessKey{Expires: now + 60_000}
	require.False(t, future.IsExpired(now))

	past := registry.AccessKey{Expires: now - 1}
	require.True(t, past.IsExpired(now))
}

func TestValidateFriendlyName(t *testing.T) {
	require.NoError(t, registry.ValidateFriendlyName("ci-token"))
	require.True(t, registry.ErrInvalid.Has(registry.ValidateFriendlyName("")))
}
