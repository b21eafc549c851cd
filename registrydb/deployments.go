// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package registrydb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"updraft.dev/updraft/kvstore"
	"updraft.dev/updraft/registry"
)

// deployments implements registry.Deployments.
type deployments struct {
	db *DB
}

func (store *deployments) Create(ctx context.Context, appID string, deployment registry.Deployment) (_ *registry.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	if deployment.Name == "" {
		return nil, registry.ErrInvalid.New("deployment name is required")
	}
	if deployment.Key == "" {
		deployment.Key, err = registry.GenerateDeploymentKey()
		if err != nil {
			return nil, err
		}
	}
	if err := registry.ValidateDeploymentKey(deployment.Key); err != nil {
		return nil, err
	}
	if deployment.ID == "" {
		deployment.ID = uuid.NewString()
	}
	if deployment.CreatedTime == 0 {
		deployment.CreatedTime = registry.NowMillis()
	}

	existing, err := store.List(ctx, appID)
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if other.Name == deployment.Name {
			return nil, registry.ErrAlreadyExists.New("deployment named %q already exists", deployment.Name)
		}
	}

	// The key index row doubles as the global uniqueness guard for keys.
	info, err := encode(registry.DeploymentInfo{AppID: appID, DeploymentID: deployment.ID})
	if err != nil {
		return nil, err
	}
	err = store.db.kv.CompareAndSwap(ctx, deploymentKeyIndexKey(deployment.Key), nil, info)
	if err != nil {
		if kvstore.ErrValueChanged.Has(err) {
			return nil, registry.ErrAlreadyExists.New("deployment key is already in use")
		}
		return nil, Error.Wrap(err)
	}

	value, err := encode(deployment)
	if err != nil {
		return nil, err
	}
	if err := store.db.kv.Put(ctx, deploymentKey(appID, deployment.ID), value); err != nil {
		return nil, Error.Wrap(err)
	}
	return &deployment, nil
}

func (store *deployments) Get(ctx context.Context, appID, deploymentID string) (_ *registry.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := store.db.kv.Get(ctx, deploymentKey(appID, deploymentID))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, registry.ErrNotFound.New("deployment %s", deploymentID)
		}
		return nil, Error.Wrap(err)
	}
	var deployment registry.Deployment
	if err := decode(value, &deployment); err != nil {
		return nil, err
	}
	return &deployment, nil
}

func (store *deployments) GetByName(ctx context.Context, appID, name string) (_ *registry.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	deployments, err := store.List(ctx, appID)
	if err != nil {
		return nil, err
	}
	for i := range deployments {
		if deployments[i].Name == name {
			return &deployments[i], nil
		}
	}
	return nil, registry.ErrNotFound.New("deployment %q", name)
}

func (store *deployments) List(ctx context.Context, appID string) (_ []registry.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	var deployments []registry.Deployment
	err = store.db.rangePrefix(ctx, deploymentPrefix+appID+"/", func(_ string, value kvstore.Value) error {
		var deployment registry.Deployment
		if err := decode(value, &deployment); err != nil {
			return err
		}
		deployments = append(deployments, deployment)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(deployments, func(i, k int) bool {
		if deployments[i].CreatedTime != deployments[k].CreatedTime {
			return deployments[i].CreatedTime < deployments[k].CreatedTime
		}
		return deployments[i].Name < deployments[k].Name
	})
	return deployments, nil
}

func (store *deployments) Update(ctx context.Context, appID string, deployment registry.Deployment) (err error) {
	defer mon.Task()(&ctx)(&err)

	if deployment.Name == "" {
		return registry.ErrInvalid.New("deployment name is required")
	}
	existing, err := store.Get(ctx, appID, deployment.ID)
	if err != nil {
		return err
	}
	if deployment.Name != existing.Name {
		others, err := store.List(ctx, appID)
		if err != nil {
			return err
		}
		for _, other := range others {
			if other.ID != deployment.ID && other.Name == deployment.Name {
				return registry.ErrAlreadyExists.New("deployment named %q already exists", deployment.Name)
			}
		}
	}
	// The key and creation time are fixed at creation.
	deployment.Key = existing.Key
	deployment.CreatedTime = existing.CreatedTime

	value, err := encode(deployment)
	if err != nil {
		return err
	}
	return Error.Wrap(store.db.kv.Put(ctx, deploymentKey(appID, deployment.ID), value))
}

func (store *deployments) Delete(ctx context.Context, appID, deploymentID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	deployment, err := store.Get(ctx, appID, deploymentID)
	if err != nil {
		return err
	}
	if err := store.db.kv.Delete(ctx, historyKey(deploymentID)); err != nil && !kvstore.ErrKeyNotFound.Has(err) {
		return Error.Wrap(err)
	}
	if err := store.db.kv.Delete(ctx, deploymentKeyIndexKey(deployment.Key)); err != nil && !kvstore.ErrKeyNotFound.Has(err) {
		return Error.Wrap(err)
	}
	return Error.Wrap(store.db.kv.Delete(ctx, deploymentKey(appID, deploymentID)))
}

func (store *deployments) GetDeploymentInfo(ctx context.Context, key string) (_ *registry.DeploymentInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := registry.ValidateDeploymentKey(key); err != nil {
		return nil, err
	}
	value, err := store.db.kv.Get(ctx, deploymentKeyIndexKey(key))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, registry.ErrNotFound.New("deployment key")
		}
		return nil, Error.Wrap(err)
	}
	var info registry.DeploymentInfo
	if err := decode(value, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// refreshHead rewrites the deployment row's current package. History
// mutations call it after the history value is durable; the head is derived
// state and the newest write wins.
func (store *deployments) refreshHead(ctx context.Context, appID, deploymentID string, head *registry.Package) error {
	deployment, err := store.Get(ctx, appID, deploymentID)
	if err != nil {
		return err
	}
	deployment.Package = head
	value, err := encode(deployment)
	if err != nil {
		return err
	}
	return Error.Wrap(store.db.kv.Put(ctx, deploymentKey(appID, deploymentID), value))
}
