// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package mongodb

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

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

	_, err = store.db.deployments.InsertOne(ctx, encodeDeployment(appID, deployment))
	if err != nil {
		if isDuplicate(err) {
			return nil, registry.ErrAlreadyExists.New("deployment named %q already exists or the key is in use", deployment.Name)
		}
		return nil, Error.Wrap(err)
	}
	return &deployment, nil
}

func (store *deployments) Get(ctx context.Context, appID, deploymentID string) (_ *registry.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	var doc deploymentDoc
	err = store.db.deployments.FindOne(ctx, bson.M{"_id": deploymentID, "appId": appID}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, registry.ErrNotFound.New("deployment %s", deploymentID)
		}
		return nil, Error.Wrap(err)
	}
	deployment := doc.decode()
	return &deployment, nil
}

func (store *deployments) GetByName(ctx context.Context, appID, name string) (_ *registry.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	var doc deploymentDoc
	err = store.db.deployments.FindOne(ctx, bson.M{"appId": appID, "name": name}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, registry.ErrNotFound.New("deployment %q", name)
		}
		return nil, Error.Wrap(err)
	}
	deployment := doc.decode()
	return &deployment, nil
}

func (store *deployments) List(ctx context.Context, appID string) (_ []registry.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	cursor, err := store.db.deployments.Find(ctx, bson.M{"appId": appID},
		options.Find().SetSort(bson.D{{Key: "createdTime", Value: 1}, {Key: "name", Value: 1}}))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var docs []deploymentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, Error.Wrap(err)
	}
	deployments := make([]registry.Deployment, 0, len(docs))
	for _, doc := range docs {
		deployments = append(deployments, doc.decode())
	}
	return deployments, nil
}

func (store *deployments) Update(ctx context.Context, appID string, deployment registry.Deployment) (err error) {
	defer mon.Task()(&ctx)(&err)

	if deployment.Name == "" {
		return registry.ErrInvalid.New("deployment name is required")
	}
	doc := encodeDeployment(appID, deployment)
	// The key and creation time are fixed at creation.
	result, err := store.db.deployments.UpdateOne(ctx, bson.M{"_id": deployment.ID, "appId": appID},
		bson.M{"$set": bson.M{
			"name":    doc.Name,
			"package": doc.Package,
		}})
	if err != nil {
		if isDuplicate(err) {
			return registry.ErrAlreadyExists.New("deployment named %q already exists", deployment.Name)
		}
		return Error.Wrap(err)
	}
	if result.MatchedCount == 0 {
		return registry.ErrNotFound.New("deployment %s", deployment.ID)
	}
	return nil
}

func (store *deployments) Delete(ctx context.Context, appID, deploymentID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := store.db.history.DeleteOne(ctx, bson.M{"_id": deploymentID}); err != nil {
		return Error.Wrap(err)
	}
	result, err := store.db.deployments.DeleteOne(ctx, bson.M{"_id": deploymentID, "appId": appID})
	if err != nil {
		return Error.Wrap(err)
	}
	if result.DeletedCount == 0 {
		return registry.ErrNotFound.New("deployment %s", deploymentID)
	}
	return nil
}

func (store *deployments) GetDeploymentInfo(ctx context.Context, key string) (_ *registry.DeploymentInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := registry.ValidateDeploymentKey(key); err != nil {
		return nil, err
	}
	var doc deploymentDoc
	err = store.db.deployments.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, registry.ErrNotFound.New("deployment key")
		}
		return nil, Error.Wrap(err)
	}
	return &registry.DeploymentInfo{AppID: doc.AppID, DeploymentID: doc.ID}, nil
}

// refreshHead rewrites the deployment document's current package.
func (store *deployments) refreshHead(ctx context.Context, appID, deploymentID string, head *registry.Package) error {
	var doc *packageDoc
	if head != nil {
		encoded := encodePackage(*head)
		doc = &encoded
	}
	result, err := store.db.deployments.UpdateOne(ctx, bson.M{"_id": deploymentID, "appId": appID},
		bson.M{"$set": bson.M{"package": doc}})
	if err != nil {
		return Error.Wrap(err)
	}
	if result.MatchedCount == 0 {
		return registry.ErrNotFound.New("deployment %s", deploymentID)
	}
	return nil
}
