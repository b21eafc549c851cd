// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package mongodb

import (
	"updraft.dev/updraft/registry"
)

// Document shapes mirror the registry entities. Collaborator maps become
// arrays because emails contain dots, which mongodb reserves in field names;
// everything else is a straight field-for-field mapping.

type accountDoc struct {
	ID          string `bson:"_id"`
	Email       string `bson:"email"`
	EmailLower  string `bson:"emailLower"`
	Name        string `bson:"name"`
	CreatedTime int64  `bson:"createdTime"`
}

func encodeAccount(account registry.Account) accountDoc {
	return accountDoc{
		ID:          account.ID,
		Email:       account.Email,
		EmailLower:  registry.NormalizeEmail(account.Email),
		Name:        account.Name,
		CreatedTime: account.CreatedTime,
	}
}

func (doc accountDoc) decode() registry.Account {
	return registry.Account{
		ID:          doc.ID,
		Email:       doc.Email,
		Name:        doc.Name,
		CreatedTime: doc.CreatedTime,
	}
}

type accessKeyDoc struct {
	Digest       string `bson:"_id"`
	AccountID    string `bson:"accountId"`
	FriendlyName string `bson:"friendlyName"`
	CreatedBy    string `bson:"createdBy"`
	CreatedTime  int64  `bson:"createdTime"`
	Expires      int64  `bson:"expires"`
	LastUsed     int64  `bson:"lastUsed,omitempty"`
}

func encodeAccessKey(key registry.AccessKey) accessKeyDoc {
	return accessKeyDoc(key)
}

func (doc accessKeyDoc) decode() registry.AccessKey {
	return registry.AccessKey(doc)
}

type collaboratorDoc struct {
	Email      string `bson:"email"`
	AccountID  string `bson:"accountId"`
	Permission string `bson:"permission"`
}

type appDoc struct {
	ID            string            `bson:"_id"`
	Name          string            `bson:"name"`
	CreatedTime   int64             `bson:"createdTime"`
	Collaborators []collaboratorDoc `bson:"collaborators"`
}

func encodeApp(app registry.App) appDoc {
	doc := appDoc{
		ID:          app.ID,
		Name:        app.Name,
		CreatedTime: app.CreatedTime,
	}
	for email, c := range app.Collaborators {
		doc.Collaborators = append(doc.Collaborators, collaboratorDoc{
			Email:      email,
			AccountID:  c.AccountID,
			Permission: string(c.Permission),
		})
	}
	return doc
}

func (doc appDoc) decode() registry.App {
	app := registry.App{
		ID:            doc.ID,
		Name:          doc.Name,
		CreatedTime:   doc.CreatedTime,
		Collaborators: make(map[string]registry.Collaborator, len(doc.Collaborators)),
	}
	for _, c := range doc.Collaborators {
		app.Collaborators[c.Email] = registry.Collaborator{
			AccountID:  c.AccountID,
			Permission: registry.Permission(c.Permission),
		}
	}
	return app
}

type diffBlobInfoDoc struct {
	Size int64  `bson:"size"`
	URL  string `bson:"url"`
}

type packageDoc struct {
	AppVersion         string                     `bson:"appVersion"`
	BlobURL            string                     `bson:"blobUrl"`
	Description        string                     `bson:"description,omitempty"`
	DiffPackageMap     map[string]diffBlobInfoDoc `bson:"diffPackageMap,omitempty"`
	IsDisabled         bool                       `bson:"isDisabled"`
	IsMandatory        bool                       `bson:"isMandatory"`
	Label              string                     `bson:"label,omitempty"`
	ManifestBlobURL    string                     `bson:"manifestBlobUrl,omitempty"`
	OriginalDeployment string                     `bson:"originalDeployment,omitempty"`
	OriginalLabel      string                     `bson:"originalLabel,omitempty"`
	PackageHash        string                     `bson:"packageHash"`
	ReleasedBy         string                     `bson:"releasedBy,omitempty"`
	ReleaseMethod      string                     `bson:"releaseMethod,omitempty"`
	Rollout            *int                       `bson:"rollout,omitempty"`
	Size               int64                      `bson:"size"`
	UploadTime         int64                      `bson:"uploadTime"`
}

func encodePackage(pkg registry.Package) packageDoc {
	doc := packageDoc{
		AppVersion:         pkg.AppVersion,
		BlobURL:            pkg.BlobURL,
		Description:        pkg.Description,
		IsDisabled:         pkg.IsDisabled,
		IsMandatory:        pkg.IsMandatory,
		Label:              pkg.Label,
		ManifestBlobURL:    pkg.ManifestBlobURL,
		OriginalDeployment: pkg.OriginalDeployment,
		OriginalLabel:      pkg.OriginalLabel,
		PackageHash:        pkg.PackageHash,
		ReleasedBy:         pkg.ReleasedBy,
		ReleaseMethod:      string(pkg.ReleaseMethod),
		Size:               pkg.Size,
		UploadTime:         pkg.UploadTime,
	}
	if pkg.Rollout != nil {
		value := *pkg.Rollout
		doc.Rollout = &value
	}
	if pkg.DiffPackageMap != nil {
		doc.DiffPackageMap = make(map[string]diffBlobInfoDoc, len(pkg.DiffPackageMap))
		for hash, info := range pkg.DiffPackageMap {
			doc.DiffPackageMap[hash] = diffBlobInfoDoc(info)
		}
	}
	return doc
}

func (doc packageDoc) decode() registry.Package {
	pkg := registry.Package{
		AppVersion:         doc.AppVersion,
		BlobURL:            doc.BlobURL,
		Description:        doc.Description,
		IsDisabled:         doc.IsDisabled,
		IsMandatory:        doc.IsMandatory,
		Label:              doc.Label,
		ManifestBlobURL:    doc.ManifestBlobURL,
		OriginalDeployment: doc.OriginalDeployment,
		OriginalLabel:      doc.OriginalLabel,
		PackageHash:        doc.PackageHash,
		ReleasedBy:         doc.ReleasedBy,
		ReleaseMethod:      registry.ReleaseMethod(doc.ReleaseMethod),
		Size:               doc.Size,
		UploadTime:         doc.UploadTime,
	}
	if doc.Rollout != nil {
		value := *doc.Rollout
		pkg.Rollout = &value
	}
	if doc.DiffPackageMap != nil {
		pkg.DiffPackageMap = make(map[string]registry.DiffBlobInfo, len(doc.DiffPackageMap))
		for hash, info := range doc.DiffPackageMap {
			pkg.DiffPackageMap[hash] = registry.DiffBlobInfo(info)
		}
	}
	return pkg
}

func encodePackages(packages []registry.Package) []packageDoc {
	docs := make([]packageDoc, 0, len(packages))
	for _, pkg := range packages {
		docs = append(docs, encodePackage(pkg))
	}
	return docs
}

func decodePackages(docs []packageDoc) []registry.Package {
	if len(docs) == 0 {
		return nil
	}
	packages := make([]registry.Package, 0, len(docs))
	for _, doc := range docs {
		packages = append(packages, doc.decode())
	}
	return packages
}

type deploymentDoc struct {
	ID          string      `bson:"_id"`
	AppID       string      `bson:"appId"`
	Name        string      `bson:"name"`
	Key         string      `bson:"key"`
	CreatedTime int64       `bson:"createdTime"`
	Package     *packageDoc `bson:"package,omitempty"`
}

func encodeDeployment(appID string, deployment registry.Deployment) deploymentDoc {
	doc := deploymentDoc{
		ID:          deployment.ID,
		AppID:       appID,
		Name:        deployment.Name,
		Key:         deployment.Key,
		CreatedTime: deployment.CreatedTime,
	}
	if deployment.Package != nil {
		pkg := encodePackage(*deployment.Package)
		doc.Package = &pkg
	}
	return doc
}

func (doc deploymentDoc) decode() registry.Deployment {
	deployment := registry.Deployment{
		ID:          doc.ID,
		Name:        doc.Name,
		Key:         doc.Key,
		CreatedTime: doc.CreatedTime,
	}
	if doc.Package != nil {
		pkg := doc.Package.decode()
		deployment.Package = &pkg
	}
	return deployment
}

// historyDoc carries a deployment's package list. The revision counter is
// the compare-and-swap token serializing commits.
type historyDoc struct {
	DeploymentID string       `bson:"_id"`
	AppID        string       `bson:"appId"`
	Revision     int64        `bson:"revision"`
	Packages     []packageDoc `bson:"packages"`
}
