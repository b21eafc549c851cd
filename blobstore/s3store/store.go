// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package s3store implements a blob store on any S3-compatible object store.
package s3store

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"updraft.dev/updraft/blobstore"
)

var (
	// Error is the default s3store error class.
	Error = errs.Class("s3store")

	mon = monkit.Package()
)

// Config is configuration for the S3-backed blob store.
type Config struct {
	Endpoint      string        `user:"true" help:"S3-compatible endpoint as host:port" default:""`
	Bucket        string        `user:"true" help:"bucket release payloads are stored in" default:""`
	AccessKey     string        `user:"true" help:"access key id" default:""`
	SecretKey     string        `user:"true" help:"secret access key" default:""`
	UseSSL        bool          `help:"connect to the endpoint over TLS" default:"true"`
	PublicURL     string        `help:"base URL downloads are served from (e.g. a CDN in front of the bucket), empty serves path-style object URLs" default:""`
	Presign       bool          `help:"serve presigned GET URLs instead of public object URLs; presigned URLs expire and are only suitable for short-lived deployments" default:"false"`
	PresignExpiry time.Duration `help:"lifetime of presigned download URLs" default:"24h"`
}

var _ blobstore.Blobs = (*Store)(nil)

// Store implements a blob store on an S3-compatible bucket.
type Store struct {
	client *minio.Client
	config Config
}

// New dials the configured endpoint and verifies that the bucket exists.
func New(ctx context.Context, config Config) (*Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, Error.New("bucket %q: %w", config.Bucket, err)
	}
	if !exists {
		return nil, Error.New("bucket %q does not exist", config.Bucket)
	}
	return &Store{client: client, config: config}, nil
}

func (store *Store) object(ref blobstore.Ref) (string, error) {
	if !ref.IsValid() {
		return "", blobstore.ErrInvalidRef.New("%q/%q", ref.Namespace, ref.Key)
	}
	return ref.Namespace + "/" + ref.Key, nil
}

// Put uploads the content of data to the bucket.
func (store *Store) Put(ctx context.Context, ref blobstore.Ref, data io.Reader) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := store.object(ref)
	if err != nil {
		return 0, err
	}
	// PutObject streams in multiple parts when the size is unknown, so
	// recover it from seekable readers to upload in one shot.
	size := int64(-1)
	if seeker, ok := data.(io.Seeker); ok {
		cur, err := seeker.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := seeker.Seek(0, io.SeekEnd)
			if err == nil {
				if _, err := seeker.Seek(cur, io.SeekStart); err == nil {
					size = end - cur
				}
			}
		}
	}
	info, err := store.client.PutObject(ctx, store.config.Bucket, object, data, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return info.Size, nil
}

// Open returns a reader for the stored object.
func (store *Store) Open(ctx context.Context, ref blobstore.Ref) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := store.object(ref)
	if err != nil {
		return nil, err
	}
	reader, err := store.client.GetObject(ctx, store.config.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// GetObject defers the request until the first read, so surface a
	// missing object here instead of from the caller's io.Copy.
	if _, err := reader.Stat(); err != nil {
		_ = reader.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, blobstore.ErrNotFound.New("%q/%q", ref.Namespace, ref.Key)
		}
		return nil, Error.Wrap(err)
	}
	return reader, nil
}

// Delete removes the stored object. Deleting a missing object is not an
// error.
func (store *Store) Delete(ctx context.Context, ref blobstore.Ref) (err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := store.object(ref)
	if err != nil {
		return err
	}
	err = store.client.RemoveObject(ctx, store.config.Bucket, object, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return Error.Wrap(err)
	}
	return nil
}

// URL returns the download URL for a stored object, per the configured
// serving mode.
func (store *Store) URL(ctx context.Context, ref blobstore.Ref) (_ string, err error) {
	object, err := store.object(ref)
	if err != nil {
		return "", err
	}
	if store.config.Presign {
		signed, err := store.client.PresignedGetObject(ctx, store.config.Bucket, object, store.config.PresignExpiry, url.Values{})
		if err != nil {
			return "", Error.Wrap(err)
		}
		return signed.String(), nil
	}
	if store.config.PublicURL != "" {
		return store.config.PublicURL + "/" + object, nil
	}
	endpoint := *store.client.EndpointURL()
	endpoint.Path = "/" + store.config.Bucket + "/" + object
	return endpoint.String(), nil
}

// Close releases resources held by the store.
func (store *Store) Close() error { return nil }
