// Package minio implements the objectstore driver on top of minio-go.
//
// Select it with browse.driver: minio. It behaves like the s3 driver; it
// exists for deployments that already standardise on the MinIO client.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/objectstore"
)

func init() {
	objectstore.Register("minio", func(opts objectstore.Options) (objectstore.Store, error) {
		return New(opts)
	})
}

// Driver is a MinIO client implementation of objectstore.Store.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	client *miniogo.Client
}

// New creates a Driver. opts.Endpoint is a URL; its scheme decides whether
// TLS is used.
func New(opts objectstore.Options) (*Driver, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid s3 endpoint %q", opts.Endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("s3 endpoint %q must use http or https", opts.Endpoint)
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	client, err := miniogo.New(u.Host, &miniogo.Options{
		Creds:        credentials.NewStaticV4(opts.Credentials.AccessKeyID, opts.Credentials.SecretAccessKey, ""),
		Secure:       u.Scheme == "https",
		Region:       opts.Region,
		BucketLookup: miniogo.BucketLookupPath,
	})
	if err != nil {
		return nil, apperr.Transport("failed to create minio client", err)
	}
	return &Driver{client: client}, nil
}

// List lists the direct children of prefix. minio-go follows continuation
// tokens itself and emits each page's objects before its common prefixes.
func (d *Driver) List(ctx context.Context, bucket, prefix string) ([]objectstore.Entry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := []objectstore.Entry{}
	for obj := range d.client.ListObjects(ctx, bucket, miniogo.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, mapError(obj.Err, fmt.Sprintf("failed to list bucket %s", bucket))
		}
		// Common prefixes carry no ETag; a zero-byte "folder/" object does.
		if strings.HasSuffix(obj.Key, objectstore.Delimiter) && obj.ETag == "" {
			entries = append(entries, objectstore.Entry{Key: obj.Key, IsFolder: true})
			continue
		}
		entries = append(entries, objectstore.Entry{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return entries, nil
}

// Get downloads an object.
func (d *Driver) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := d.client.GetObject(ctx, bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to get object %s", key))
	}
	defer obj.Close()

	// GetObject is lazy; Stat performs the request and surfaces NoSuchKey.
	if _, err := obj.Stat(); err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to get object %s", key))
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to read object %s", key))
	}
	return data, nil
}

// Put uploads an object.
func (d *Driver) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := d.client.PutObject(ctx, bucket, key, body, size, miniogo.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return mapError(err, fmt.Sprintf("failed to put object %s", key))
	}
	return nil
}

// Delete removes an object.
func (d *Driver) Delete(ctx context.Context, bucket, key string) error {
	if err := d.client.RemoveObject(ctx, bucket, key, miniogo.RemoveObjectOptions{}); err != nil {
		return mapError(err, fmt.Sprintf("failed to delete object %s", key))
	}
	return nil
}

// mapError translates a minio-go error into an *apperr.Error.
func mapError(err error, msg string) error {
	var resp miniogo.ErrorResponse
	if !errors.As(err, &resp) {
		return apperr.Transport(msg, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return apperr.Wrap(apperr.KindNotFound, msg, err)
	}
	switch resp.Code {
	case "NoSuchBucket", "NoSuchKey":
		return apperr.Wrap(apperr.KindNotFound, msg, err)
	}
	return apperr.Upstream(http.StatusBadGateway, msg, err)
}
