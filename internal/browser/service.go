// Package browser implements the bucket file browser: listing, downloading,
// deleting and uploading objects of a Garage bucket on behalf of the
// operator.
//
// The operator's admin token never reaches S3. Each operation resolves the
// Mechanic service key for the bucket through the admin API, looks up the
// bucket's alias and signs the S3 call with the service key.
package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/garage"
	"github.com/stouder/mechanic/internal/objectstore"
)

// BucketLookup fetches bucket metadata from the admin API.
type BucketLookup interface {
	GetBucketInfo(ctx context.Context, token, bucketID string) (*garage.BucketInfo, error)
}

// KeyResolver returns a service key with full access to a bucket.
type KeyResolver interface {
	ResolveKeyForBucket(ctx context.Context, token, bucketID string) (garage.ServiceKey, error)
}

// Config selects how the S3 API is reached.
type Config struct {
	// Driver is a registered objectstore driver name.
	Driver   string
	Endpoint string
	Region   string
}

// Service implements the four browser operations.
type Service struct {
	buckets BucketLookup
	keys    KeyResolver
	cfg     Config

	// The service key is the same for every bucket, so one store is kept
	// and rebuilt only when the key changes.
	mu       sync.Mutex
	storeKey garage.ServiceKey
	store    objectstore.Store
}

// NewService creates a Service.
func NewService(buckets BucketLookup, keys KeyResolver, cfg Config) *Service {
	return &Service{buckets: buckets, keys: keys, cfg: cfg}
}

// ListFiles lists the files and folders directly under prefix. All result
// pages are collected; entries keep the page order of the S3 API.
func (s *Service) ListFiles(ctx context.Context, token, bucketID, prefix string) ([]Entry, error) {
	store, bucket, err := s.open(ctx, token, bucketID)
	if err != nil {
		return nil, err
	}

	raw, err := store.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		if e.IsFolder {
			entries = append(entries, Folder{Path: e.Key})
			continue
		}
		entries = append(entries, File{Path: e.Key, Size: e.Size, LastModified: e.LastModified})
	}
	return entries, nil
}

// GetFile returns the content of the object at path.
func (s *Service) GetFile(ctx context.Context, token, bucketID, path string) ([]byte, error) {
	store, bucket, err := s.open(ctx, token, bucketID)
	if err != nil {
		return nil, err
	}

	data, err := store.Get(ctx, bucket, path)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("File not found: %s", path), err)
		}
		return nil, err
	}
	return data, nil
}

// DeleteFile removes the object at path.
func (s *Service) DeleteFile(ctx context.Context, token, bucketID, path string) error {
	store, bucket, err := s.open(ctx, token, bucketID)
	if err != nil {
		return err
	}

	if err := store.Delete(ctx, bucket, path); err != nil {
		return err
	}
	slog.Info("object deleted", "bucket_id", bucketID, "path", path)
	return nil
}

// UploadFile writes body at path, replacing any existing object.
func (s *Service) UploadFile(ctx context.Context, token, bucketID, path string, body io.Reader, size int64) error {
	store, bucket, err := s.open(ctx, token, bucketID)
	if err != nil {
		return err
	}

	if err := store.Put(ctx, bucket, path, body, size); err != nil {
		return err
	}
	slog.Info("object uploaded", "bucket_id", bucketID, "path", path, "size", size)
	return nil
}

// open resolves the service key and the bucket's S3 name.
func (s *Service) open(ctx context.Context, token, bucketID string) (objectstore.Store, string, error) {
	key, err := s.keys.ResolveKeyForBucket(ctx, token, bucketID)
	if err != nil {
		return nil, "", err
	}

	info, err := s.buckets.GetBucketInfo(ctx, token, bucketID)
	if err != nil {
		return nil, "", err
	}
	bucket, err := info.Identifier()
	if err != nil {
		return nil, "", err
	}

	store, err := s.storeFor(key)
	if err != nil {
		return nil, "", err
	}
	return store, bucket, nil
}

func (s *Service) storeFor(key garage.ServiceKey) (objectstore.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil && s.storeKey == key {
		return s.store, nil
	}
	store, err := objectstore.New(s.cfg.Driver, objectstore.Options{
		Endpoint: s.cfg.Endpoint,
		Region:   s.cfg.Region,
		Credentials: objectstore.Credentials{
			AccessKeyID:     key.AccessKeyID,
			SecretAccessKey: key.SecretAccessKey,
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to create object store client", err)
	}
	s.store, s.storeKey = store, key
	return store, nil
}
