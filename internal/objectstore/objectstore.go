// Package objectstore defines the Store interface the bucket browser uses to
// talk to the Garage S3 API, and the registry of drivers implementing it.
//
// Drivers register themselves from an init() function in their own package:
//
//	func init() {
//	    objectstore.Register("mydriver", func(opts objectstore.Options) (objectstore.Store, error) {
//	        return New(opts)
//	    })
//	}
//
// The main package imports each driver with a blank import to trigger init().
package objectstore

import (
	"context"
	"io"
	"time"
)

// Delimiter separates the virtual folders of a bucket.
const Delimiter = "/"

// Store is the set of S3 operations the bucket browser needs. Every method
// addresses the bucket by name (its alias), never by Garage bucket ID.
//
// Errors are *apperr.Error values: a missing object or bucket is
// KindNotFound, an S3 error answer is KindUpstream and an unreachable
// endpoint is KindTransport.
type Store interface {
	// List returns the direct children of prefix, using Delimiter to fold
	// deeper keys into folders. All result pages are followed; within each
	// page objects come first, then that page's folders.
	List(ctx context.Context, bucket, prefix string) ([]Entry, error)

	// Get returns the full content of an object.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Put stores an object, replacing any existing object with the same key.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error

	// Delete removes an object. S3 semantics apply: deleting a missing key
	// is not an error.
	Delete(ctx context.Context, bucket, key string) error
}

// Entry is one element of a List result.
type Entry struct {
	// Key is the object key, or the folder prefix including its trailing
	// delimiter when IsFolder is set.
	Key string

	// Size in bytes; zero for folders.
	Size int64

	// LastModified is zero for folders.
	LastModified time.Time

	IsFolder bool
}

// Credentials is a static S3 access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Options configures a Store.
type Options struct {
	// Endpoint is the base URL of the S3 API (e.g. http://garage:3900).
	Endpoint string

	// Region must match the s3_region Garage was configured with.
	Region string

	Credentials Credentials
}
