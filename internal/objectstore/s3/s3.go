// Package s3 implements the objectstore driver on top of aws-sdk-go-v2. It is
// the default driver: Garage speaks enough of the S3 API for the SDK with
// path-style addressing and a custom endpoint.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/objectstore"
)

func init() {
	objectstore.Register("s3", func(opts objectstore.Options) (objectstore.Store, error) {
		return New(opts)
	})
}

// Store implements objectstore.Store for an S3-compatible endpoint.
type Store struct {
	client *s3.Client
}

// New creates a Store that signs every request with opts.Credentials.
// Shared AWS config and credential files are ignored.
func New(opts objectstore.Options) (*Store, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if opts.Credentials.AccessKeyID == "" || opts.Credentials.SecretAccessKey == "" {
		return nil, fmt.Errorf("s3 access key id and secret access key are required")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(opts.Region),
		config.WithSharedConfigFiles([]string{}),
		config.WithSharedCredentialsFiles([]string{}),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.Credentials.AccessKeyID, opts.Credentials.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(opts.Endpoint)
		o.UsePathStyle = true
		// Garage does not implement the flexible checksum extensions.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Store{client: client}, nil
}

// List walks every ListObjectsV2 page under prefix.
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]objectstore.Entry, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(objectstore.Delimiter),
	})

	entries := []objectstore.Entry{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, fmt.Sprintf("failed to list bucket %s", bucket))
		}
		for _, obj := range page.Contents {
			e := objectstore.Entry{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				e.Size = *obj.Size
			}
			if obj.LastModified != nil {
				e.LastModified = *obj.LastModified
			}
			entries = append(entries, e)
		}
		for _, cp := range page.CommonPrefixes {
			entries = append(entries, objectstore.Entry{Key: aws.ToString(cp.Prefix), IsFolder: true})
		}
	}
	return entries, nil
}

// Get downloads an object.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("failed to get object %s", key))
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, apperr.Transport(fmt.Sprintf("failed to read object %s", key), err)
	}
	return data, nil
}

// Put uploads an object in a single request. The SDK needs a seekable body
// to sign it, so other readers are buffered first.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	rs, ok := body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read upload body: %w", err)
		}
		rs = bytes.NewReader(data)
		size = int64(len(data))
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   rs,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return mapError(err, fmt.Sprintf("failed to put object %s", key))
	}
	return nil
}

// Delete removes an object.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapError(err, fmt.Sprintf("failed to delete object %s", key))
	}
	return nil
}

// mapError translates an SDK error into an *apperr.Error.
func mapError(err error, msg string) error {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		return apperr.Transport(msg, err)
	}

	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	switch {
	case respErr.HTTPStatusCode() == http.StatusNotFound,
		code == "NoSuchKey", code == "NoSuchBucket", code == "NotFound":
		return apperr.Wrap(apperr.KindNotFound, msg, err)
	default:
		// S3 access errors concern the service key, not the operator's admin
		// token, so they are never relayed as 401/403.
		return apperr.Upstream(http.StatusBadGateway, msg, err)
	}
}
