// Package s3remote implements remote.Storage on an S3 bucket. Folders are
// key prefixes ending in "/", optionally materialized by an empty marker
// object so empty folders survive.
package s3remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/remote"
)

// deleteBatchSize is the DeleteObjects per-request key limit.
const deleteBatchSize = 1000

// Config holds the connection settings for a bucket.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// s3API is the subset of *s3.Client the backend uses.
type s3API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Storage is a bucket addressed by key. The id of a folder is its prefix
// ("" for the bucket root), the id of a file is its key.
type Storage struct {
	client s3API
	bucket string
}

var _ remote.Storage = (*Storage)(nil)

// New builds a client from cfg. Static credentials are used when an
// access key is set, otherwise the default AWS credential chain applies.
// A custom endpoint switches to path-style addressing for S3-compatible
// stores.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket must not be empty")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
	}

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

// RootID converts a remote root such as "vaults/notes" into the folder
// id of that prefix.
func RootID(root string) string {
	root = strings.Trim(root, "/")
	if root == "" {
		return ""
	}

	return root + "/"
}

// List returns one page of the direct children of a prefix.
func (s *Storage) List(ctx context.Context, folderID, pageToken string) (*remote.Page, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(folderID),
		Delimiter: aws.String("/"),
	}

	if pageToken != "" {
		in.ContinuationToken = aws.String(pageToken)
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", folderID, mapError(err))
	}

	page := &remote.Page{}

	for _, cp := range out.CommonPrefixes {
		prefix := aws.ToString(cp.Prefix)
		page.Entries = append(page.Entries, remote.Entry{
			ID:     prefix,
			Name:   path.Base(strings.TrimSuffix(prefix, "/")),
			Folder: true,
		})
	}

	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		// Folder markers, including the listed folder's own.
		if strings.HasSuffix(key, "/") {
			continue
		}

		e := remote.Entry{
			ID:   key,
			Name: path.Base(key),
			Size: aws.ToInt64(obj.Size),
			Hash: strings.ReplaceAll(aws.ToString(obj.ETag), "\"", ""),
		}

		if obj.LastModified != nil {
			e.MTime = obj.LastModified.UnixMilli()
		}

		page.Entries = append(page.Entries, e)
	}

	if aws.ToBool(out.IsTruncated) {
		page.NextPageToken = aws.ToString(out.NextContinuationToken)
	}

	return page, nil
}

// CreateFolder writes an empty marker object for the prefix.
func (s *Storage) CreateFolder(ctx context.Context, parentID, name string) (remote.Entry, error) {
	key := parentID + name + "/"

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return remote.Entry{}, fmt.Errorf("creating folder %q: %w", key, mapError(err))
	}

	return remote.Entry{ID: key, Name: name, Folder: true}, nil
}

// Upload writes an object. r should be seekable (an *os.File) so the SDK
// can sign the payload.
func (s *Storage) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64) (remote.Entry, error) {
	key := parentID + name

	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return remote.Entry{}, fmt.Errorf("uploading %q: %w", key, mapError(err))
	}

	return remote.Entry{
		ID:    key,
		Name:  name,
		Size:  size,
		Hash:  strings.ReplaceAll(aws.ToString(resp.ETag), "\"", ""),
		MTime: time.Now().UnixMilli(),
	}, nil
}

// Download streams an object.
func (s *Storage) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %q: %w", id, mapError(err))
	}

	return resp.Body, nil
}

// Delete removes an object, or every object under a folder prefix.
func (s *Storage) Delete(ctx context.Context, id string) error {
	if !strings.HasSuffix(id, "/") {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(id),
		})
		if err != nil {
			return fmt.Errorf("deleting %q: %w", id, mapError(err))
		}

		return nil
	}

	if id == "" || id == "/" {
		return errors.New("refusing to delete bucket root")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(id),
	})

	var batch []types.ObjectIdentifier

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing %q for delete: %w", id, mapError(err))
		}

		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})

			if len(batch) == deleteBatchSize {
				if err := s.deleteBatch(ctx, batch); err != nil {
					return err
				}

				batch = batch[:0]
			}
		}
	}

	if len(batch) > 0 {
		return s.deleteBatch(ctx, batch)
	}

	return nil
}

func (s *Storage) deleteBatch(ctx context.Context, batch []types.ObjectIdentifier) error {
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("deleting %d objects: %w", len(batch), mapError(err))
	}

	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("deleting %q: %s: %s", aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message))
	}

	return nil
}

// mapError classifies SDK errors into the shared sentinels and transient
// errors.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", mirrorerr.ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("%w: %v", mirrorerr.ErrUnauthorized, err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return remote.Transient(err)
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		code := status.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return remote.Transient(err)
		}

		return err
	}

	if apiErr != nil {
		return err
	}

	// No API response at all: connection level failure.
	return remote.Transient(err)
}
