package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/google/uuid"
)

const blobScheme = "s3://"

var ErrInvalidBlobURL = errors.New("invalid_blob_url")

// BlobStore keeps uploaded file bodies in object storage.
type BlobStore interface {
	// Put stores body under key and returns the blob URL recorded on the file row.
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	PresignGet(ctx context.Context, blobURL string, expires time.Duration) (string, error)
	Delete(ctx context.Context, blobURL string) error
}

type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a path-style client for S3 or an S3-compatible endpoint.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}

// removeDisableGzip works around signature errors from some S3-compatible services.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}

type s3BlobStore struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
}

func NewS3BlobStore(client *s3.Client, bucket string) BlobStore {
	return &s3BlobStore{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
	}
}

// ObjectKey places a user's upload under its own prefix with a random name, keeping the extension.
func ObjectKey(userID, originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	return fmt.Sprintf("users/%s/%s%s", userID, uuid.NewString(), ext)
}

// BlobURL formats the s3://bucket/key reference stored on file rows.
func BlobURL(bucket, key string) string {
	return blobScheme + bucket + "/" + key
}

// ParseBlobURL splits an s3://bucket/key reference.
func ParseBlobURL(blobURL string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(blobURL, blobScheme)
	if !ok {
		return "", "", fmt.Errorf("%q: %w", blobURL, ErrInvalidBlobURL)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q: %w", blobURL, ErrInvalidBlobURL)
	}
	return bucket, key, nil
}

func (s *s3BlobStore) Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	// The SDK needs a seekable body to sign the payload.
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload body: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return BlobURL(s.bucket, key), nil
}

func (s *s3BlobStore) PresignGet(ctx context.Context, blobURL string, expires time.Duration) (string, error) {
	bucket, key, err := ParseBlobURL(blobURL)
	if err != nil {
		return "", err
	}
	resp, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return resp.URL, nil
}

func (s *s3BlobStore) Delete(ctx context.Context, blobURL string) error {
	bucket, key, err := ParseBlobURL(blobURL)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}
