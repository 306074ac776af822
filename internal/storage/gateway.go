package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// StorageError wraps a failed object store operation. Retryable errors
// (network faults, 5xx, throttling) may be attempted again; permanent
// errors (missing keys, access denied) should fail the step immediately.
type StorageError struct {
	Op        string
	Key       string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) IsRetryable() bool { return e.Retryable }

// Gateway abstracts the object store used for audio artifacts.
type Gateway interface {
	// Put writes an object and returns its public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	PresignUpload(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error)
	PublicURL(key string) string
}

// MinioGateway talks to any S3-compatible store through the minio client.
type MinioGateway struct {
	client    *minio.Client
	bucket    string
	publicURL string
	logger    *slog.Logger
}

func NewMinioGateway(endpoint, accessKey, secretKey, bucket, publicURL string, useSSL bool, logger *slog.Logger) (*MinioGateway, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &MinioGateway{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		logger:    logger,
	}, nil
}

func (g *MinioGateway) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := g.client.PutObject(ctx, g.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", classify("put", key, err)
	}
	g.logger.Debug("object stored", "key", key, "bytes", len(data))
	return g.PublicURL(key), nil
}

func (g *MinioGateway) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, g.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify("get", key, err)
	}
	return data, nil
}

func (g *MinioGateway) PresignUpload(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := g.client.PresignedPutObject(ctx, g.bucket, key, expiry)
	if err != nil {
		return "", classify("presign-upload", key, err)
	}
	return u.String(), nil
}

func (g *MinioGateway) PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := g.client.PresignedGetObject(ctx, g.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", classify("presign-download", key, err)
	}
	return u.String(), nil
}

func (g *MinioGateway) PublicURL(key string) string {
	return g.publicURL + "/" + key
}

// classify decides retryability from the minio error response. Anything
// without an HTTP status is treated as a transport fault and retried.
func classify(op, key string, err error) *StorageError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &StorageError{Op: op, Key: key, Err: err, Retryable: true}
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 {
		return &StorageError{Op: op, Key: key, Err: err, Retryable: true}
	}
	retryable := resp.StatusCode >= 500 || resp.StatusCode == 429
	return &StorageError{Op: op, Key: key, Err: err, Retryable: retryable}
}
