package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vader-pepe/octo-potato/internal/compress"
	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/transport"
)

const minioScheme = "s3://"

// MinioConfig describes an S3-compatible bucket used as the blob endpoint
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to every object key.
	Prefix string
}

// MinioEndpoint stores blobs as objects in a MinIO bucket
type MinioEndpoint struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioEndpoint connects to MinIO and creates the bucket if missing
func NewMinioEndpoint(ctx context.Context, cfg MinioConfig, logger logrus.FieldLogger) (*MinioEndpoint, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		logger.WithField("bucket", cfg.Bucket).Info("creating bucket")
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioEndpoint{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Put uploads data under a fresh key and returns an s3:// locator
func (me *MinioEndpoint) Put(ctx context.Context, data []byte) (string, error) {
	key := "chunks/" + uuid.New().String()
	if me.prefix != "" {
		key = me.prefix + "/" + key
	}

	ctx, span := tracer.Start(ctx, "minio.put",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	_, err := me.client.PutObject(ctx, me.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return "", minioError("minio.put", err)
	}

	return minioScheme + me.bucket + "/" + key, nil
}

// Get downloads the object addressed by locator
func (me *MinioEndpoint) Get(ctx context.Context, locator string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "minio.get",
		trace.WithAttributes(attribute.String("locator", locator)),
	)
	defer span.End()

	bucket, key, err := parseMinioLocator(locator)
	if err != nil {
		return nil, err
	}

	object, err := me.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, minioError("minio.get", err)
	}
	defer object.Close()

	limit := compress.MaxEncodedSize(models.MaxChunkSize)
	data, err := io.ReadAll(io.LimitReader(object, limit+1))
	if err != nil {
		span.RecordError(err)
		return nil, minioError("minio.get", err)
	}
	if int64(len(data)) > limit {
		return nil, &transport.StatusError{
			Op:         "minio.get",
			StatusCode: http.StatusRequestEntityTooLarge,
			Message:    fmt.Sprintf("object exceeds %d bytes", limit),
		}
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

func parseMinioLocator(locator string) (string, string, error) {
	rest, ok := strings.CutPrefix(locator, minioScheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !ok || !found || bucket == "" || key == "" {
		return "", "", &transport.StatusError{Op: "minio.get", StatusCode: http.StatusBadRequest, Message: "invalid locator " + locator}
	}
	return bucket, key, nil
}

// minioError turns an S3 error response into a *transport.StatusError so
// the transport can classify it. Other errors pass through.
func minioError(op string, err error) error {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return fmt.Errorf("%s: %w", op, err)
	}

	status := resp.StatusCode
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		status = http.StatusNotFound
	case "SlowDown":
		status = http.StatusTooManyRequests
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &transport.StatusError{Op: op, StatusCode: status, Message: resp.Code + ": " + resp.Message}
}
