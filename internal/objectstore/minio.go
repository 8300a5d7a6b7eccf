package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible store.
type MinioConfig struct {
	Endpoint  string // Endpoint is host:port of the S3 service
	Bucket    string // Bucket holds the item bodies
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Minio is a Store backed by an S3-compatible service.
type Minio struct {
	client *minio.Client // client is the S3 client
	bucket string        // bucket holds every object
}

// NewMinio creates a Minio store.
func NewMinio(cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client:\n%w", err)
	}

	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

// Put stores an object.
func (m *Minio) Put(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("put %s:\n%w", key, mapError(err))
	}

	return nil
}

// Stat returns an object's size and metadata.
func (m *Minio) Stat(ctx context.Context, key string) (Info, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, mapError(err)
	}

	return Info{Size: info.Size, Metadata: info.UserMetadata}, nil
}

// Get returns an object range.
func (m *Minio) Get(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}

	if start > 0 || end >= 0 {
		if end < 0 {
			end = 0
		}
		if err := opts.SetRange(start, end); err != nil {
			return nil, fmt.Errorf("range %s:\n%w", key, err)
		}
	}

	obj, err := m.client.GetObject(ctx, m.bucket, key, opts)
	if err != nil {
		return nil, mapError(err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, mapError(err)
	}

	return obj, nil
}

// mapError converts S3 missing-key responses to ErrNotFound.
func mapError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	return err
}
