package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the externally reachable base for object URLs; defaults
	// to the endpoint.
	PublicURL string
	MaxSize   int64
}

// MinIOStore keeps files in an S3-compatible bucket.
type MinIOStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
	maxSize   int64
}

// NewMinIOStore connects to the endpoint and creates the bucket if missing.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = MaxFileSize
	}

	return &MinIOStore{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		maxSize:   maxSize,
	}, nil
}

func (s *MinIOStore) Put(ctx context.Context, in PutInput) (*Object, error) {
	if err := validate(&in, s.maxSize); err != nil {
		return nil, err
	}
	key := objectKey(in.Prefix, in.FileName)

	info, err := s.client.PutObject(ctx, s.bucket, key, in.Body, in.Size, minio.PutObjectOptions{
		ContentType: in.ContentType,
		UserMetadata: map[string]string{
			"original-name": url.PathEscape(in.FileName),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}
	if info.Size > s.maxSize {
		_ = s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		return nil, ErrFileTooLarge
	}

	return &Object{
		Key:         key,
		URL:         s.publicURL + "/" + s.bucket + "/" + key,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		Size:        info.Size,
	}, nil
}

func (s *MinIOStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *MinIOStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("bucket " + s.bucket + " is missing")
	}
	return nil
}
