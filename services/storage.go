package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"clinic-chat/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ObjectStorage is the bucket capability the media pipeline writes through.
type ObjectStorage interface {
	Put(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	SignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// KeyFromURL returns the object key behind a permanent URL, or false when
	// the URL does not point into this bucket.
	KeyFromURL(rawURL string) (string, bool)
}

// TenantKey namespaces a key under a tenant prefix.
func TenantKey(tenantID, name string) string {
	return "tenants/" + tenantID + "/" + strings.TrimLeft(name, "/")
}

// ChannelMediaKey namespaces a key under a WhatsApp channel prefix.
func ChannelMediaKey(channelID, name string) string {
	return "whatsapp/" + channelID + "/" + strings.TrimLeft(name, "/")
}

type MinioStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

func NewMinioStorage(ctx context.Context, cfg config.Storage) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "storage.New")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "storage.BucketExists")
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, errors.Wrap(err, "storage.MakeBucket")
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("bucket created")
	}

	return &MinioStorage{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicBase(cfg),
	}, nil
}

func publicBase(cfg config.Storage) string {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + cfg.Endpoint
}

func (s *MinioStorage) Put(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return "", errors.Wrap(err, "storage.Put")
	}
	return objectURL(s.publicURL, s.bucket, key), nil
}

func (s *MinioStorage) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "storage.Get")
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrap(err, "storage.Get.Read")
	}
	return data, nil
}

func (s *MinioStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrap(err, "storage.Delete")
	}
	return nil
}

func (s *MinioStorage) SignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", errors.Wrap(err, "storage.SignURL")
	}
	return u.String(), nil
}

func (s *MinioStorage) KeyFromURL(rawURL string) (string, bool) {
	return keyFromURL(s.publicURL, s.bucket, rawURL)
}

func objectURL(base, bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", base, bucket, key)
}

func keyFromURL(base, bucket, rawURL string) (string, bool) {
	prefix := base + "/" + bucket + "/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(rawURL, prefix)
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		key = key[:i]
	}
	if key == "" {
		return "", false
	}
	return key, true
}
