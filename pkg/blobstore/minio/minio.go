// Package minio implements blobstore.Store on MinIO or any S3-compatible
// object store using github.com/minio/minio-go/v7.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/MrWong99/jubensha/pkg/blobstore"
)

var _ blobstore.Store = (*Store)(nil)

const defaultProbeTimeout = 3 * time.Second

// Config configures a Store.
type Config struct {
	// Endpoint is host[:port] without scheme, e.g. "minio:9000".
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// Region skips bucket location discovery when set.
	Region string

	// PublicBaseURL prefixes object keys in returned URLs. When empty the
	// endpoint URL and bucket are used.
	PublicBaseURL string
}

// Store uploads objects into a single bucket.
type Store struct {
	client  *miniogo.Client
	bucket  string
	baseURL string
	probe   time.Duration
}

// New connects to the object store described by cfg. It does not contact the
// server; call [Store.EnsureBucket] at startup.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio: endpoint must not be empty")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio: bucket must not be empty")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: create client: %w", err)
	}

	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimRight(client.EndpointURL().String(), "/") + "/" + cfg.Bucket
	}
	return &Store{client: client, bucket: cfg.Bucket, baseURL: base, probe: defaultProbeTimeout}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("minio: check bucket %q: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("minio: create bucket %q: %w", s.bucket, err)
	}
	return nil
}

// Available reports whether the bucket is reachable.
func (s *Store) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.probe)
	defer cancel()
	ok, err := s.client.BucketExists(ctx, s.bucket)
	return err == nil && ok
}

// Upload puts data under key and returns its public URL.
func (s *Store) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	k, err := blobstore.CleanKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, k, bytes.NewReader(data), int64(len(data)), miniogo.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("minio: put %q: %w", k, err)
	}
	return s.baseURL + "/" + escapePath(k), nil
}

func escapePath(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
