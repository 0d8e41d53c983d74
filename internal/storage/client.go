package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint      string
	Access        string
	Secret        string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

// Client is the durable object store for render artifacts.
type Client struct {
	minio      *minio.Client
	bucket     string
	publicBase string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	publicBase := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if publicBase == "" {
		endpoint := mc.EndpointURL()
		publicBase = (&url.URL{Scheme: endpoint.Scheme, Host: endpoint.Host, Path: "/" + cfg.Bucket}).String()
	}

	return &Client{
		minio:      mc,
		bucket:     cfg.Bucket,
		publicBase: publicBase,
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}

	return nil
}

// Put streams r into objectKey and returns its public URL. size may be -1
// when unknown.
func (c *Client) Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := c.minio.PutObject(ctx, c.bucket, objectKey, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return c.PublicURL(objectKey), nil
}

func (c *Client) PutBytes(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	return c.Put(ctx, objectKey, bytes.NewReader(data), int64(len(data)), contentType)
}

func (c *Client) Delete(ctx context.Context, objectKey string) error {
	if err := c.minio.RemoveObject(ctx, c.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", objectKey, err)
	}
	return nil
}

func (c *Client) PublicURL(objectKey string) string {
	return publicURL(c.publicBase, objectKey)
}

func publicURL(base, objectKey string) string {
	segments := strings.Split(path.Clean("/"+objectKey), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return base + strings.Join(segments, "/")
}
