package miniostore

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/madmin-go/v3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/cors"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"
)

// Client is the subset of minio.Client the store uses
type Client interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObjectReader(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, int64, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error

	// Tags
	GetObjectTagging(ctx context.Context, bucketName, objectName string, opts minio.GetObjectTaggingOptions) (*tags.Tags, error)
	PutObjectTagging(ctx context.Context, bucketName, objectName string, otags *tags.Tags, opts minio.PutObjectTaggingOptions) error
	RemoveObjectTagging(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectTaggingOptions) error

	// Presigned URLs
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	PresignedPostPolicy(ctx context.Context, policy *minio.PostPolicy) (*url.URL, map[string]string, error)

	// Bucket configuration
	GetBucketPolicy(ctx context.Context, bucketName string) (string, error)
	SetBucketPolicy(ctx context.Context, bucketName, policy string) error
	SetBucketCors(ctx context.Context, bucketName string, corsConfig *cors.Config) error
}

// AdminClient is the madmin subset used for usage reporting
type AdminClient interface {
	DataUsageInfo(ctx context.Context) (madmin.DataUsageInfo, error)
}

// Credentials are the static keys used to reach the server
type Credentials struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	SessionToken string
	// Secure overrides endpoint based TLS detection when set
	Secure *bool
}

// WrappedClient wraps minio.Client to implement Client
type WrappedClient struct {
	client *minio.Client
}

func (c *WrappedClient) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return c.client.ListObjects(ctx, bucketName, opts)
}

func (c *WrappedClient) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return c.client.StatObject(ctx, bucketName, objectName, opts)
}

func (c *WrappedClient) GetObjectReader(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, int64, error) {
	obj, err := c.client.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, 0, err
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, err
	}
	return obj, info.Size, nil
}

func (c *WrappedClient) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (c *WrappedClient) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	return c.client.CopyObject(ctx, dst, src)
}

func (c *WrappedClient) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return c.client.RemoveObject(ctx, bucketName, objectName, opts)
}

func (c *WrappedClient) GetObjectTagging(ctx context.Context, bucketName, objectName string, opts minio.GetObjectTaggingOptions) (*tags.Tags, error) {
	return c.client.GetObjectTagging(ctx, bucketName, objectName, opts)
}

func (c *WrappedClient) PutObjectTagging(ctx context.Context, bucketName, objectName string, otags *tags.Tags, opts minio.PutObjectTaggingOptions) error {
	return c.client.PutObjectTagging(ctx, bucketName, objectName, otags, opts)
}

func (c *WrappedClient) RemoveObjectTagging(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectTaggingOptions) error {
	return c.client.RemoveObjectTagging(ctx, bucketName, objectName, opts)
}

func (c *WrappedClient) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	return c.client.PresignedGetObject(ctx, bucketName, objectName, expires, reqParams)
}

func (c *WrappedClient) PresignedPostPolicy(ctx context.Context, policy *minio.PostPolicy) (*url.URL, map[string]string, error) {
	return c.client.PresignedPostPolicy(ctx, policy)
}

func (c *WrappedClient) GetBucketPolicy(ctx context.Context, bucketName string) (string, error) {
	return c.client.GetBucketPolicy(ctx, bucketName)
}

func (c *WrappedClient) SetBucketPolicy(ctx context.Context, bucketName, policy string) error {
	return c.client.SetBucketPolicy(ctx, bucketName, policy)
}

func (c *WrappedClient) SetBucketCors(ctx context.Context, bucketName string, corsConfig *cors.Config) error {
	return c.client.SetBucketCors(ctx, bucketName, corsConfig)
}

// shouldUseSSL determines if SSL should be used based on the endpoint.
// Returns false for localhost, 127.0.0.1, and docker service names.
func shouldUseSSL(endpoint string) bool {
	if endpoint == "localhost:9000" || endpoint == "127.0.0.1:9000" {
		return false
	}
	// Docker service names (minio:9000, minio1:9000, ...) but not domain names
	if strings.HasPrefix(endpoint, "minio") && !strings.Contains(strings.Split(endpoint, ":")[0], ".") && strings.Contains(endpoint, ":9000") {
		return false
	}
	return true
}

func (c Credentials) secure() bool {
	if c.Secure != nil {
		return *c.Secure
	}
	return shouldUseSSL(c.Endpoint)
}

// NewClient connects a minio client for creds.
func NewClient(creds Credentials) (Client, error) {
	client, err := minio.New(creds.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, creds.SessionToken),
		Secure: creds.secure(),
	})
	if err != nil {
		return nil, err
	}
	return &WrappedClient{client: client}, nil
}

// NewAdminClient connects a madmin client for creds.
func NewAdminClient(creds Credentials) (AdminClient, error) {
	return madmin.NewWithOptions(creds.Endpoint, &madmin.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: creds.secure(),
	})
}
