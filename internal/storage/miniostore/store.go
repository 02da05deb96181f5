// Package miniostore implements storage.Bucket on an S3 compatible server
// through minio-go.
package miniostore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/cors"
	"github.com/minio/minio-go/v7/pkg/tags"
	"github.com/rs/zerolog/log"
)

// maxPresignExpiry is the SigV4 upper bound for presigned requests.
const maxPresignExpiry = 7 * 24 * time.Hour

const (
	visibilityTag = "visibility"
	publicValue   = "public"
)

// Store is a storage.Bucket backed by one bucket of an S3 compatible server.
type Store struct {
	client Client
	admin  AdminClient
	bucket string
	now    func() time.Time

	policyApplied atomic.Bool
}

var (
	_ storage.Bucket        = (*Store)(nil)
	_ storage.UsageReporter = (*Store)(nil)
)

// New wraps client for bucket. admin may be nil, which disables usage reporting.
func New(client Client, admin AdminClient, bucket string) *Store {
	return &Store{client: client, admin: admin, bucket: bucket, now: time.Now}
}

// Open connects to the server described by creds.
func Open(creds Credentials, bucket string) (*Store, error) {
	client, err := NewClient(creds)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	admin, err := NewAdminClient(creds)
	if err != nil {
		return nil, fmt.Errorf("minio admin client: %w", err)
	}
	return New(client, admin, bucket), nil
}

func (s *Store) Name() string { return s.bucket }

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound" || code == "NoSuchTagSet"
}

func wrapErr(key string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", key, err)
}

func (s *Store) List(ctx context.Context, opts storage.ListOptions) (storage.ListPage, error) {
	b, err := storage.NewPageBuilder(opts)
	if err != nil {
		return storage.ListPage{}, err
	}

	// Cancel the listing goroutine once the page is full.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:     opts.Prefix,
		Recursive:  opts.Delimiter == "",
		StartAfter: b.StartAfter(),
	}) {
		if obj.Err != nil {
			return storage.ListPage{}, fmt.Errorf("list %q: %w", opts.Prefix, obj.Err)
		}
		if b.Add(toObject(obj)) {
			break
		}
	}
	return b.Page(), nil
}

func (s *Store) ListAll(ctx context.Context, prefix string) ([]storage.Object, error) {
	var objects []storage.Object
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, obj.Err)
		}
		objects = append(objects, toObject(obj))
	}
	return objects, nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.Object, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.Object{}, wrapErr(key, err)
	}
	return toObject(info), nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, wrapErr(key, err)
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, _, err := s.client.GetObjectReader(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapErr(key, err)
	}
	return reader, nil
}

func (s *Store) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return wrapErr(key, err)
}

// Delete stats first because RemoveObject succeeds for missing keys.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return wrapErr(key, err)
	}
	return wrapErr(key, s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}))
}

func (s *Store) Move(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src},
	)
	if err != nil {
		return wrapErr(src, err)
	}
	return wrapErr(src, s.client.RemoveObject(ctx, s.bucket, src, minio.RemoveObjectOptions{}))
}

func (s *Store) objectTags(ctx context.Context, key string) (map[string]string, error) {
	t, err := s.client.GetObjectTagging(ctx, s.bucket, key, minio.GetObjectTaggingOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchTagSet" {
			return map[string]string{}, nil
		}
		return nil, wrapErr(key, err)
	}
	return t.ToMap(), nil
}

// IsPublic reports the visibility tag. Anonymous reads of tagged objects are
// granted by the bucket policy installed in SetPublic.
func (s *Store) IsPublic(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return false, wrapErr(key, err)
	}
	m, err := s.objectTags(ctx, key)
	if err != nil {
		return false, err
	}
	return m[visibilityTag] == publicValue, nil
}

func (s *Store) SetPublic(ctx context.Context, key string, public bool) error {
	if public {
		if err := s.ensureVisibilityPolicy(ctx); err != nil {
			return err
		}
	}

	m, err := s.objectTags(ctx, key)
	if err != nil {
		return err
	}
	if public {
		m[visibilityTag] = publicValue
	} else {
		delete(m, visibilityTag)
	}

	if len(m) == 0 {
		return wrapErr(key, s.client.RemoveObjectTagging(ctx, s.bucket, key, minio.RemoveObjectTaggingOptions{}))
	}
	t, err := tags.NewTags(m, true)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return wrapErr(key, s.client.PutObjectTagging(ctx, s.bucket, key, t, minio.PutObjectTaggingOptions{}))
}

func (s *Store) ensureVisibilityPolicy(ctx context.Context) error {
	if s.policyApplied.Load() {
		return nil
	}
	current, err := s.client.GetBucketPolicy(ctx, s.bucket)
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchBucketPolicy" {
		return fmt.Errorf("get bucket policy: %w", err)
	}
	merged, changed, err := mergeVisibilityPolicy(current, s.bucket)
	if err != nil {
		return err
	}
	if changed {
		if err := s.client.SetBucketPolicy(ctx, s.bucket, merged); err != nil {
			return fmt.Errorf("set bucket policy: %w", err)
		}
		log.Info().Str("bucket", s.bucket).Msg("Installed public visibility bucket policy")
	}
	s.policyApplied.Store(true)
	return nil
}

// UpdateMetadata rewrites the object in place with merged user metadata.
func (s *Store) UpdateMetadata(ctx context.Context, key string, metadata map[string]string) error {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return wrapErr(key, err)
	}

	merged := normalizeMetadata(info.UserMetadata)
	for k, v := range metadata {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if info.ContentType != "" {
		merged["Content-Type"] = info.ContentType
	}

	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: key, UserMetadata: merged, ReplaceMetadata: true},
		minio.CopySrcOptions{Bucket: s.bucket, Object: key},
	)
	return wrapErr(key, err)
}

// SignedURL ignores opts.Hostname: SigV4 signs the host header, so a CDN
// hostname would invalidate the signature.
func (s *Store) SignedURL(ctx context.Context, key string, opts storage.SignedURLOptions) (string, error) {
	expires := opts.Expires.Sub(s.now())
	if expires > maxPresignExpiry {
		log.Debug().Str("key", key).Dur("requested", expires).Msg("Clamping presigned URL expiry to 7 days")
		expires = maxPresignExpiry
	}
	if expires < time.Second {
		expires = time.Second
	}

	params := url.Values{}
	if opts.Filename != "" {
		params.Set("response-content-disposition", storage.ContentDisposition(opts.Filename))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expires, params)
	if err != nil {
		return "", wrapErr(key, err)
	}
	return u.String(), nil
}

func (s *Store) PostPolicy(ctx context.Context, key string, opts storage.PostPolicyOptions) (storage.PostPolicy, error) {
	policy := minio.NewPostPolicy()
	steps := []error{
		policy.SetBucket(s.bucket),
		policy.SetKey(key),
		policy.SetExpires(opts.Expires),
		policy.SetContentType(opts.ContentType),
		policy.SetContentLengthRange(0, opts.MaxSize),
		policy.SetSuccessStatusAction(fmt.Sprint(opts.SuccessStatus)),
	}
	if err := errors.Join(steps...); err != nil {
		return storage.PostPolicy{}, fmt.Errorf("post policy: %w", err)
	}

	u, fields, err := s.client.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return storage.PostPolicy{}, wrapErr(key, err)
	}
	return storage.PostPolicy{URL: u.String(), Fields: fields}, nil
}

func (s *Store) SetCORS(ctx context.Context, rule storage.CORSRule) error {
	methods := rule.Methods
	if len(methods) == 1 && methods[0] == "*" {
		// S3 rejects wildcard methods.
		methods = []string{"GET", "PUT", "POST", "HEAD", "DELETE"}
	}
	cfg := cors.NewConfig([]cors.Rule{{
		AllowedOrigin: rule.Origins,
		AllowedMethod: methods,
		AllowedHeader: rule.ResponseHeaders,
		ExposeHeader:  []string{"ETag"},
		MaxAgeSeconds: int(rule.MaxAge.Seconds()),
	}})
	if err := s.client.SetBucketCors(ctx, s.bucket, cfg); err != nil {
		return fmt.Errorf("set bucket cors: %w", err)
	}
	return nil
}

// BucketUsage reports the server's data usage scan for the bucket.
func (s *Store) BucketUsage(ctx context.Context) (storage.Usage, error) {
	if s.admin == nil {
		return storage.Usage{}, storage.ErrUnsupported
	}
	info, err := s.admin.DataUsageInfo(ctx)
	if err != nil {
		return storage.Usage{}, fmt.Errorf("data usage: %w", err)
	}
	u, ok := info.BucketsUsage[s.bucket]
	if !ok {
		return storage.Usage{}, nil
	}
	return storage.Usage{Objects: u.ObjectsCount, Bytes: u.Size}, nil
}

func toObject(info minio.ObjectInfo) storage.Object {
	obj := storage.Object{
		Key:         info.Key,
		Size:        info.Size,
		ContentType: info.ContentType,
		Updated:     info.LastModified,
		Generation:  info.VersionID,
		ETag:        strings.Trim(info.ETag, `"`),
		Metadata:    normalizeMetadata(info.UserMetadata),
	}
	// Single part uploads carry the MD5 as their ETag.
	if len(obj.ETag) == 32 && !strings.Contains(obj.ETag, "-") {
		obj.MD5 = obj.ETag
	}
	return obj
}

var standardHeaders = map[string]bool{
	"content-type":        true,
	"content-encoding":    true,
	"content-disposition": true,
	"content-language":    true,
	"cache-control":       true,
	"expires":             true,
}

// normalizeMetadata lowercases keys and strips the x-amz-meta- prefix that
// listings with metadata carry.
func normalizeMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-amz-meta-") {
			out[strings.TrimPrefix(lk, "x-amz-meta-")] = v
			continue
		}
		if standardHeaders[lk] || strings.HasPrefix(lk, "x-amz-") {
			continue
		}
		out[lk] = v
	}
	return out
}
