// Package gcsstore implements storage.Bucket on Google Cloud Storage.
package gcsstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	cabinet "github.com/damacus/iron-cabinet/internal/storage"
)

// Store implements cabinet.Bucket using Google Cloud Storage.
type Store struct {
	client *storage.Client
	bucket string
}

var _ cabinet.Bucket = (*Store)(nil)

// New creates a GCS-backed bucket and checks that it is reachable.
func New(ctx context.Context, bucketName string, opts ...option.ClientOption) (*Store, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("accessing GCS bucket %q: %w", bucketName, err)
	}

	return &Store{client: client, bucket: bucketName}, nil
}

func (s *Store) Name() string { return s.bucket }

func (s *Store) handle() *storage.BucketHandle {
	return s.client.Bucket(s.bucket)
}

// isNotFound also covers JSON API calls such as ACL reads, which report a
// missing object as a plain 404.
func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("%s GCS object %q: %w", op, key, cabinet.ErrNotFound)
	}
	return fmt.Errorf("%s GCS object %q: %w", op, key, err)
}

func (s *Store) List(ctx context.Context, opts cabinet.ListOptions) (cabinet.ListPage, error) {
	query := &storage.Query{Prefix: opts.Prefix, Delimiter: opts.Delimiter}
	it := s.handle().Objects(ctx, query)

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	var attrs []*storage.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize, opts.PageToken).NextPage(&attrs)
	if err != nil {
		return cabinet.ListPage{}, fmt.Errorf("listing GCS objects with prefix %q: %w", opts.Prefix, err)
	}

	page := cabinet.ListPage{NextPageToken: next}
	for _, a := range attrs {
		// attrs.Prefix is set for "directory" entries (when Delimiter is used).
		if a.Prefix != "" {
			page.Prefixes = append(page.Prefixes, a.Prefix)
			continue
		}
		page.Objects = append(page.Objects, toObject(a))
	}
	return page, nil
}

func (s *Store) ListAll(ctx context.Context, prefix string) ([]cabinet.Object, error) {
	it := s.handle().Objects(ctx, &storage.Query{Prefix: prefix})

	var objects []cabinet.Object
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing GCS objects with prefix %q: %w", prefix, err)
		}
		objects = append(objects, toObject(attrs))
	}
	return objects, nil
}

func (s *Store) Stat(ctx context.Context, key string) (cabinet.Object, error) {
	attrs, err := s.handle().Object(key).Attrs(ctx)
	if err != nil {
		return cabinet.Object{}, wrapErr("stat", key, err)
	}
	return toObject(attrs), nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.handle().Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("stat", key, err)
	}
	return true, nil
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.handle().Object(key).NewReader(ctx)
	if err != nil {
		return nil, wrapErr("reading", key, err)
	}
	return r, nil
}

func (s *Store) Write(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w := s.handle().Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return wrapErr("writing", key, err)
	}
	if err := w.Close(); err != nil {
		return wrapErr("closing writer for", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return wrapErr("deleting", key, s.handle().Object(key).Delete(ctx))
}

func (s *Store) Move(ctx context.Context, src, dst string) error {
	srcObj := s.handle().Object(src)
	if _, err := s.handle().Object(dst).CopierFrom(srcObj).Run(ctx); err != nil {
		return wrapErr("copying", src, err)
	}
	return wrapErr("deleting", src, srcObj.Delete(ctx))
}

func (s *Store) IsPublic(ctx context.Context, key string) (bool, error) {
	rules, err := s.handle().Object(key).ACL().List(ctx)
	if err != nil {
		return false, wrapErr("reading ACL of", key, err)
	}
	for _, r := range rules {
		if r.Entity == storage.AllUsers && (r.Role == storage.RoleReader || r.Role == storage.RoleOwner) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SetPublic(ctx context.Context, key string, public bool) error {
	acl := s.handle().Object(key).ACL()
	if public {
		return wrapErr("making public", key, acl.Set(ctx, storage.AllUsers, storage.RoleReader))
	}
	err := acl.Delete(ctx, storage.AllUsers)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		// No allUsers entry means the object is already private.
		if _, statErr := s.handle().Object(key).Attrs(ctx); statErr != nil {
			return wrapErr("making private", key, statErr)
		}
		return nil
	}
	return wrapErr("making private", key, err)
}

// UpdateMetadata relies on GCS deleting keys whose value is empty.
func (s *Store) UpdateMetadata(ctx context.Context, key string, metadata map[string]string) error {
	_, err := s.handle().Object(key).Update(ctx, storage.ObjectAttrsToUpdate{Metadata: metadata})
	return wrapErr("updating", key, err)
}

// SignedURL uses V2 signing, which has no maximum expiry and does not sign
// the host, so a CDN hostname can be substituted.
func (s *Store) SignedURL(_ context.Context, key string, opts cabinet.SignedURLOptions) (string, error) {
	sopts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV2,
		Method:  http.MethodGet,
		Expires: opts.Expires,
	}
	if opts.Filename != "" {
		sopts.QueryParameters = url.Values{
			"response-content-disposition": []string{cabinet.ContentDisposition(opts.Filename)},
		}
	}

	signed, err := s.handle().SignedURL(key, sopts)
	if err != nil {
		return "", fmt.Errorf("signing GCS object %q: %w", key, err)
	}
	if opts.Hostname == "" {
		return signed, nil
	}
	return rewriteHost(signed, s.bucket, opts.Hostname)
}

// rewriteHost moves a path-style URL onto a CNAME host that serves the bucket.
func rewriteHost(signed, bucket, hostname string) (string, error) {
	u, err := url.Parse(signed)
	if err != nil {
		return "", fmt.Errorf("parsing signed URL: %w", err)
	}
	if h, err := url.Parse(hostname); err == nil && h.Host != "" {
		u.Scheme = h.Scheme
		hostname = h.Host
	}
	u.Host = hostname
	u.Path = strings.TrimPrefix(u.Path, "/"+bucket)
	u.RawPath = ""
	return u.String(), nil
}

func (s *Store) PostPolicy(_ context.Context, key string, opts cabinet.PostPolicyOptions) (cabinet.PostPolicy, error) {
	policy, err := s.handle().GenerateSignedPostPolicyV4(key, &storage.PostPolicyV4Options{
		Expires: opts.Expires,
		Fields: &storage.PolicyV4Fields{
			ContentType:         opts.ContentType,
			StatusCodeOnSuccess: opts.SuccessStatus,
		},
		Conditions: []storage.PostPolicyV4Condition{
			storage.ConditionContentLengthRange(0, uint64(opts.MaxSize)),
		},
	})
	if err != nil {
		return cabinet.PostPolicy{}, fmt.Errorf("generating post policy for %q: %w", key, err)
	}
	return cabinet.PostPolicy{URL: policy.URL, Fields: policy.Fields}, nil
}

func (s *Store) SetCORS(ctx context.Context, rule cabinet.CORSRule) error {
	_, err := s.handle().Update(ctx, storage.BucketAttrsToUpdate{
		CORS: []storage.CORS{{
			MaxAge:          rule.MaxAge,
			Methods:         rule.Methods,
			Origins:         rule.Origins,
			ResponseHeaders: rule.ResponseHeaders,
		}},
	})
	if err != nil {
		return fmt.Errorf("updating CORS of GCS bucket %q: %w", s.bucket, err)
	}
	return nil
}

// Close closes the underlying GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}

func toObject(a *storage.ObjectAttrs) cabinet.Object {
	obj := cabinet.Object{
		Key:         a.Name,
		Size:        a.Size,
		ContentType: a.ContentType,
		Updated:     a.Updated,
		Generation:  strconv.FormatInt(a.Generation, 10),
		ETag:        a.Etag,
		Metadata:    a.Metadata,
	}
	if len(a.MD5) > 0 {
		obj.MD5 = hex.EncodeToString(a.MD5)
	}
	return obj
}
