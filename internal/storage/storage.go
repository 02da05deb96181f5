// Package storage defines the object store abstraction shared by every backend.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"
)

// Separator is the path separator used to emulate folders over flat keys.
const Separator = "/"

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrUnsupported is returned when a backend cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by backend")
	// ErrInvalidToken is returned for a malformed pagination token.
	ErrInvalidToken = errors.New("invalid page token")
)

// Object describes a stored object.
type Object struct {
	Key         string
	Size        int64
	ContentType string
	Updated     time.Time
	Generation  string
	ETag        string
	// MD5 is the hex digest reported by the store, empty when unknown.
	MD5      string
	Metadata map[string]string
}

// IsMarker reports whether the object is a zero-byte folder marker.
func (o Object) IsMarker() bool {
	return len(o.Key) > 0 && o.Key[len(o.Key)-1] == '/'
}

// ListOptions controls a single page of a listing.
type ListOptions struct {
	Prefix    string
	Delimiter string
	PageToken string
	PageSize  int
}

// ListPage is one page of a delimiter listing.
type ListPage struct {
	Objects []Object
	// Prefixes holds the common prefixes, each ending with the delimiter.
	Prefixes      []string
	NextPageToken string
}

// SignedURLOptions controls read URL generation.
type SignedURLOptions struct {
	Expires time.Time
	// Filename forces an attachment disposition when set.
	Filename string
	// Hostname replaces the URL host where the signing scheme allows it.
	Hostname string
}

// PostPolicyOptions controls upload policy generation.
type PostPolicyOptions struct {
	Expires       time.Time
	ContentType   string
	MaxSize       int64
	SuccessStatus int
}

// PostPolicy is a browser upload credential.
type PostPolicy struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// CORSRule describes the bucket CORS configuration applied for the dashboard.
type CORSRule struct {
	Origins         []string
	Methods         []string
	ResponseHeaders []string
	MaxAge          time.Duration
}

// Bucket is the set of primitives the file manager needs from an object store.
type Bucket interface {
	Name() string

	List(ctx context.Context, opts ListOptions) (ListPage, error)
	// ListAll walks every object under prefix recursively.
	ListAll(ctx context.Context, prefix string) ([]Object, error)
	Stat(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	// Move copies src to dst and removes src.
	Move(ctx context.Context, src, dst string) error

	IsPublic(ctx context.Context, key string) (bool, error)
	SetPublic(ctx context.Context, key string, public bool) error

	// UpdateMetadata merges user metadata into the object. Empty values delete keys.
	UpdateMetadata(ctx context.Context, key string, metadata map[string]string) error

	SignedURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	PostPolicy(ctx context.Context, key string, opts PostPolicyOptions) (PostPolicy, error)
	SetCORS(ctx context.Context, rule CORSRule) error
}

// Usage is server-side accounting for a bucket.
type Usage struct {
	Objects uint64 `json:"objects"`
	Bytes   uint64 `json:"bytes"`
}

// UsageReporter is implemented by backends that expose usage accounting.
type UsageReporter interface {
	BucketUsage(ctx context.Context) (Usage, error)
}

// EncodeToken turns a StartAfter marker into an opaque page token.
func EncodeToken(lastKey string) string {
	if lastKey == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastKey))
}

// DecodeToken reverses EncodeToken.
func DecodeToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return string(b), nil
}

// ContentDisposition builds an attachment header value for filename.
func ContentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", filename, url.PathEscape(filename))
}
